// Package proxy implements the inline inspecting TCP proxy core: accept the
// client, dial the upstream, shuttle bytes bidirectionally through the
// inspection engine, and apply block/admit/replace decisions as they fire.
package proxy

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CyberGrandChallenge/network-appliance/internal/inspect"
	"github.com/CyberGrandChallenge/network-appliance/internal/metrics"
	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
	"github.com/CyberGrandChallenge/network-appliance/internal/tap"
)

// Config holds everything one proxy instance needs once its rule set is
// already parsed and compiled (cmd/filterproxy owns parsing and flag
// validation).
type Config struct {
	// Upstream is the host:port dialed for every accepted client.
	Upstream string
	// Rules is the immutable, compiled rule set shared read-only by every
	// connection (spec.md §5's "no locking required" shared resource).
	Rules []*rules.Rule
	// BufferSize bounds each side's inspection ring buffer, in bytes.
	BufferSize int
	// Negotiate enables the preamble handshake of spec.md §4.4.
	Negotiate bool
	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int
	// Tap is the optional packet-tap sink; nil disables it.
	Tap *tap.Sink
}

// Server accepts and proxies connections per Config.
type Server struct {
	cfg Config
	sem chan struct{}
	log zerolog.Logger

	nextConnID uint32
}

// New builds a Server from cfg. cfg.Rules is retained, not copied; callers
// must not mutate it afterward.
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		log: log.Logger.With().Str("caller", "proxy").Logger(),
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Serve accepts connections from l until Accept fails, proxying each one in
// its own goroutine pair. It returns the terminal Accept error (typically
// net.ErrClosed on deliberate shutdown).
func (s *Server) Serve(l net.Listener) error {
	s.log.Debug().Str("addr", l.Addr().String()).Msg("listening")
	for {
		if s.sem != nil {
			s.sem <- struct{}{}
		}
		client, err := l.Accept()
		if err != nil {
			if s.sem != nil {
				<-s.sem
			}
			return err
		}
		go s.handle(client)
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

func (s *Server) nextConnectionID() uint32 {
	return atomic.AddUint32(&s.nextConnID, 1) - 1
}

// handle pairs one accepted client connection with a freshly dialed upstream
// connection and shuttles bytes between them until either side closes or a
// block rule fires.
func (s *Server) handle(client net.Conn) {
	defer s.release()
	defer client.Close()

	peer := client.RemoteAddr()

	upstream, err := net.Dial("tcp", s.cfg.Upstream)
	if err != nil {
		s.log.Error().Err(err).Str("upstream", s.cfg.Upstream).Msg("failed to dial upstream")
		return
	}
	defer upstream.Close()

	connID := s.nextConnectionID()
	conn := inspect.NewConnection(peer.String(), s.cfg.Rules, s.cfg.BufferSize)

	// connUUID correlates this connection's opening and closing log lines;
	// it is attached as the conn_uuid field, after the pinned message text,
	// so the pinned substrings stay verbatim.
	connUUID := uuid.New().String()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	s.log.Info().Str("conn_uuid", connUUID).Msgf("proxying connection from %s", pythonTuple(peer))

	blocked := make(chan struct{})
	var blockOnce sync.Once
	// forceClose cancels both directions immediately (spec.md §5: "a block
	// action cancels both directions immediately"), unlike the graceful
	// half-close a plain EOF gets.
	forceClose := func() {
		client.Close()
		upstream.Close()
	}
	done := make(chan struct{}, 2)

	go s.pump(pumpArgs{
		from:       client,
		to:         upstream,
		side:       rules.SideClient,
		conn:       conn,
		connID:     connID,
		tapDir:     tap.DirectionToServer,
		preamble:   newClientPreamble(s.cfg.Negotiate),
		blocked:    blocked,
		blockOnce:  &blockOnce,
		forceClose: forceClose,
		done:       done,
		direction:  "client->server",
	})
	go s.pump(pumpArgs{
		from:       upstream,
		to:         client,
		side:       rules.SideServer,
		conn:       conn,
		connID:     connID,
		tapDir:     tap.DirectionToClient,
		preamble:   newServerPreamble(s.cfg.Negotiate),
		blocked:    blocked,
		blockOnce:  &blockOnce,
		forceClose: forceClose,
		done:       done,
		direction:  "server->client",
	})

	<-done
	<-done

	s.log.Info().Str("conn_uuid", connUUID).Msgf("closed connection from %s", pythonTuple(peer))
}

// preambler abstracts the two negotiate preamble state machines (both
// *clientPreamble and *serverPreamble already expose a matching feed
// method) so pump can share one code path for both directions.
type preambler interface {
	feed(data []byte) (uninspected, inspect []byte)
}
