// Package tap implements the optional packet-tap sink: a UDP mirror of
// every forwarded, post-replacement message, prefixed with a fixed header.
package tap

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CyberGrandChallenge/network-appliance/internal/metrics"
)

// Direction tags which socket a tapped message was forwarded out of. The
// byte is destination-based, not origin-based: traffic forwarded to the
// upstream server (i.e. received from the client) is DirectionToServer.
// See DESIGN.md OQ-4 for why this is the opposite of a naive reading of the
// wire format's own field name.
type Direction uint8

const (
	DirectionToClient Direction = 0
	DirectionToServer Direction = 1
)

// headerLen is the fixed size of the tap datagram header, in bytes.
const headerLen = 4 + 4 + 4 + 2 + 1

// DefaultMaxPayload is the default maximum payload bytes per datagram,
// leaving headroom under the 65535-byte UDP limit once the header is added.
const DefaultMaxPayload = 65520

// Sink emits one UDP datagram per forwarded message to a fixed destination.
// A zero-value Sink (no address configured) is a valid no-op tap.
type Sink struct {
	conn       *net.UDPConn
	csid       uint32
	maxPayload int
	log        zerolog.Logger
}

// NewSink dials a UDP socket to host:port. csid is the deployment/channel
// id stamped into every header; maxPayload bounds how large a single
// datagram's payload may be before splitting (DefaultMaxPayload if <= 0).
func NewSink(host string, port int, csid uint32, maxPayload int) (*Sink, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Sink{
		conn:       conn,
		csid:       csid,
		maxPayload: maxPayload,
		log:        log.Logger.With().Str("caller", "tap").Logger(),
	}, nil
}

// MaxPayload returns the configured maximum payload bytes per datagram,
// used by callers that must pre-reserve a contiguous msgID range before
// calling Emit. A nil Sink reports DefaultMaxPayload.
func (s *Sink) MaxPayload() int {
	if s == nil || s.maxPayload <= 0 {
		return DefaultMaxPayload
	}
	return s.maxPayload
}

// Emit sends payload as one or more tap datagrams for connectionID, msgID,
// dir. When payload exceeds the configured max per datagram, it is split
// into successive whole datagrams, each consuming its own connection-scoped
// msgID (see DESIGN.md OQ-1); the caller supplies the first id and gets back
// the next free one.
func (s *Sink) Emit(connectionID uint32, nextMsgID uint32, dir Direction, payload []byte) (newNextMsgID uint32) {
	if s == nil || s.conn == nil {
		return nextMsgID
	}
	if len(payload) == 0 {
		s.send(connectionID, nextMsgID, dir, nil)
		return nextMsgID + 1
	}
	for off := 0; off < len(payload); off += s.maxPayload {
		end := off + s.maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		s.send(connectionID, nextMsgID, dir, payload[off:end])
		nextMsgID++
	}
	return nextMsgID
}

func (s *Sink) send(connectionID, msgID uint32, dir Direction, chunk []byte) {
	buf := make([]byte, headerLen+len(chunk))
	binary.LittleEndian.PutUint32(buf[0:4], s.csid)
	binary.LittleEndian.PutUint32(buf[4:8], connectionID)
	binary.LittleEndian.PutUint32(buf[8:12], msgID)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(chunk)))
	buf[14] = byte(dir)
	copy(buf[headerLen:], chunk)

	if _, err := s.conn.Write(buf); err != nil {
		// Tap send failures are dropped silently and never affect
		// forwarding; this log line is debug-only.
		s.log.Debug().Err(err).Msg("tap datagram send failed")
		metrics.TapSendErrorsTotal.Inc()
	}
}

// Close releases the tap socket. A nil or unconfigured Sink is a no-op.
func (s *Sink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
