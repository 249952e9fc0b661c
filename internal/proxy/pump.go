package proxy

import (
	"io"
	"net"
	"sync"

	"github.com/CyberGrandChallenge/network-appliance/internal/inspect"
	"github.com/CyberGrandChallenge/network-appliance/internal/metrics"
	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
	"github.com/CyberGrandChallenge/network-appliance/internal/tap"
)

// pumpBufferSize is the per-read chunk size, mirroring the teacher's
// transportBufferSize constant for one direction's read loop.
const pumpBufferSize = 65536

// pumpArgs bundles everything one direction's goroutine needs; the two
// directions of one connection share everything but from/to/side/tapDir/
// preamble/direction.
type pumpArgs struct {
	from, to net.Conn
	side     rules.Side
	conn     *inspect.Connection
	connID   uint32

	tapDir   tap.Direction
	preamble preambler

	blocked    chan struct{}
	blockOnce  *sync.Once
	forceClose func()
	done       chan struct{}

	direction string
}

// halfCloseWrite shuts down the write half of conn so the peer sees a clean
// EOF while this direction's reader may still be draining buffered data in
// the other goroutine (spec.md §5's graceful half-close), falling back to a
// full Close for connection types that don't support CloseWrite.
func halfCloseWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

// pump reads chunks from a.from, inspects them through a.conn, writes the
// (possibly replace-mutated) forwarded bytes to a.to, and taps the inspected
// bytes (negotiate preamble bytes bypass both inspection and the tap). It
// returns when a.from is closed, a read/write error occurs, or a block
// fires on either direction of the connection (signaled via a.blocked).
func (s *Server) pump(a pumpArgs) {
	defer func() { a.done <- struct{}{} }()
	defer halfCloseWrite(a.to)

	buf := make([]byte, pumpBufferSize)

	for {
		select {
		case <-a.blocked:
			return
		default:
		}

		n, err := a.from.Read(buf)
		if n > 0 {
			traceRead(a.direction, a.from.RemoteAddr().String(), n)

			chunk := append([]byte(nil), buf[:n]...)
			uninspected, inspectable := chunk, []byte(nil)
			if a.preamble != nil {
				uninspected, inspectable = a.preamble.feed(chunk)
			}

			if len(uninspected) > 0 {
				// Negotiate preamble bytes bypass rule evaluation entirely
				// (spec.md §4.4) and are never tapped (spec.md §4.5 mirrors
				// inspected forwarded messages only).
				if !s.write(a.to, uninspected, a.direction) {
					return
				}
			}

			if len(inspectable) > 0 {
				res := a.conn.Ingest(a.side, inspectable)
				s.logFires(res.Fires)
				if res.Truncated {
					metrics.TruncationsTotal.WithLabelValues(string(a.side)).Inc()
					s.log.Info().Msg("truncating inspection buffer")
				}

				if res.Blocked {
					metrics.BlocksTotal.Inc()
					a.blockOnce.Do(func() {
						close(a.blocked)
						a.forceClose()
					})
					return
				}

				if len(res.Forward) > 0 {
					if !s.write(a.to, res.Forward, a.direction) {
						return
					}
					s.tapEmit(a, res.Forward)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Str("direction", a.direction).Msg("read failed")
			}
			return
		}
	}
}

// write forwards p to conn, reporting false (and logging) on failure so the
// caller can stop pumping this direction.
func (s *Server) write(conn net.Conn, p []byte, direction string) bool {
	n, err := conn.Write(p)
	if err != nil {
		s.log.Debug().Err(err).Str("direction", direction).Msg("write failed")
		return false
	}
	traceWrite(direction, conn.RemoteAddr().String(), n)
	return true
}

// tapEmit mirrors p to the configured packet tap, if any. It reserves
// however many msgIDs the tap will consume (Emit splits oversized payloads
// into several datagrams) from the connection's shared, per-direction-
// combined counter before handing the range to Emit.
func (s *Server) tapEmit(a pumpArgs, p []byte) {
	if s.cfg.Tap == nil {
		return
	}
	n := (len(p) + s.cfg.Tap.MaxPayload() - 1) / s.cfg.Tap.MaxPayload()
	if n == 0 {
		n = 1
	}
	start := a.conn.ReserveMsgIDs(uint32(n))
	s.cfg.Tap.Emit(a.connID, start, a.tapDir, p)
	metrics.TapDatagramsTotal.Add(float64(n))
}

// logFires emits the pinned INFO lines for alert/block and increments the
// per-rule, per-action match counter, in firing order.
func (s *Server) logFires(fires []inspect.Fire) {
	for _, f := range fires {
		var action string
		switch f.Action {
		case inspect.ActionBlock:
			action = "block"
			s.log.Info().Msgf("blocking connection: filter matched '%s'", f.Rule.Name)
		case inspect.ActionAdmit:
			action = "admit"
		default:
			action = "alert"
			s.log.Info().Msgf("filter matched: '%s'", f.Rule.Name)
		}
		metrics.RuleMatchesTotal.WithLabelValues(f.Rule.Name, action).Inc()
	}
}
