package proxy

import "encoding/binary"

// clientPreamble implements the client->server side of the negotiate
// handshake: the first four bytes read are a little-endian length N,
// forwarded but never inspected; the next N bytes are likewise forwarded
// uninspected. After that the direction is permanently passthrough.
type clientPreamble struct {
	enabled   bool
	done      bool
	lenBuf    []byte
	remaining int64
	awaiting  bool // true once lenBuf is complete and remaining counts down
}

func newClientPreamble(enabled bool) *clientPreamble {
	return &clientPreamble{enabled: enabled, done: !enabled}
}

// feed consumes data, returning the prefix that must be forwarded without
// inspection (uninspected) and the remainder that should go through the
// inspection engine as usual (inspect). Either may be empty.
func (p *clientPreamble) feed(data []byte) (uninspected, inspect []byte) {
	if p.done {
		return nil, data
	}
	var out []byte
	for len(data) > 0 && !p.done {
		if !p.awaiting && len(p.lenBuf) < 4 {
			need := 4 - len(p.lenBuf)
			take := min(need, len(data))
			p.lenBuf = append(p.lenBuf, data[:take]...)
			out = append(out, data[:take]...)
			data = data[take:]
			if len(p.lenBuf) == 4 {
				p.remaining = int64(binary.LittleEndian.Uint32(p.lenBuf))
				p.awaiting = true
				if p.remaining == 0 {
					p.done = true
				}
			}
			continue
		}
		if p.awaiting {
			take := int64(len(data))
			if take > p.remaining {
				take = p.remaining
			}
			out = append(out, data[:take]...)
			data = data[take:]
			p.remaining -= take
			if p.remaining == 0 {
				p.done = true
			}
			continue
		}
		break
	}
	return out, data
}

// serverPreamble implements the server->client side: the first four bytes
// received are a fixed-length status prefix, forwarded but never inspected.
type serverPreamble struct {
	enabled   bool
	done      bool
	remaining int
}

func newServerPreamble(enabled bool) *serverPreamble {
	p := &serverPreamble{enabled: enabled, done: !enabled}
	if enabled {
		p.remaining = 4
	}
	return p
}

func (p *serverPreamble) feed(data []byte) (uninspected, inspect []byte) {
	if p.done {
		return nil, data
	}
	take := len(data)
	if take > p.remaining {
		take = p.remaining
	}
	out := data[:take]
	rest := data[take:]
	p.remaining -= take
	if p.remaining == 0 {
		p.done = true
	}
	return out, rest
}
