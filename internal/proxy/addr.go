package proxy

import (
	"fmt"
	"net"
)

// pythonTuple formats addr the way the original appliance's log lines do:
// a Python-style (ip, port) tuple repr, which the pinned log-line substrings
// in spec.md's exact-match set require verbatim.
func pythonTuple(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Sprintf("(%q, 0)", addr.String())
	}
	return fmt.Sprintf("('%s', %d)", tcp.IP.String(), tcp.Port)
}
