//go:build integration

package proxy

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
)

// echoUpstream starts a plain TCP echo server and returns its address.
func echoUpstream(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return l.Addr().String()
}

func startProxy(t *testing.T, cfg Config) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	srv := New(cfg)
	go srv.Serve(l)
	return l.Addr().String()
}

func mustParseRules(t *testing.T, text string) []*rules.Rule {
	t.Helper()
	rs, err := rules.ParseFile(strings.NewReader(text))
	require.NoError(t, err)
	return rs
}

// TestProxy_TransparentWithoutRules covers spec.md §8's "empty rule file ->
// transparent proxy" property: bytes sent by the client arrive unmodified
// at the echo upstream and bounce back unmodified.
func TestProxy_TransparentWithoutRules(t *testing.T) {
	upstream := echoUpstream(t)
	addr := startProxy(t, Config{Upstream: upstream, BufferSize: 4096})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("AB42C"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "AB42C", string(buf))
}

// TestProxy_BlockTerminatesConnection covers spec.md §8 scenario 5: a block
// rule fires partway through a stream of chunks and no further bytes of
// either direction are forwarded.
func TestProxy_BlockTerminatesConnection(t *testing.T) {
	upstream := echoUpstream(t)
	rs := mustParseRules(t, `block (name:"toolong"; regex:"A{15,}";)`)
	addr := startProxy(t, Config{Upstream: upstream, Rules: rs, BufferSize: 64})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if _, err := conn.Write([]byte("AAAAAAAAAA")); err != nil {
			break
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	got, _ := io.ReadAll(r)
	require.Less(t, len(got), 30, "block must stop forwarding before all 30 bytes echo back")
}

// TestProxy_ReplaceRewritesBothDirections covers spec.md §8 scenario 4: a
// client-side replace rewrites the bytes the upstream echo server sees, and
// a server-side rule observes the rewritten bytes once echoed back.
func TestProxy_ReplaceRewritesBothDirections(t *testing.T) {
	upstream := echoUpstream(t)
	rs := mustParseRules(t, `
alert (name:"t1"; side:client; match:"AB"; replace:"XY";)
alert (name:"t2"; side:server; match:"XY";)
`)
	addr := startProxy(t, Config{Upstream: upstream, Rules: rs, BufferSize: 4096})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ABAB"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "XYXY", string(buf))
}

// TestProxy_NegotiatePreambleBypassesInspection covers spec.md §8 scenario
// 6: the client's length-prefixed preamble and the server's fixed 4-byte
// status prefix both forward without triggering inspection.
func TestProxy_NegotiatePreambleBypassesInspection(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		io.ReadFull(c, buf) // negotiate blob, discarded
		c.Write([]byte("AAAA"))
		c.Write([]byte("AAAA"))
	}()

	addr := startProxy(t, Config{Upstream: l.Addr().String(), BufferSize: 4096, Negotiate: true})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	buf := make([]byte, 8)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "AAAAAAAA", string(buf))
}

// TestProxy_TwoIndependentConnections covers the supplemented feature from
// original_source/tests/test_drop.py::test_two_clients_one_overflow: one
// connection tripping a block rule must not affect a second, independent
// connection's traffic.
func TestProxy_TwoIndependentConnections(t *testing.T) {
	upstream := echoUpstream(t)
	rs := mustParseRules(t, `block (name:"toolong"; regex:"A{15,}";)`)
	addr := startProxy(t, Config{Upstream: upstream, Rules: rs, BufferSize: 64})

	blocked, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer blocked.Close()

	healthy, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer healthy.Close()

	_, err = blocked.Write([]byte("AAAAAAAAAAAAAAAAAAAA"))
	require.NoError(t, err)
	blocked.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.ReadAll(blocked)

	_, err = healthy.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	healthy.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(healthy, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}
