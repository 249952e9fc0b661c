// Package inspect implements the per-connection, per-direction rule
// evaluation engine: cursor tracking, named-state flags, match dispatch and
// the admit/flush/block/replace bookkeeping that feeds back into the ring
// buffers.
package inspect

import (
	"sync"

	"github.com/CyberGrandChallenge/network-appliance/internal/ring"
	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
)

// ruleProgress is one rule's position within one side's stream: cursor is
// the absolute byte offset the rule's next search begins from, and termIdx
// is which MatchTerm a literal-match rule is currently trying to satisfy.
type ruleProgress struct {
	cursor  int64
	termIdx int
}

// sideState holds everything specific to one direction of one connection.
type sideState struct {
	buf             *ring.Buffer
	progress        map[int]*ruleProgress
	truncatedLogged bool
}

func newSideState(capacity int) *sideState {
	return &sideState{
		buf:      ring.New(capacity),
		progress: map[int]*ruleProgress{},
	}
}

func (s *sideState) progressFor(ruleID int) *ruleProgress {
	p, ok := s.progress[ruleID]
	if !ok {
		p = &ruleProgress{}
		s.progress[ruleID] = p
	}
	return p
}

// Connection is the inspection-relevant state of one proxied TCP
// connection: both sides' ring buffers and rule cursors, the named-state
// flag set, a correlation identifier, and the packet-tap message-id counter.
type Connection struct {
	mu sync.Mutex

	id    string
	rules []*rules.Rule

	client *sideState
	server *sideState
	state  map[string]bool

	msgID uint32
}

// NewConnection builds inspection state for one connection. ruleSet is
// shared, read-only, immutable storage across every connection.
func NewConnection(id string, ruleSet []*rules.Rule, bufferCapacity int) *Connection {
	return &Connection{
		id:     id,
		rules:  ruleSet,
		client: newSideState(bufferCapacity),
		server: newSideState(bufferCapacity),
		state:  map[string]bool{},
	}
}

// ID returns the connection's stable correlation identifier.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) sideState(side rules.Side) *sideState {
	if side == rules.SideClient {
		return c.client
	}
	return c.server
}

// ReserveMsgIDs reserves a contiguous range of n packet-tap message ids and
// returns the first one, for callers (the packet tap) that must emit
// several datagrams -- and thus consume several ids -- for one forwarded
// message.
func (c *Connection) ReserveMsgIDs(n uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.msgID
	c.msgID += n
	return start
}
