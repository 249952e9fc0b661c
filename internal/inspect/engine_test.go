package inspect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
)

func mustRules(t *testing.T, text string) []*rules.Rule {
	t.Helper()
	rs, err := rules.ParseFile(strings.NewReader(text))
	require.NoError(t, err)
	return rs
}

func TestIngest_Alert(t *testing.T) {
	rs := mustRules(t, `alert (name:"a"; match:"evil";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("xxevilxx"))
	require.Len(t, res.Fires, 1)
	assert.Equal(t, ActionAlert, res.Fires[0].Action)
	assert.False(t, res.Blocked)
	assert.Equal(t, []byte("xxevilxx"), res.Forward)
}

func TestIngest_Block(t *testing.T) {
	rs := mustRules(t, `block (name:"b"; match:"bad";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("xxbadxx"))
	require.Len(t, res.Fires, 1)
	assert.Equal(t, ActionBlock, res.Fires[0].Action)
	assert.True(t, res.Blocked)
}

func TestIngest_DepthExcludesOutOfRangeMatch(t *testing.T) {
	rs := mustRules(t, `alert (name:"d"; match:"A", 2;)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("XXXA"))
	assert.Empty(t, res.Fires)

	// The depth bound is fixed relative to the rule's cursor, which never
	// advanced, so this remains permanently unmatched.
	res = c.Ingest(rules.SideClient, []byte("more data"))
	assert.Empty(t, res.Fires)
}

func TestIngest_DepthIncludesInRangeMatch(t *testing.T) {
	rs := mustRules(t, `alert (name:"d"; match:"A", 2;)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("XAX"))
	require.Len(t, res.Fires, 1)
}

func TestIngest_SkipBeforeMatch(t *testing.T) {
	rs := mustRules(t, `alert (name:"s"; skip:2; match:"A";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("AAXA"))
	require.Len(t, res.Fires, 1)
}

func TestIngest_MultiTermSequenceAndRefire(t *testing.T) {
	rs := mustRules(t, `alert (name:"seq"; match:"foo"; match:"bar";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("..foo..bar.."))
	require.Len(t, res.Fires, 1)

	// cursor continues forward; a later repetition of the full sequence
	// fires again.
	res = c.Ingest(rules.SideClient, []byte("..foo..bar.."))
	require.Len(t, res.Fires, 1)
}

func TestIngest_Replace(t *testing.T) {
	rs := mustRules(t, `alert (name:"r"; match:"bad", replace:"good";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("xxbadxx"))
	require.Len(t, res.Fires, 1)
	assert.Equal(t, []byte("xxgoodxx"), res.Forward)
}

func TestIngest_AdmitPreventsLaterRuleMatchingConsumedBytes(t *testing.T) {
	rs := mustRules(t, `admit (name:"clear"; match:"MAGIC";)
alert (name:"after"; match:"MAGIC";)
`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("xxMAGICxx"))
	require.Len(t, res.Fires, 1)
	assert.Equal(t, "clear", res.Fires[0].Rule.Name)
	assert.Equal(t, ActionAdmit, res.Fires[0].Action)
}

func TestIngest_StatePredicateGatesRule(t *testing.T) {
	rs := mustRules(t, `alert (name:"setter"; match:"arm"; state:set,armed;)
alert (name:"gated"; match:"fire"; state:is,armed;)
`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("fire"))
	assert.Empty(t, res.Fires, "gated rule must not fire before armed is set, even though its literal is already present")

	// Once "arm" arrives, setter fires and sets armed within this same
	// ingest; since setter precedes gated in rule-file order, gated's
	// predicate is already satisfied by the time it is evaluated, and its
	// match term ("fire") is still sitting, unconsumed, in the window from
	// the first ingest -- so it fires in the same pass that armed rule
	// does.
	res = c.Ingest(rules.SideClient, []byte("arm"))
	require.Len(t, res.Fires, 2)
	assert.Equal(t, "setter", res.Fires[0].Rule.Name)
	assert.Equal(t, "gated", res.Fires[1].Rule.Name)
}

func TestIngest_FlushOtherSideResetsItsBuffer(t *testing.T) {
	rs := mustRules(t, `alert (name:"trig"; side:client; match:"GO"; flush:server;)`)
	c := NewConnection("c1", rs, 4096)

	c.Ingest(rules.SideServer, []byte("HELLO"))
	offBefore, winBefore := c.server.buf.Window()
	assert.Equal(t, int64(0), offBefore)
	assert.Len(t, winBefore, 5)

	res := c.Ingest(rules.SideClient, []byte("GO"))
	require.Len(t, res.Fires, 1)

	offAfter, winAfter := c.server.buf.Window()
	assert.Equal(t, int64(5), offAfter)
	assert.Empty(t, winAfter)
}

func TestIngest_RegexFiresOncePerMatchPosition(t *testing.T) {
	rs := mustRules(t, `alert (name:"re"; regex:"A+";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("AA.AAA.A"))
	assert.Len(t, res.Fires, 3)
}

func TestIngest_StateNotGateWithSelfSetEffectFiresOnlyOnce(t *testing.T) {
	rs := mustRules(t, `alert (name:"once"; match:"X"; state:not,done; state:set,done;)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("X"))
	require.Len(t, res.Fires, 1)

	// The rule both tests and sets "done" in one firing: the second "X"
	// still sits unconsumed past the rule's (reset) term index, but the
	// state:not predicate it gated on is now false.
	res = c.Ingest(rules.SideClient, []byte("X"))
	assert.Empty(t, res.Fires, "state:not,done must gate the rule after it set done on its own first firing")
}

func TestIngest_RepeatedLiteralMatchTermsAdvanceCursor(t *testing.T) {
	rs := mustRules(t, `alert (name:"double"; match:"A"; state:set,foo; match:"A";)`)
	c := NewConnection("c1", rs, 4096)

	res := c.Ingest(rules.SideClient, []byte("A"))
	assert.Empty(t, res.Fires, "only one A has arrived; the second match term is still pending")

	res = c.Ingest(rules.SideClient, []byte("A"))
	require.Len(t, res.Fires, 1, "the second, distinct A completes the term sequence")
}

func TestIngest_RegexSpanningExactlyBufferCapacityStillMatches(t *testing.T) {
	rs := mustRules(t, `alert (name:"span"; regex:"A.{6}H";)`)
	c := NewConnection("c1", rs, 8)

	res := c.Ingest(rules.SideClient, []byte("ABCDEFGH"))
	require.Len(t, res.Fires, 1)
	assert.False(t, res.Truncated)
}

func TestIngest_EvictedAntecedentByteKeepsMatchFromFiring(t *testing.T) {
	rs := mustRules(t, `alert (name:"span"; regex:"X.{6}G";)`)
	c := NewConnection("c1", rs, 8)

	res := c.Ingest(rules.SideClient, []byte("XABCDEFGH"))
	assert.True(t, res.Truncated, "9 bytes into an 8-byte buffer evicts the oldest byte")
	assert.Empty(t, res.Fires, "the rule's pattern needed the evicted leading X and can never match again")
}

func TestIngest_TruncationReportedOnce(t *testing.T) {
	rs := mustRules(t, `alert (name:"noop"; match:"zzz";)`)
	c := NewConnection("c1", rs, 4)

	res := c.Ingest(rules.SideClient, []byte("abcd"))
	assert.False(t, res.Truncated)

	res = c.Ingest(rules.SideClient, []byte("e"))
	assert.True(t, res.Truncated)

	res = c.Ingest(rules.SideClient, []byte("f"))
	assert.False(t, res.Truncated, "truncation event is one-shot per side")
}
