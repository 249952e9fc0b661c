package inspect

import (
	"bytes"

	"github.com/CyberGrandChallenge/network-appliance/internal/rules"
)

// Action is the primary dispatch outcome of one fired rule.
type Action int

const (
	ActionAlert Action = iota
	ActionBlock
	ActionAdmit
)

// Fire describes one rule firing during an Ingest call, in firing order.
type Fire struct {
	Rule   *rules.Rule
	Action Action
}

// Result is everything the proxy core needs after appending one chunk of
// bytes to one side's inspection buffer.
type Result struct {
	// Forward is the bytes to write to the peer: data with any `replace`
	// substitutions applied. Never includes bytes from earlier ingests.
	Forward []byte
	// Fires lists every rule that fired this ingest, in rule-file order.
	Fires []Fire
	// Blocked reports whether a block rule fired; the caller must close
	// both sockets and stop forwarding Forward or anything further.
	Blocked bool
	// Truncated reports whether this is the first ingest on this side to
	// overflow the ring buffer (one-shot per connection per side).
	Truncated bool
}

type pendingReplace struct {
	start, end int64 // absolute offsets within the window
	with       []byte
}

// Ingest appends data to side's ring buffer and runs every applicable rule
// against the resulting window, in rule-file order, exactly as described by
// the inspection engine's evaluation steps: a per-rule state predicate
// gate, then either a regex search or a sequential walk of match terms,
// then action dispatch and state-effect application for every rule that
// fires. A block from any rule stops evaluation of later rules for this
// chunk; bytes already collected for Forward are still returned so the
// caller can decide whether to forward them (the proxy core drops them, per
// spec, but the engine itself makes no forwarding decision beyond this).
func (c *Connection) Ingest(side rules.Side, data []byte) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	ss := c.sideState(side)
	truncated := ss.buf.Append(data)
	firstTruncation := truncated && !ss.truncatedLogged
	if truncated {
		ss.truncatedLogged = true
	}

	offset, window := ss.buf.Window()
	windowEnd := offset + int64(len(window))
	chunkStart := windowEnd - int64(len(data))

	var fires []Fire
	var replacements []pendingReplace
	blocked := false

	for _, r := range c.rules {
		if blocked {
			break
		}
		if !r.AppliesToSide(side) {
			continue
		}
		if !c.predicatesHold(r) {
			continue
		}

		offset, window = ss.buf.Window()
		windowEnd = offset + int64(len(window))

		if r.IsRegex() {
			blocked = c.evalRegexRule(r, ss, side, offset, window, windowEnd, &fires)
			continue
		}

		for {
			matched, mEnd := c.evalLiteralRule(r, ss, offset, window, windowEnd, chunkStart, &replacements)
			if !matched {
				break
			}
			blocked = c.dispatch(r, side, mEnd, &fires)
			// A literal rule fires once per occurrence of its term sequence
			// in the window; a rule without match terms fires once.
			if blocked || len(r.MatchTerms) == 0 || !c.predicatesHold(r) {
				break
			}
			offset, window = ss.buf.Window()
			windowEnd = offset + int64(len(window))
		}
	}

	forward := applyReplacements(data, chunkStart, replacements)

	return Result{
		Forward:   forward,
		Fires:     fires,
		Blocked:   blocked,
		Truncated: firstTruncation,
	}
}

// predicatesHold reports whether every state:is/state:not clause on r is
// satisfied by the connection's current named-state set.
func (c *Connection) predicatesHold(r *rules.Rule) bool {
	for _, clause := range r.Predicates() {
		present := c.state[clause.Ident]
		switch clause.Op {
		case rules.StateIs:
			if !present {
				return false
			}
		case rules.StateNot:
			if present {
				return false
			}
		}
	}
	return true
}

// evalRegexRule searches window repeatedly from the rule's cursor, firing
// once per match position, and reports whether a block ended evaluation.
func (c *Connection) evalRegexRule(r *rules.Rule, ss *sideState, side rules.Side, offset int64, window []byte, windowEnd int64, fires *[]Fire) bool {
	prog := ss.progressFor(r.ID)
	searchFrom := prog.cursor
	if searchFrom < offset {
		searchFrom = offset
	}
	for {
		relStart := int(searchFrom - offset)
		if relStart > len(window) {
			return false
		}
		loc := r.Pattern.FindIndex(window[relStart:])
		if loc == nil {
			return false
		}
		mStart := offset + int64(relStart+loc[0])
		mEnd := offset + int64(relStart+loc[1])
		prog.cursor = mEnd
		if blocked := c.dispatch(r, side, mEnd, fires); blocked {
			return true
		}
		if mEnd == mStart {
			mEnd++ // guard against looping forever on a zero-length match
		}
		searchFrom = mEnd
		// admit/flush on this rule (or an earlier one sharing this side)
		// may have moved the buffer; re-read before continuing the scan, and
		// re-clamp searchFrom since flush can advance offset past it.
		offset, window = ss.buf.Window()
		if searchFrom < offset {
			searchFrom = offset
		}
	}
}

// evalLiteralRule walks r's match terms from the rule's current term index
// and cursor. It reports whether the full term sequence completed this
// ingest (matched) and, if so, the absolute offset one past the last term's
// match (mEnd), collecting any replace substitutions along the way.
func (c *Connection) evalLiteralRule(r *rules.Rule, ss *sideState, offset int64, window []byte, windowEnd int64, chunkStart int64, replacements *[]pendingReplace) (matched bool, mEnd int64) {
	prog := ss.progressFor(r.ID)

	for prog.termIdx < len(r.MatchTerms) {
		term := r.MatchTerms[prog.termIdx]

		regionStart := prog.cursor + int64(term.SkipBefore)
		if regionStart < offset {
			regionStart = offset
		}
		regionEnd := windowEnd
		if term.HasDepth {
			bound := prog.cursor + int64(term.SkipBefore) + int64(term.Depth) + int64(len(term.Literal))
			if bound < regionEnd {
				regionEnd = bound
			}
		}
		if regionStart > regionEnd || regionStart > windowEnd {
			return false, 0
		}

		relStart := int(regionStart - offset)
		relEnd := int(regionEnd - offset)
		if relEnd > len(window) {
			relEnd = len(window)
		}
		if relStart > relEnd {
			return false, 0
		}

		idx := bytes.Index(window[relStart:relEnd], term.Literal)
		if idx < 0 {
			return false, 0
		}

		mStart := regionStart + int64(idx)
		mTermEnd := mStart + int64(len(term.Literal))
		if term.HasReplace {
			*replacements = append(*replacements, pendingReplace{start: mStart, end: mTermEnd, with: term.Replace})
		}
		prog.cursor = mTermEnd
		prog.termIdx++
	}

	// Every term satisfied: fire, then reset so the same rule can match
	// again against later bytes of the stream.
	prog.termIdx = 0
	return true, prog.cursor
}

// dispatch applies a fired rule's action and, when present, its flush
// clause. It returns whether the connection must now be closed.
func (c *Connection) dispatch(r *rules.Rule, side rules.Side, matchEnd int64, fires *[]Fire) (blocked bool) {
	for _, eff := range r.Effects() {
		switch eff.Op {
		case rules.StateSet:
			c.state[eff.Ident] = true
		case rules.StateUnset:
			delete(c.state, eff.Ident)
		}
	}

	var action Action
	switch r.Kind {
	case rules.KindBlock:
		action = ActionBlock
		blocked = true
	case rules.KindAdmit:
		action = ActionAdmit
		c.admit(side, matchEnd)
	default:
		action = ActionAlert
	}
	*fires = append(*fires, Fire{Rule: r, Action: action})

	if r.HasFlush {
		c.flush(r.Flush)
	}
	return blocked
}

// admit discards side's ring buffer through matchEnd and fast-forwards
// every rule's cursor on that side so nothing refires within the consumed
// bytes.
func (c *Connection) admit(side rules.Side, matchEnd int64) {
	ss := c.sideState(side)
	ss.buf.DiscardThrough(matchEnd)
	for _, p := range ss.progress {
		if p.cursor < matchEnd {
			p.cursor = matchEnd
			p.termIdx = 0
		}
	}
}

// flush discards the target side's entire buffer and resets every rule's
// cursor on that side to the new end, per a rule's `flush:<side>` clause.
func (c *Connection) flush(side rules.Side) {
	ss := c.sideState(side)
	end := ss.buf.End()
	ss.buf.DiscardThrough(end)
	for _, p := range ss.progress {
		p.cursor = end
		p.termIdx = 0
	}
}

// applyReplacements stitches data (the bytes just appended, spanning
// [chunkStart, chunkStart+len(data))) with any collected replacements,
// in absolute-offset order. A replacement whose start precedes chunkStart
// straddles an already-forwarded chunk and is left alone -- bytes already
// written to the peer cannot be recalled.
func applyReplacements(data []byte, chunkStart int64, replacements []pendingReplace) []byte {
	if len(replacements) == 0 {
		return data
	}
	sortReplacements(replacements)

	out := make([]byte, 0, len(data))
	cur := chunkStart
	chunkEnd := chunkStart + int64(len(data))
	for _, r := range replacements {
		if r.start < chunkStart || r.start >= chunkEnd {
			continue
		}
		if r.start > cur {
			out = append(out, data[cur-chunkStart:r.start-chunkStart]...)
		}
		out = append(out, r.with...)
		end := r.end
		if end > chunkEnd {
			end = chunkEnd
		}
		cur = end
	}
	if cur < chunkEnd {
		out = append(out, data[cur-chunkStart:]...)
	}
	return out
}

func sortReplacements(r []pendingReplace) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j].start < r[j-1].start; j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}
