// Package rules implements the IDS rule language: parsing a rule file into
// an ordered list of Rules, and the data model the inspection engine walks.
package rules

import "github.com/CyberGrandChallenge/network-appliance/internal/rules/bytematch"

// Kind is the action a Rule takes when all of its terms are satisfied.
type Kind string

const (
	KindAlert Kind = "alert"
	KindBlock Kind = "block"
	KindAdmit Kind = "admit"
)

// Side identifies a direction of a connection a Rule applies to.
type Side string

const (
	SideEither Side = ""
	SideClient Side = "client"
	SideServer Side = "server"
)

// StateOp is the operator of a state clause: a predicate (is/not) gates the
// rule, an effect (set/unset) mutates the connection's named-state set when
// the rule fires.
type StateOp string

const (
	StateIs    StateOp = "is"
	StateNot   StateOp = "not"
	StateSet   StateOp = "set"
	StateUnset StateOp = "unset"
)

func (op StateOp) isPredicate() bool {
	return op == StateIs || op == StateNot
}

// StateClause is one `state:op,ident` option on a Rule.
type StateClause struct {
	Op    StateOp
	Ident string
}

// MatchTerm is one literal byte-string term of a non-regex Rule, in the
// order it must be found relative to the rule's cursor.
type MatchTerm struct {
	// Literal is the fully escape-resolved byte string to search for.
	Literal []byte
	// SkipBefore is the number of bytes a preceding `skip:N` directive adds
	// to the search region's lower bound, on top of the rule's cursor.
	SkipBefore int
	// HasDepth reports whether Depth is set; Depth bounds the maximum
	// distance (inclusive) from the search region's start the term may
	// begin at.
	HasDepth bool
	Depth    int
	// HasReplace reports whether matched bytes are substituted with
	// Replace in the forwarded stream.
	HasReplace bool
	Replace    []byte
}

// Rule is one parsed, compiled entry from a rule file.
type Rule struct {
	// ID is the rule's 0-based position in rule-file source order, stable
	// for the lifetime of the process.
	ID   int
	Kind Kind
	Name string
	Side Side

	// MatchTerms is set for literal-match rules; mutually exclusive with
	// Pattern.
	MatchTerms []MatchTerm
	// Pattern is set for regex rules; mutually exclusive with MatchTerms.
	Pattern *bytematch.Pattern

	// RawRegex is the regex source after its \\, \" and \xHH escapes are
	// resolved (the text handed to bytematch.Compile), kept for diagnostics.
	RawRegex string

	States []StateClause

	HasFlush bool
	Flush    Side
}

// IsRegex reports whether the rule matches via Pattern rather than
// MatchTerms.
func (r *Rule) IsRegex() bool {
	return r.Pattern != nil
}

// Predicates returns the state:is/state:not clauses that gate this rule.
func (r *Rule) Predicates() []StateClause {
	var out []StateClause
	for _, c := range r.States {
		if c.Op.isPredicate() {
			out = append(out, c)
		}
	}
	return out
}

// Effects returns the state:set/state:unset clauses applied when this rule
// fires, in source order.
func (r *Rule) Effects() []StateClause {
	var out []StateClause
	for _, c := range r.States {
		if !c.Op.isPredicate() {
			out = append(out, c)
		}
	}
	return out
}

// AppliesToSide reports whether the rule should be evaluated for the given
// direction.
func (r *Rule) AppliesToSide(s Side) bool {
	return r.Side == SideEither || r.Side == s
}
