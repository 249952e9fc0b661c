package rules

import (
	"fmt"

	"github.com/CyberGrandChallenge/network-appliance/internal/rules/bytematch"
)

// compileRule turns one rawRule into a validated, compiled Rule.
func compileRule(raw *rawRule, id int) (*Rule, error) {
	fail := func(msg string, args ...interface{}) (*Rule, error) {
		return nil, newParseError(raw.line, raw.text, msg, args...)
	}

	if raw.hasRegex && len(raw.matches) > 0 {
		return fail("regex and match are mutually exclusive")
	}
	if raw.hasFlush && !raw.hasSide {
		return fail("flush requires side")
	}
	if len(raw.matches) == 0 && !raw.hasRegex && len(raw.states) == 0 && !raw.hasFlush {
		return fail("rule has no match criteria, state predicate, or flush")
	}

	name, err := resolveEscapes(raw.nameQuoted)
	if err != nil {
		return fail("invalid escape in name: %v", err)
	}

	rule := &Rule{
		ID:       id,
		Kind:     raw.kind,
		Name:     string(name),
		Side:     raw.side,
		States:   raw.states,
		HasFlush: raw.hasFlush,
		Flush:    raw.flush,
	}

	if raw.hasRegex {
		pattern, err := resolveRegexEscapes(raw.regexQuoted)
		if err != nil {
			return fail("invalid escape in regex: %v", err)
		}
		compiled, err := bytematch.Compile(pattern)
		if err != nil {
			return fail("invalid regex: %v", err)
		}
		rule.Pattern = compiled
		rule.RawRegex = pattern
	}

	for _, rm := range raw.matches {
		literal, err := resolveEscapes(rm.quoted)
		if err != nil {
			return fail("invalid escape in match: %v", err)
		}
		term := MatchTerm{
			Literal:    literal,
			SkipBefore: rm.skipBefore,
			HasDepth:   rm.hasDepth,
			Depth:      rm.depth,
		}
		if rm.hasReplace {
			replace, err := resolveEscapes(rm.replaceQuoted)
			if err != nil {
				return fail("invalid escape in replace: %v", err)
			}
			term.HasReplace = true
			term.Replace = replace
		}
		rule.MatchTerms = append(rule.MatchTerms, term)
	}

	return rule, nil
}

// resolveEscapes fully resolves a QSTRING body's C-style backslash escapes,
// used for name/match/replace content: \\, \", \n, \r, \t, \0, and \xHH.
// Any other backslash-escape is passed through as its literal two bytes.
// Regex content goes through resolveRegexEscapes instead.
func resolveEscapes(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("trailing backslash")
		}
		switch s[i+1] {
		case '\\':
			out = append(out, '\\')
			i++
		case '"':
			out = append(out, '"')
			i++
		case 'n':
			out = append(out, '\n')
			i++
		case 'r':
			out = append(out, '\r')
			i++
		case 't':
			out = append(out, '\t')
			i++
		case '0':
			out = append(out, 0)
			i++
		case 'x':
			if i+3 >= len(s) {
				return nil, fmt.Errorf("truncated \\x escape")
			}
			hi, ok1 := hexDigit(s[i+2])
			lo, ok2 := hexDigit(s[i+3])
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("invalid \\x escape")
			}
			out = append(out, hi<<4|lo)
			i += 3
		default:
			// Unrecognized escape: keep both bytes, deferring meaning to
			// whatever consumes this string next (e.g. the regex compiler).
			out = append(out, '\\', s[i+1])
			i++
		}
	}
	return out, nil
}

// resolveRegexEscapes resolves only the escapes a regex engine has no other
// way to spell (\\, \", \xHH) and leaves every other backslash-escape —
// including \C, \d, and friends — untouched for bytematch.Compile.
func resolveRegexEscapes(s string) (string, error) {
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("trailing backslash")
		}
		switch s[i+1] {
		case '\\':
			out = append(out, '\\')
			i++
		case '"':
			out = append(out, '"')
			i++
		case 'x':
			if i+3 < len(s) {
				if hi, ok1 := hexDigit(s[i+2]); ok1 {
					if lo, ok2 := hexDigit(s[i+3]); ok2 {
						out = append(out, hi<<4|lo)
						i += 3
						continue
					}
				}
			}
			out = append(out, '\\', 'x')
			i++
		default:
			out = append(out, '\\', s[i+1])
			i++
		}
	}
	return string(out), nil
}

func hexDigit(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}
