// Package bytematch compiles the regex dialect used by `regex:` rule
// options into a matcher that operates on arbitrary byte windows, including
// ones that are not valid UTF-8.
//
// Go's regexp package (RE2) assumes its input is UTF-8 text: "." matches a
// rune, not a byte, and there is no way to express "match any single byte,
// including bytes that are not valid UTF-8 on their own" the way PCRE's `\C`
// does. To support `\C` faithfully, every byte of both the pattern's "any
// byte" escape and the inspected window is remapped through a bijection
// between byte value and Unicode code point (rune(b) for b in 0..255) before
// being handed to regexp.Compile/Find. Every code point 0..255 is a valid,
// distinct rune and round-trips through UTF-8 encoding without collision, so
// RE2 matching on the remapped string is equivalent to byte-oriented
// matching on the original window, and match offsets translate back losslessly.
package bytematch

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// anyByteToken is the literal two-byte escape sequence this package
// recognizes in an (already escape-resolved-for-\\,\",\xHH-only) regex
// source string, meaning "match any single byte".
const anyByteToken = `\C`

// Pattern is a compiled regex that matches against raw byte windows.
type Pattern struct {
	re  *regexp.Regexp
	src string
}

// Source returns the original regex text the Pattern was compiled from.
func (p *Pattern) Source() string {
	return p.src
}

// Compile builds a Pattern from regex source text as it appears (after
// rule-model escape resolution) in a `regex:"..."` option.
func Compile(src string) (*Pattern, error) {
	translated := translatePattern(src)
	re, err := regexp.Compile(translated)
	if err != nil {
		return nil, fmt.Errorf("bytematch: compile %q: %w", src, err)
	}
	return &Pattern{re: re, src: src}, nil
}

// translatePattern rewrites \C into a character class spanning every
// remapped byte value, then remaps every literal byte of the remaining
// pattern source through encodeByte so the compiled program's "any rune"
// semantics align with "any byte" once FindIndex is run against an
// encodeWindow'd string.
func translatePattern(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); i++ {
		if src[i] == anyByteToken[0] && i+1 < len(src) && src[i+1] == anyByteToken[1] {
			b.WriteString(`[\x{0}-\x{ff}]`)
			i++
			continue
		}
		b.WriteRune(encodeByte(src[i]))
	}
	return b.String()
}

// encodeByte maps a raw byte to the rune used to stand in for it in both
// the translated pattern and the translated window.
func encodeByte(b byte) rune {
	return rune(b)
}

// encodeWindow remaps a raw byte window into the UTF-8 string domain the
// compiled pattern operates in, returning the string alongside a table
// mapping each rune index in the returned string back to the original byte
// offset (with one trailing entry for the window's end offset).
func encodeWindow(window []byte) (string, []int) {
	var b strings.Builder
	b.Grow(len(window) * 2)
	offsets := make([]int, 0, len(window)+1)
	for i, c := range window {
		offsets = append(offsets, i)
		b.WriteRune(encodeByte(c))
	}
	offsets = append(offsets, len(window))
	return b.String(), offsets
}

// FindIndex returns the leftmost match's [start, end) byte offsets within
// window, or nil if there is no match.
func (p *Pattern) FindIndex(window []byte) []int {
	encoded, offsets := encodeWindow(window)
	loc := p.re.FindStringIndex(encoded)
	if loc == nil {
		return nil
	}
	start := runeIndexToByteOffset(encoded, offsets, loc[0])
	end := runeIndexToByteOffset(encoded, offsets, loc[1])
	return []int{start, end}
}

// runeIndexToByteOffset converts a byte offset into the UTF-8 encoded
// string (as regexp reports it) into an index into offsets, then resolves
// the original byte offset.
func runeIndexToByteOffset(encoded string, offsets []int, strByteOffset int) int {
	runeIdx := utf8.RuneCountInString(encoded[:strByteOffset])
	return offsets[runeIdx]
}
