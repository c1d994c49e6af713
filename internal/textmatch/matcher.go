// Package textmatch implements the configurable text matchers used by
// handlers to select fields and values.
package textmatch

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/gobwas/glob"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/webimporter/internal/doc"
)

// Method selects how Pattern is interpreted.
type Method string

// Supported match methods.
const (
	Basic    Method = "basic"
	Wildcard Method = "wildcard"
	Regex    Method = "regex"
	CSV      Method = "csv"
)

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid match pattern")

// Matcher matches text against a pattern. An empty pattern matches
// everything. Matchers compile lazily and are safe for concurrent use.
type Matcher struct {
	Pattern         string `mapstructure:"pattern"`
	Method          Method `mapstructure:"method"`
	IgnoreCase      bool   `mapstructure:"ignoreCase"`
	IgnoreDiacritic bool   `mapstructure:"ignoreDiacritic"`
	Partial         bool   `mapstructure:"partial"`

	once    sync.Once
	err     error
	re      *regexp.Regexp
	globber glob.Glob
	csv     []string
	// find locates occurrences anywhere in the text for every method.
	find    *regexp.Regexp
}

// New returns a compiled matcher.
func New(pattern string, method Method, ignoreCase bool) (*Matcher, error) {
	m := &Matcher{Pattern: pattern, Method: method, IgnoreCase: ignoreCase}
	if err := m.Compile(); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNew is New that panics on bad patterns. Intended for constants and tests.
func MustNew(pattern string, method Method, ignoreCase bool) *Matcher {
	m, err := New(pattern, method, ignoreCase)
	if err != nil {
		panic(err)
	}
	return m
}

// BasicIgnoreCase returns a literal, case-insensitive matcher.
func BasicIgnoreCase(pattern string) *Matcher {
	return MustNew(pattern, Basic, true)
}

// IsSet reports whether a pattern was configured.
func (m *Matcher) IsSet() bool {
	return m != nil && m.Pattern != ""
}

// Compile validates the pattern. It is called implicitly by Matches.
func (m *Matcher) Compile() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.err = m.compile()
	})
	return m.err
}

func (m *Matcher) compile() error {
	var expr string
	switch m.method() {
	case Basic:
		expr = regexp.QuoteMeta(m.foldDiacritics(m.Pattern))
	case Regex:
		full := m.Pattern
		if m.IgnoreCase {
			full = "(?i)" + full
		}
		if !m.Partial {
			full = "^(?:" + full + ")$"
		}
		re, err := regexp.Compile(full)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		m.re = re
		expr = m.Pattern
	case Wildcard:
		pattern := m.prepare(m.Pattern)
		if m.Partial {
			pattern = "*" + pattern + "*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		m.globber = g
		expr = "(?s)" + wildcardExpr(m.foldDiacritics(m.Pattern))
	case CSV:
		var quoted []string
		for _, part := range strings.Split(m.Pattern, ",") {
			if p := strings.TrimSpace(part); p != "" {
				m.csv = append(m.csv, m.prepare(p))
				quoted = append(quoted, regexp.QuoteMeta(m.foldDiacritics(p)))
			}
		}
		// Longest first so "abc" wins over "ab" at the same position.
		sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
		expr = "(?:" + strings.Join(quoted, "|") + ")"
		if len(quoted) == 0 {
			expr = `[^\x00-\x{10FFFF}]`
		}
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidPattern, m.Method)
	}
	if m.IgnoreCase {
		expr = "(?i)" + expr
	}
	find, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	m.find = find
	return nil
}

// wildcardExpr translates a glob into an unanchored regular expression.
// Stars match lazily so a pattern stops at the nearest closing text.
func wildcardExpr(pattern string) string {
	var b strings.Builder
	inClass, alts := false, 0
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\\' && i+1 < len(rs):
			i++
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
		case inClass:
			switch {
			case r == ']':
				inClass = false
				b.WriteRune(r)
			case r == '-':
				b.WriteRune(r)
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		case r == '[':
			inClass = true
			b.WriteRune(r)
			if i+1 < len(rs) && rs[i+1] == '!' {
				i++
				b.WriteRune('^')
			}
		case r == '{':
			alts++
			b.WriteString("(?:")
		case r == ',' && alts > 0:
			b.WriteRune('|')
		case r == '}' && alts > 0:
			alts--
			b.WriteRune(')')
		case r == '*':
			for i+1 < len(rs) && rs[i+1] == '*' {
				i++
			}
			b.WriteString(".*?")
		case r == '?':
			b.WriteRune('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func (m *Matcher) method() Method {
	if m.Method == "" {
		return Basic
	}
	return Method(strings.ToLower(string(m.Method)))
}

// EffectiveMethod returns the lower-cased method, Basic when unset.
func (m *Matcher) EffectiveMethod() Method {
	if m == nil {
		return Basic
	}
	return m.method()
}

// Matches reports whether text matches. Invalid patterns never match.
func (m *Matcher) Matches(text string) bool {
	if !m.IsSet() {
		return true
	}
	if err := m.Compile(); err != nil {
		return false
	}
	switch m.method() {
	case Regex:
		return m.re.MatchString(m.foldDiacritics(text))
	case Wildcard:
		return m.globber.Match(m.prepare(text))
	case CSV:
		candidate := m.prepare(text)
		for _, p := range m.csv {
			if m.compare(candidate, p) {
				return true
			}
		}
		return false
	default:
		return m.compare(m.prepare(text), m.prepare(m.Pattern))
	}
}

func (m *Matcher) compare(text, pattern string) bool {
	if m.Partial {
		return strings.Contains(text, pattern)
	}
	return text == pattern
}

// MatchesAny reports whether at least one value matches.
func (m *Matcher) MatchesAny(values []string) bool {
	for _, v := range values {
		if m.Matches(v) {
			return true
		}
	}
	return false
}

// ReplaceAll replaces every occurrence of the pattern in text. For regex
// patterns the replacement may reference groups with $1. Other methods
// insert the replacement literally.
func (m *Matcher) ReplaceAll(text, replacement string) string {
	return m.replace(text, replacement, -1)
}

// ReplaceFirst replaces the first occurrence of the pattern in text.
func (m *Matcher) ReplaceFirst(text, replacement string) string {
	return m.replace(text, replacement, 1)
}

func (m *Matcher) replace(text, replacement string, n int) string {
	if !m.IsSet() || m.Compile() != nil {
		return text
	}
	locs := m.locate(text, n)
	if len(locs) == 0 {
		return text
	}
	out := make([]byte, 0, len(text))
	last := 0
	for _, loc := range locs {
		out = append(out, text[last:loc[0]]...)
		if m.method() == Regex {
			out = m.find.ExpandString(out, replacement, text, loc)
		} else {
			out = append(out, replacement...)
		}
		last = loc[1]
	}
	out = append(out, text[last:]...)
	return string(out)
}

// FindAll returns every occurrence of the pattern in text.
func (m *Matcher) FindAll(text string) []string {
	if !m.IsSet() || m.Compile() != nil {
		return nil
	}
	locs := m.locate(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		out = append(out, text[loc[0]:loc[1]])
	}
	return out
}

// FindIndex returns the location of the first occurrence as a two-element
// slice, or nil.
func (m *Matcher) FindIndex(text string) []int {
	if !m.IsSet() || m.Compile() != nil {
		return nil
	}
	locs := m.locate(text, 1)
	if len(locs) == 0 {
		return nil
	}
	return locs[0][:2]
}

// locate runs the find expression and returns submatch indexes into text.
// With IgnoreDiacritic the search runs on folded text and the indexes are
// mapped back.
func (m *Matcher) locate(text string, n int) [][]int {
	if !m.IgnoreDiacritic {
		return m.find.FindAllStringSubmatchIndex(text, n)
	}
	f := foldWithOffsets(text)
	locs := m.find.FindAllStringSubmatchIndex(f.text, n)
	for _, loc := range locs {
		for i, v := range loc {
			if v >= 0 {
				loc[i] = f.original(v)
			}
		}
	}
	return locs
}

// MatchKeys returns the metadata field names matching m, in key order.
func (m *Matcher) MatchKeys(md *doc.Metadata) []string {
	var out []string
	for _, k := range md.Keys() {
		if m.Matches(k) {
			out = append(out, k)
		}
	}
	return out
}

func (m *Matcher) prepare(s string) string {
	s = m.foldDiacritics(s)
	if m.IgnoreCase {
		s = strings.ToLower(s)
	}
	return s
}

func (m *Matcher) foldDiacritics(s string) string {
	if !m.IgnoreDiacritic {
		return s
	}
	return removeMarks(s)
}

func removeMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// foldedText is text with diacritics removed. offsets[i] is the byte offset
// in the original of the rune that produced folded byte i.
type foldedText struct {
	text    string
	offsets []int
	size    int
}

func foldWithOffsets(s string) foldedText {
	var b strings.Builder
	b.Grow(len(s))
	offsets := make([]int, 0, len(s))
	for i, r := range s {
		part := string(r)
		if r >= utf8.RuneSelf {
			part = removeMarks(part)
		}
		b.WriteString(part)
		for j := 0; j < len(part); j++ {
			offsets = append(offsets, i)
		}
	}
	return foldedText{text: b.String(), offsets: offsets, size: len(s)}
}

// original maps a folded offset back. Marks removed after the last matched
// rune stay attached to it.
func (f foldedText) original(i int) int {
	if i >= len(f.offsets) {
		return f.size
	}
	return f.offsets[i]
}
