// Package transformer holds handlers that rewrite document content.
package transformer

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// Replacement is one valueMatcher/toValue pair.
type Replacement struct {
	ValueMatcher *textmatch.Matcher `mapstructure:"valueMatcher"`
	ToValue      string             `mapstructure:"toValue"`
}

// ReplaceConfig configures Replace.
type ReplaceConfig struct {
	Replacements []Replacement `mapstructure:"replacements"`
}

// Replace applies each replacement to the content in order.
type Replace struct {
	cfg ReplaceConfig
}

// NewReplace validates cfg.
func NewReplace(cfg ReplaceConfig) (*Replace, error) {
	if len(cfg.Replacements) == 0 {
		return nil, handler.Invalid("replace", "at least one replacement is required")
	}
	for i, r := range cfg.Replacements {
		if !r.ValueMatcher.IsSet() {
			return nil, handler.Invalid("replace", "replacement %d has no valueMatcher", i)
		}
		if err := r.ValueMatcher.Compile(); err != nil {
			return nil, handler.Invalid("replace", "replacement %d: %v", i, err)
		}
	}
	return &Replace{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Replace) Name() string { return "replace" }

// Handle implements handler.Handler.
func (t *Replace) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	text := d.Text()
	for _, r := range t.cfg.Replacements {
		text = r.ValueMatcher.ReplaceAll(text, r.ToValue)
	}
	d.SetText(text)
	return nil
}

// StripConfig configures StripBefore and StripAfter.
type StripConfig struct {
	StripMatcher *textmatch.Matcher `mapstructure:"stripMatcher"`
	Inclusive    bool               `mapstructure:"inclusive"`
}

func validateStrip(name string, cfg StripConfig) error {
	if !cfg.StripMatcher.IsSet() {
		return handler.Invalid(name, "stripMatcher is required")
	}
	if err := cfg.StripMatcher.Compile(); err != nil {
		return handler.Invalid(name, "%v", err)
	}
	return nil
}

// StripBefore removes everything before the first match.
type StripBefore struct {
	cfg StripConfig
}

// NewStripBefore validates cfg.
func NewStripBefore(cfg StripConfig) (*StripBefore, error) {
	if err := validateStrip("strip-before", cfg); err != nil {
		return nil, err
	}
	return &StripBefore{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*StripBefore) Name() string { return "strip-before" }

// Handle implements handler.Handler.
func (t *StripBefore) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	text := d.Text()
	loc := t.cfg.StripMatcher.FindIndex(text)
	if loc == nil {
		return nil
	}
	if t.cfg.Inclusive {
		d.SetText(text[loc[1]:])
	} else {
		d.SetText(text[loc[0]:])
	}
	return nil
}

// StripAfter removes everything after the first match.
type StripAfter struct {
	cfg StripConfig
}

// NewStripAfter validates cfg.
func NewStripAfter(cfg StripConfig) (*StripAfter, error) {
	if err := validateStrip("strip-after", cfg); err != nil {
		return nil, err
	}
	return &StripAfter{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*StripAfter) Name() string { return "strip-after" }

// Handle implements handler.Handler.
func (t *StripAfter) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	text := d.Text()
	loc := t.cfg.StripMatcher.FindIndex(text)
	if loc == nil {
		return nil
	}
	if t.cfg.Inclusive {
		d.SetText(text[:loc[0]])
	} else {
		d.SetText(text[:loc[1]])
	}
	return nil
}

// Endpoints delimits a region of content.
type Endpoints struct {
	Start *textmatch.Matcher `mapstructure:"start"`
	End   *textmatch.Matcher `mapstructure:"end"`
}

// StripBetweenConfig configures StripBetween.
type StripBetweenConfig struct {
	Endpoints []Endpoints `mapstructure:"endpoints"`
	Inclusive bool        `mapstructure:"inclusive"`
}

// StripBetween removes every region delimited by a start and end match.
type StripBetween struct {
	cfg StripBetweenConfig
}

// NewStripBetween validates cfg.
func NewStripBetween(cfg StripBetweenConfig) (*StripBetween, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, handler.Invalid("strip-between", "at least one start/end pair is required")
	}
	for i, ep := range cfg.Endpoints {
		if !ep.Start.IsSet() || !ep.End.IsSet() {
			return nil, handler.Invalid("strip-between", "pair %d needs start and end", i)
		}
		if err := ep.Start.Compile(); err != nil {
			return nil, handler.Invalid("strip-between", "pair %d: %v", i, err)
		}
		if err := ep.End.Compile(); err != nil {
			return nil, handler.Invalid("strip-between", "pair %d: %v", i, err)
		}
	}
	return &StripBetween{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*StripBetween) Name() string { return "strip-between" }

// Handle implements handler.Handler.
func (t *StripBetween) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	text := d.Text()
	for _, ep := range t.cfg.Endpoints {
		text = stripBetween(text, ep.Start, ep.End, t.cfg.Inclusive)
	}
	d.SetText(text)
	return nil
}

func stripBetween(text string, start, end *textmatch.Matcher, inclusive bool) string {
	var b strings.Builder
	for {
		s := start.FindIndex(text)
		if s == nil {
			break
		}
		rest := text[s[1]:]
		e := end.FindIndex(rest)
		if e == nil {
			break
		}
		if inclusive {
			b.WriteString(text[:s[0]])
		} else {
			b.WriteString(text[:s[1]])
			b.WriteString(rest[e[0]:e[1]])
		}
		next := s[1] + e[1]
		if next == 0 {
			break
		}
		text = text[next:]
	}
	b.WriteString(text)
	return b.String()
}

// CharacterCaseConfig configures CharacterCase.
type CharacterCaseConfig struct {
	CaseType string `mapstructure:"caseType"`
}

// CharacterCase changes the case of the whole content.
type CharacterCase struct {
	caseType handler.CaseType
}

// NewCharacterCase validates cfg.
func NewCharacterCase(cfg CharacterCaseConfig) (*CharacterCase, error) {
	ct, ok := handler.ParseCaseType(cfg.CaseType)
	if !ok {
		return nil, handler.Invalid("character-case", "unknown caseType %q", cfg.CaseType)
	}
	return &CharacterCase{caseType: ct}, nil
}

// Name implements handler.Named.
func (*CharacterCase) Name() string { return "character-case" }

// Handle implements handler.Handler.
func (t *CharacterCase) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	d.SetText(handler.ChangeCase(d.Text(), t.caseType))
	return nil
}

// TextStatisticsConfig configures TextStatistics.
type TextStatisticsConfig struct {
	// FieldMatcher selects fields to analyse instead of the content.
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
}

// TextStatistics records word, sentence and paragraph counts under
// document.stat. Content is left untouched.
type TextStatistics struct {
	cfg TextStatisticsConfig
}

// NewTextStatistics builds the handler.
func NewTextStatistics(cfg TextStatisticsConfig) (*TextStatistics, error) {
	if cfg.FieldMatcher.IsSet() {
		if err := cfg.FieldMatcher.Compile(); err != nil {
			return nil, handler.Invalid("text-statistics", "%v", err)
		}
	}
	return &TextStatistics{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*TextStatistics) Name() string { return "text-statistics" }

// Stats is the result of analysing a text.
type Stats struct {
	Characters         int
	Words              int
	WordCharacters     int
	Sentences          int
	SentenceCharacters int
	Paragraphs         int
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+(?:[-'][\p{L}\p{N}_]+)*`)

// Analyze counts the statistics of text. Each non-blank line is a
// paragraph; sentences end with '.', '!' or '?' or at the end of a line.
func Analyze(text string) Stats {
	var s Stats
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.Paragraphs++
		s.Characters += utf8.RuneCountInString(line)
		for _, w := range wordPattern.FindAllString(line, -1) {
			s.Words++
			s.WordCharacters += utf8.RuneCountInString(w)
		}
		for _, sentence := range splitSentences(line) {
			s.Sentences++
			s.SentenceCharacters += utf8.RuneCountInString(sentence)
		}
	}
	return s
}

func splitSentences(line string) []string {
	var out []string
	start := 0
	runes := []rune(line)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, string(runes[start:]))
	}
	return out
}

// divide rounds half up to one decimal.
func divide(value, divisor int) string {
	if divisor == 0 {
		return "0.0"
	}
	return strconv.FormatFloat(math.Round(float64(value)*10/float64(divisor))/10, 'f', 1, 64)
}

// Handle implements handler.Handler.
func (t *TextStatistics) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	if !t.cfg.FieldMatcher.IsSet() {
		record(d.Metadata, "document.stat.", Analyze(d.Text()))
		return nil
	}
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		text := strings.Join(d.Metadata.Values(key), "\n\n")
		record(d.Metadata, "document.stat."+strings.TrimSpace(key)+".", Analyze(text))
	}
	return nil
}

func record(md *doc.Metadata, prefix string, s Stats) {
	fields := []struct {
		name  string
		value string
	}{
		{"characterCount", strconv.Itoa(s.Characters)},
		{"wordCount", strconv.Itoa(s.Words)},
		{"sentenceCount", strconv.Itoa(s.Sentences)},
		{"paragraphCount", strconv.Itoa(s.Paragraphs)},
		{"averageWordCharacterCount", divide(s.WordCharacters, s.Words)},
		{"averageSentenceCharacterCount", divide(s.SentenceCharacters, s.Sentences)},
		{"averageSentenceWordCount", divide(s.Words, s.Sentences)},
		{"averageParagraphCharacterCount", divide(s.Characters, s.Paragraphs)},
		{"averageParagraphSentenceCount", divide(s.Sentences, s.Paragraphs)},
		{"averageParagraphWordCount", divide(s.Words, s.Paragraphs)},
	}
	for _, f := range fields {
		md.Add(prefix+f.name, f.value)
	}
}
