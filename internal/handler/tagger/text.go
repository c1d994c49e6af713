package tagger

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/hash/sha256"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// ApplyTo values for CharacterCase.
const (
	ApplyToValue = "value"
	ApplyToField = "field"
	ApplyToBoth  = "both"
)

// CaseRule changes the case of the fields matched by FieldMatcher.
type CaseRule struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	CaseType     string             `mapstructure:"caseType"`
	ApplyTo      string             `mapstructure:"applyTo"`
}

// CharacterCaseConfig configures CharacterCase.
type CharacterCaseConfig struct {
	Rules []CaseRule `mapstructure:"rules"`
}

// CharacterCase changes the character case of field values, field names or both.
type CharacterCase struct {
	rules  []CaseRule
	logger *zap.Logger
}

// NewCharacterCase validates the case types of cfg. ApplyTo is checked when
// the handler runs so a bad value only disables its rule.
func NewCharacterCase(cfg CharacterCaseConfig, logger *zap.Logger) (*CharacterCase, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Rules) == 0 {
		return nil, handler.Invalid("character-case", "at least one rule is required")
	}
	for i, r := range cfg.Rules {
		ct, ok := handler.ParseCaseType(r.CaseType)
		if !ok {
			return nil, handler.Invalid("character-case", "unknown caseType %q", r.CaseType)
		}
		cfg.Rules[i].CaseType = string(ct)
		if cfg.Rules[i].FieldMatcher != nil {
			cfg.Rules[i].FieldMatcher.IgnoreCase = true
		}
	}
	return &CharacterCase{rules: cfg.Rules, logger: logger}, nil
}

// Name implements handler.Named.
func (*CharacterCase) Name() string { return "character-case" }

// Handle implements handler.Handler.
func (t *CharacterCase) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, rule := range t.rules {
		applyTo := strings.ToLower(strings.TrimSpace(rule.ApplyTo))
		if applyTo == "" {
			applyTo = ApplyToValue
		}
		if applyTo != ApplyToValue && applyTo != ApplyToField && applyTo != ApplyToBoth {
			t.logger.Warn("unsupported character case applyTo", zap.String("apply_to", rule.ApplyTo))
			continue
		}
		ct := handler.CaseType(rule.CaseType)
		for _, key := range rule.FieldMatcher.MatchKeys(d.Metadata) {
			if applyTo == ApplyToValue || applyTo == ApplyToBoth {
				values := d.Metadata.Values(key)
				for i, v := range values {
					values[i] = handler.ChangeCase(v, ct)
				}
				d.Metadata.Set(key, values...)
			}
			if applyTo == ApplyToField || applyTo == ApplyToBoth {
				d.Metadata.Rename(key, handler.ChangeCase(key, ct), doc.OnSetAppend)
			}
		}
	}
	return nil
}

// CountMatchesConfig configures CountMatches.
type CountMatchesConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	CountMatcher *textmatch.Matcher `mapstructure:"countMatcher"`
	ToField      string             `mapstructure:"toField"`
	OnSet        doc.OnSet          `mapstructure:"onSet"`
}

// CountMatches counts occurrences of a pattern in field values, or in the
// content when no field matcher is configured.
type CountMatches struct {
	cfg CountMatchesConfig
}

// NewCountMatches validates cfg.
func NewCountMatches(cfg CountMatchesConfig) (*CountMatches, error) {
	if !cfg.CountMatcher.IsSet() || cfg.ToField == "" {
		return nil, handler.Invalid("count-matches", "countMatcher and toField are required")
	}
	cfg.CountMatcher.Partial = true
	if err := cfg.CountMatcher.Compile(); err != nil {
		return nil, handler.Invalid("count-matches", "%v", err)
	}
	return &CountMatches{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*CountMatches) Name() string { return "count-matches" }

// Handle implements handler.Handler.
func (t *CountMatches) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	count := 0
	if t.cfg.FieldMatcher.IsSet() {
		for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
			for _, v := range d.Metadata.Values(key) {
				count += len(t.cfg.CountMatcher.FindAll(v))
			}
		}
	} else {
		count = len(t.cfg.CountMatcher.FindAll(d.Text()))
	}
	d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, strconv.Itoa(count))
	return nil
}

// Replacement describes one value replacement.
type Replacement struct {
	FieldMatcher     *textmatch.Matcher `mapstructure:"fieldMatcher"`
	ValueMatcher     *textmatch.Matcher `mapstructure:"valueMatcher"`
	ToValue          string             `mapstructure:"toValue"`
	ToField          string             `mapstructure:"toField"`
	ReplaceAll       bool               `mapstructure:"replaceAll"`
	DiscardUnchanged bool               `mapstructure:"discardUnchanged"`
	OnSet            doc.OnSet          `mapstructure:"onSet"`
}

// ReplaceConfig configures Replace.
type ReplaceConfig struct {
	Replacements []Replacement `mapstructure:"replacements"`
}

// Replace rewrites metadata values.
type Replace struct {
	cfg ReplaceConfig
}

// NewReplace validates cfg.
func NewReplace(cfg ReplaceConfig) (*Replace, error) {
	if len(cfg.Replacements) == 0 {
		return nil, handler.Invalid("replace", "at least one replacement is required")
	}
	for _, r := range cfg.Replacements {
		if !r.FieldMatcher.IsSet() || !r.ValueMatcher.IsSet() {
			return nil, handler.Invalid("replace", "fieldMatcher and valueMatcher are required")
		}
		if err := r.ValueMatcher.Compile(); err != nil {
			return nil, handler.Invalid("replace", "%v", err)
		}
	}
	return &Replace{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Replace) Name() string { return "replace" }

// Handle implements handler.Handler.
func (t *Replace) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, r := range t.cfg.Replacements {
		for _, key := range r.FieldMatcher.MatchKeys(d.Metadata) {
			var out []string
			for _, v := range d.Metadata.Values(key) {
				nv := r.ValueMatcher.ReplaceFirst(v, r.ToValue)
				if r.ReplaceAll {
					nv = r.ValueMatcher.ReplaceAll(v, r.ToValue)
				}
				if nv == v && r.DiscardUnchanged {
					continue
				}
				out = append(out, nv)
			}
			if r.ToField != "" {
				if len(out) > 0 {
					d.Metadata.SetWith(r.ToField, r.OnSet, out...)
				}
				continue
			}
			d.Metadata.Set(key, out...)
		}
	}
	return nil
}

// TextBetweenConfig configures TextBetween.
type TextBetweenConfig struct {
	ToField      string             `mapstructure:"toField"`
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	StartMatcher *textmatch.Matcher `mapstructure:"startMatcher"`
	EndMatcher   *textmatch.Matcher `mapstructure:"endMatcher"`
	Inclusive    bool               `mapstructure:"inclusive"`
	OnSet        doc.OnSet          `mapstructure:"onSet"`
}

// TextBetween extracts every segment found between start and end patterns.
type TextBetween struct {
	cfg TextBetweenConfig
}

// NewTextBetween validates cfg.
func NewTextBetween(cfg TextBetweenConfig) (*TextBetween, error) {
	if cfg.ToField == "" || !cfg.StartMatcher.IsSet() || !cfg.EndMatcher.IsSet() {
		return nil, handler.Invalid("text-between", "toField, startMatcher and endMatcher are required")
	}
	for _, m := range []*textmatch.Matcher{cfg.StartMatcher, cfg.EndMatcher} {
		m.Partial = true
		if err := m.Compile(); err != nil {
			return nil, handler.Invalid("text-between", "%v", err)
		}
	}
	return &TextBetween{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*TextBetween) Name() string { return "text-between" }

// Handle implements handler.Handler.
func (t *TextBetween) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	var found []string
	if t.cfg.FieldMatcher.IsSet() {
		for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
			for _, v := range d.Metadata.Values(key) {
				found = append(found, Between(v, t.cfg.StartMatcher, t.cfg.EndMatcher, t.cfg.Inclusive)...)
			}
		}
	} else {
		found = Between(d.Text(), t.cfg.StartMatcher, t.cfg.EndMatcher, t.cfg.Inclusive)
	}
	if len(found) > 0 {
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, found...)
	}
	return nil
}

// Between returns the segments of text delimited by start and end.
func Between(text string, start, end *textmatch.Matcher, inclusive bool) []string {
	var out []string
	for {
		s := start.FindIndex(text)
		if s == nil {
			return out
		}
		rest := text[s[1]:]
		e := end.FindIndex(rest)
		if e == nil {
			return out
		}
		if inclusive {
			out = append(out, text[s[0]:s[1]+e[1]])
		} else {
			out = append(out, rest[:e[0]])
		}
		if s[1]+e[1] == 0 {
			return out
		}
		text = rest[e[1]:]
	}
}

// TruncateConfig configures Truncate.
type TruncateConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	MaxLength    int                `mapstructure:"maxLength"`
	AppendHash   bool               `mapstructure:"appendHash"`
	Suffix       string             `mapstructure:"suffix"`
	ToField      string             `mapstructure:"toField"`
	OnSet        doc.OnSet          `mapstructure:"onSet"`
}

const truncateHashLength = 10

// Truncate shortens long values, optionally appending a suffix and a short
// hash of the original value so truncated values stay distinct.
type Truncate struct {
	cfg    TruncateConfig
	hasher *sha256.Hasher
}

// NewTruncate validates cfg.
func NewTruncate(cfg TruncateConfig) (*Truncate, error) {
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("truncate", "fieldMatcher is required")
	}
	minLen := utf8.RuneCountInString(cfg.Suffix)
	if cfg.AppendHash {
		minLen += truncateHashLength + 1
	}
	if cfg.MaxLength <= minLen {
		return nil, handler.Invalid("truncate", "maxLength must exceed suffix and hash length (%d)", minLen)
	}
	return &Truncate{cfg: cfg, hasher: sha256.New()}, nil
}

// Name implements handler.Named.
func (*Truncate) Name() string { return "truncate" }

// Handle implements handler.Handler.
func (t *Truncate) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		values := d.Metadata.Values(key)
		changed := false
		for i, v := range values {
			if tv, ok := t.truncate(v); ok {
				values[i] = tv
				changed = true
			}
		}
		if t.cfg.ToField != "" {
			d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, values...)
			continue
		}
		if changed {
			d.Metadata.Set(key, values...)
		}
	}
	return nil
}

func (t *Truncate) truncate(v string) (string, bool) {
	runes := []rune(v)
	if len(runes) <= t.cfg.MaxLength {
		return v, false
	}
	keep := t.cfg.MaxLength - utf8.RuneCountInString(t.cfg.Suffix)
	if t.cfg.AppendHash {
		keep -= truncateHashLength + 1
	}
	out := string(runes[:keep]) + t.cfg.Suffix
	if t.cfg.AppendHash {
		sum, err := t.hasher.Hash([]byte(v))
		if err == nil {
			out += "!" + sum[:truncateHashLength]
		}
	}
	return out, true
}

// TitleGeneratorConfig configures TitleGenerator.
type TitleGeneratorConfig struct {
	ToField                string    `mapstructure:"toField"`
	MaxTitleLength         int       `mapstructure:"maxTitleLength"`
	DetectHeading          bool      `mapstructure:"detectHeading"`
	DetectHeadingMinLength int       `mapstructure:"detectHeadingMinLength"`
	DetectHeadingMaxLength int       `mapstructure:"detectHeadingMaxLength"`
	OnSet                  doc.OnSet `mapstructure:"onSet"`
}

// TitleGenerator derives a title from plain-text content: a leading
// heading-like line when DetectHeading is on, else the first sentence.
type TitleGenerator struct {
	cfg TitleGeneratorConfig
}

// NewTitleGenerator applies defaults to cfg.
func NewTitleGenerator(cfg TitleGeneratorConfig) (*TitleGenerator, error) {
	if cfg.ToField == "" {
		cfg.ToField = "title"
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = 150
	}
	if cfg.DetectHeadingMinLength <= 0 {
		cfg.DetectHeadingMinLength = 10
	}
	if cfg.DetectHeadingMaxLength <= 0 {
		cfg.DetectHeadingMaxLength = cfg.MaxTitleLength
	}
	if cfg.OnSet == "" {
		cfg.OnSet = doc.OnSetOptional
	}
	return &TitleGenerator{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*TitleGenerator) Name() string { return "title-generator" }

// Handle implements handler.Handler.
func (t *TitleGenerator) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	title := t.generate(d.Text())
	if title != "" {
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, title)
	}
	return nil
}

func (t *TitleGenerator) generate(text string) string {
	if t.cfg.DetectHeading {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			n := utf8.RuneCountInString(line)
			if n >= t.cfg.DetectHeadingMinLength && n <= t.cfg.DetectHeadingMaxLength &&
				!strings.ContainsAny(line[len(line)-1:], ".,;:") {
				return line
			}
			break
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	end := strings.IndexFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	if end >= 0 {
		text = text[:end+1]
	}
	return shorten(text, t.cfg.MaxTitleLength)
}

// shorten cuts s to at most max runes, preferring a word boundary.
func shorten(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// URLExtractorConfig configures URLExtractor.
type URLExtractorConfig struct {
	ToField string    `mapstructure:"toField"`
	Unique  bool      `mapstructure:"unique"`
	OnSet   doc.OnSet `mapstructure:"onSet"`
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()\[\]{}]+`)

// URLExtractor collects absolute http(s) URLs found in the content.
type URLExtractor struct {
	cfg URLExtractorConfig
}

// NewURLExtractor applies defaults to cfg.
func NewURLExtractor(cfg URLExtractorConfig) (*URLExtractor, error) {
	if cfg.ToField == "" {
		cfg.ToField = "document.urls"
	}
	return &URLExtractor{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*URLExtractor) Name() string { return "url-extractor" }

// Handle implements handler.Handler.
func (t *URLExtractor) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	seen := make(map[string]struct{})
	var urls []string
	for _, u := range urlPattern.FindAllString(d.Text(), -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if t.cfg.Unique {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
		}
		urls = append(urls, u)
	}
	if len(urls) > 0 {
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, urls...)
	}
	return nil
}
