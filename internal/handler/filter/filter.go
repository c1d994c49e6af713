// Package filter holds handlers that accept or reject documents.
//
// Each filter only reports whether a document matched; the importer applies
// the filter's OnMatch to turn that into a decision.
package filter

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

type base struct {
	onMatch handler.OnMatch
}

func newBase(onMatch string) (base, error) {
	om, err := handler.ParseOnMatch(onMatch)
	if err != nil {
		return base{}, err
	}
	return base{onMatch: om}, nil
}

// OnMatch implements handler.Filter.
func (b base) OnMatch() handler.OnMatch { return b.onMatch }

func compile(name string, matchers ...*textmatch.Matcher) error {
	for _, m := range matchers {
		if !m.IsSet() {
			continue
		}
		if err := m.Compile(); err != nil {
			return handler.Invalid(name, "%v", err)
		}
	}
	return nil
}

// ReferenceConfig configures Reference.
type ReferenceConfig struct {
	ValueMatcher *textmatch.Matcher `mapstructure:"valueMatcher"`
	OnMatch      string             `mapstructure:"onMatch"`
}

// Reference matches on the document reference.
type Reference struct {
	base
	cfg ReferenceConfig
}

// NewReference validates cfg.
func NewReference(cfg ReferenceConfig) (*Reference, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if !cfg.ValueMatcher.IsSet() {
		return nil, handler.Invalid("reference", "valueMatcher is required")
	}
	if err := compile("reference", cfg.ValueMatcher); err != nil {
		return nil, err
	}
	return &Reference{base: b, cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Reference) Name() string { return "reference" }

// Filter implements handler.Filter.
func (f *Reference) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	return f.cfg.ValueMatcher.Matches(d.Reference), nil
}

// MetadataConfig configures Metadata.
type MetadataConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	ValueMatcher *textmatch.Matcher `mapstructure:"valueMatcher"`
	OnMatch      string             `mapstructure:"onMatch"`
}

// Metadata matches when a matching field holds a matching value.
type Metadata struct {
	base
	cfg MetadataConfig
}

// NewMetadata validates cfg.
func NewMetadata(cfg MetadataConfig) (*Metadata, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("metadata", "fieldMatcher is required")
	}
	if err := compile("metadata", cfg.FieldMatcher, cfg.ValueMatcher); err != nil {
		return nil, err
	}
	return &Metadata{base: b, cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Metadata) Name() string { return "metadata" }

// Filter implements handler.Filter.
func (f *Metadata) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	return handler.Restriction{Field: f.cfg.FieldMatcher, Value: f.cfg.ValueMatcher}.Matches(d.Metadata), nil
}

// EmptyMetadataConfig configures EmptyMetadata.
type EmptyMetadataConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	OnMatch      string             `mapstructure:"onMatch"`
}

// EmptyMetadata matches when every matching field is missing or blank.
type EmptyMetadata struct {
	base
	cfg EmptyMetadataConfig
}

// NewEmptyMetadata validates cfg.
func NewEmptyMetadata(cfg EmptyMetadataConfig) (*EmptyMetadata, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("empty-metadata", "fieldMatcher is required")
	}
	if err := compile("empty-metadata", cfg.FieldMatcher); err != nil {
		return nil, err
	}
	return &EmptyMetadata{base: b, cfg: cfg}, nil
}

// Name implements handler.Named.
func (*EmptyMetadata) Name() string { return "empty-metadata" }

// Filter implements handler.Filter.
func (f *EmptyMetadata) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	for _, key := range f.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		for _, v := range d.Metadata.Values(key) {
			if strings.TrimSpace(v) != "" {
				return false, nil
			}
		}
	}
	return true, nil
}

// TextConfig configures Text.
type TextConfig struct {
	// FieldMatcher, when set, tests field values instead of the content.
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	ValueMatcher *textmatch.Matcher `mapstructure:"valueMatcher"`
	OnMatch      string             `mapstructure:"onMatch"`
}

// Text matches the content (or field values) against a pattern. Regular
// expressions match anywhere in the text.
type Text struct {
	base
	cfg TextConfig
}

// NewText validates cfg.
func NewText(cfg TextConfig) (*Text, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if !cfg.ValueMatcher.IsSet() {
		return nil, handler.Invalid("text", "valueMatcher is required")
	}
	if err := compile("text", cfg.FieldMatcher, cfg.ValueMatcher); err != nil {
		return nil, err
	}
	return &Text{base: b, cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Text) Name() string { return "text" }

// Filter implements handler.Filter.
func (f *Text) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	if !f.cfg.FieldMatcher.IsSet() {
		return contains(f.cfg.ValueMatcher, d.Text()), nil
	}
	for _, key := range f.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		for _, v := range d.Metadata.Values(key) {
			if contains(f.cfg.ValueMatcher, v) {
				return true, nil
			}
		}
	}
	return false, nil
}

// contains searches text for basic and regex patterns. Wildcard and csv
// patterns still have to match the whole text.
func contains(m *textmatch.Matcher, text string) bool {
	switch m.EffectiveMethod() {
	case textmatch.Wildcard, textmatch.CSV:
		return m.Matches(text)
	default:
		return m.FindIndex(text) != nil
	}
}

// DOMConfig configures DOM.
type DOMConfig struct {
	Selector     string             `mapstructure:"selector"`
	Extract      string             `mapstructure:"extract"`
	ValueMatcher *textmatch.Matcher `mapstructure:"valueMatcher"`
	OnMatch      string             `mapstructure:"onMatch"`
}

// DOM matches HTML documents containing an element for the selector,
// optionally with an extracted value matching ValueMatcher.
type DOM struct {
	base
	cfg DOMConfig
}

// NewDOM validates cfg.
func NewDOM(cfg DOMConfig) (*DOM, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if cfg.Selector == "" {
		return nil, handler.Invalid("dom", "selector is required")
	}
	if !handler.ValidExtract(cfg.Extract) {
		return nil, handler.Invalid("dom", "unknown extract %q", cfg.Extract)
	}
	if err := compile("dom", cfg.ValueMatcher); err != nil {
		return nil, err
	}
	return &DOM{base: b, cfg: cfg}, nil
}

// Name implements handler.Named.
func (*DOM) Name() string { return "dom" }

// Filter implements handler.Filter. Non-HTML documents never match.
func (f *DOM) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	if d.ContentType != "" && !d.IsHTML() {
		return false, nil
	}
	page, err := handler.ParseHTML(d.Content)
	if err != nil {
		return false, err
	}
	matched := false
	var extractErr error
	page.Find(f.cfg.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !f.cfg.ValueMatcher.IsSet() {
			matched = true
			return false
		}
		v, err := handler.Extract(s, f.cfg.Extract)
		if err != nil {
			extractErr = err
			return false
		}
		matched = f.cfg.ValueMatcher.Matches(v)
		return !matched
	})
	return matched, extractErr
}
