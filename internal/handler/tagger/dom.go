package tagger

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
)

// DOMConfig configures DOM.
type DOMConfig struct {
	Selector     string    `mapstructure:"selector"`
	ToField      string    `mapstructure:"toField"`
	FromField    string    `mapstructure:"fromField"`
	Extract      string    `mapstructure:"extract"`
	DefaultValue string    `mapstructure:"defaultValue"`
	MatchBlanks  bool      `mapstructure:"matchBlanks"`
	OnSet        doc.OnSet `mapstructure:"onSet"`
}

// DOM extracts values from HTML content (or from HTML stored in a field)
// with a CSS selector.
type DOM struct {
	cfg DOMConfig
}

// NewDOM validates cfg.
func NewDOM(cfg DOMConfig) (*DOM, error) {
	if cfg.Selector == "" || cfg.ToField == "" {
		return nil, handler.Invalid("dom", "selector and toField are required")
	}
	if !handler.ValidExtract(cfg.Extract) {
		return nil, handler.Invalid("dom", "unknown extract %q", cfg.Extract)
	}
	return &DOM{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*DOM) Name() string { return "dom" }

// Handle implements handler.Handler. Non-HTML documents are skipped unless
// the HTML comes from a field.
func (t *DOM) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	var sources [][]byte
	if t.cfg.FromField != "" {
		for _, v := range d.Metadata.Values(t.cfg.FromField) {
			sources = append(sources, []byte(v))
		}
	} else if d.IsHTML() || d.ContentType == "" {
		sources = append(sources, d.Content)
	}
	var values []string
	for _, src := range sources {
		page, err := handler.ParseHTML(src)
		if err != nil {
			return err
		}
		var extractErr error
		page.Find(t.cfg.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, err := handler.Extract(s, t.cfg.Extract)
			if err != nil {
				extractErr = err
				return false
			}
			if strings.TrimSpace(v) == "" && !t.cfg.MatchBlanks {
				return true
			}
			values = append(values, v)
			return true
		})
		if extractErr != nil {
			return extractErr
		}
	}
	if len(values) == 0 && t.cfg.DefaultValue != "" {
		values = []string{t.cfg.DefaultValue}
	}
	if len(values) > 0 {
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, values...)
	}
	return nil
}
