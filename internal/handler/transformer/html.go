package transformer

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
)

// skipNonHTML reports whether an HTML transformer should leave d alone.
// Documents without a content type are assumed to be HTML.
func skipNonHTML(d *doc.Document) bool {
	return d.ContentType != "" && !d.IsHTML()
}

func render(page *goquery.Document) (string, error) {
	out, err := goquery.OuterHtml(page.Selection)
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

// DOMDeleteConfig configures DOMDelete.
type DOMDeleteConfig struct {
	Selectors []string `mapstructure:"selectors"`
}

// DOMDelete removes elements matching any selector.
type DOMDelete struct {
	cfg DOMDeleteConfig
}

// NewDOMDelete validates cfg.
func NewDOMDelete(cfg DOMDeleteConfig) (*DOMDelete, error) {
	if len(cfg.Selectors) == 0 {
		return nil, handler.Invalid("dom-delete", "at least one selector is required")
	}
	return &DOMDelete{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*DOMDelete) Name() string { return "dom-delete" }

// Handle implements handler.Handler.
func (t *DOMDelete) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	if skipNonHTML(d) {
		return nil
	}
	page, err := handler.ParseHTML(d.Content)
	if err != nil {
		return err
	}
	for _, sel := range t.cfg.Selectors {
		page.Find(sel).Remove()
	}
	out, err := render(page)
	if err != nil {
		return err
	}
	d.SetText(out)
	return nil
}

// DOMPreserveConfig configures DOMPreserve.
type DOMPreserveConfig struct {
	Selectors []string `mapstructure:"selectors"`
	Extract   string   `mapstructure:"extract"`
}

// DOMPreserve replaces the content with the extracted parts of the
// elements matching the selectors, one per line.
type DOMPreserve struct {
	cfg DOMPreserveConfig
}

// NewDOMPreserve validates cfg. Extract defaults to outerHtml.
func NewDOMPreserve(cfg DOMPreserveConfig) (*DOMPreserve, error) {
	if len(cfg.Selectors) == 0 {
		return nil, handler.Invalid("dom-preserve", "at least one selector is required")
	}
	if cfg.Extract == "" {
		cfg.Extract = "outerHtml"
	}
	if !handler.ValidExtract(cfg.Extract) {
		return nil, handler.Invalid("dom-preserve", "unknown extract %q", cfg.Extract)
	}
	return &DOMPreserve{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*DOMPreserve) Name() string { return "dom-preserve" }

// Handle implements handler.Handler.
func (t *DOMPreserve) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	if skipNonHTML(d) {
		return nil
	}
	page, err := handler.ParseHTML(d.Content)
	if err != nil {
		return err
	}
	var parts []string
	for _, sel := range t.cfg.Selectors {
		var extractErr error
		page.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, err := handler.Extract(s, t.cfg.Extract)
			if err != nil {
				extractErr = err
				return false
			}
			parts = append(parts, v)
			return true
		})
		if extractErr != nil {
			return extractErr
		}
	}
	d.SetText(strings.Join(parts, "\n"))
	return nil
}

// SanitizeConfig configures Sanitize.
type SanitizeConfig struct {
	// Policy is strict (strip all markup) or ugc (keep safe formatting).
	Policy string `mapstructure:"policy"`
}

// Sanitize cleans HTML with a bluemonday policy.
type Sanitize struct {
	policy *bluemonday.Policy
}

// NewSanitize resolves the policy. Empty defaults to ugc.
func NewSanitize(cfg SanitizeConfig) (*Sanitize, error) {
	var policy *bluemonday.Policy
	switch strings.ToLower(cfg.Policy) {
	case "", "ugc":
		policy = bluemonday.UGCPolicy()
	case "strict":
		policy = bluemonday.StrictPolicy()
	case "strip-tags":
		policy = bluemonday.StripTagsPolicy()
	default:
		return nil, handler.Invalid("sanitize", "unknown policy %q", cfg.Policy)
	}
	return &Sanitize{policy: policy}, nil
}

// Name implements handler.Named.
func (*Sanitize) Name() string { return "sanitize" }

// Handle implements handler.Handler.
func (t *Sanitize) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	if skipNonHTML(d) {
		return nil
	}
	d.Content = t.policy.SanitizeBytes(d.Content)
	return nil
}

// Markdown converts HTML content to GitHub flavoured markdown.
type Markdown struct {
	converter *md.Converter
}

// NewMarkdown builds the converter.
func NewMarkdown() *Markdown {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Markdown{converter: converter}
}

// Name implements handler.Named.
func (*Markdown) Name() string { return "markdown" }

// Handle implements handler.Handler. The content type becomes text/markdown.
func (t *Markdown) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	if skipNonHTML(d) {
		return nil
	}
	out, err := t.converter.ConvertString(d.Text())
	if err != nil {
		return fmt.Errorf("convert markdown: %w", err)
	}
	d.SetText(strings.TrimSpace(out))
	d.ContentType = "text/markdown"
	d.Metadata.Set(doc.FieldContentType, d.ContentType)
	return nil
}

// ReadabilityConfig configures Readability.
type ReadabilityConfig struct {
	// KeepHTML keeps the article markup instead of its text.
	KeepHTML bool      `mapstructure:"keepHtml"`
	OnSet    doc.OnSet `mapstructure:"onSet"`
}

// Readability reduces HTML content to its main article.
type Readability struct {
	cfg ReadabilityConfig
}

// NewReadability applies defaults to cfg.
func NewReadability(cfg ReadabilityConfig) (*Readability, error) {
	if cfg.OnSet == "" {
		cfg.OnSet = doc.OnSetOptional
	}
	return &Readability{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Readability) Name() string { return "readability" }

// Handle implements handler.Handler.
func (t *Readability) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	if skipNonHTML(d) {
		return nil
	}
	base, err := url.Parse(d.Reference)
	if err != nil {
		return fmt.Errorf("readability: parse reference: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(d.Content), base)
	if err != nil {
		return fmt.Errorf("readability: %w", err)
	}
	fields := [][2]string{
		{"title", article.Title},
		{"byline", article.Byline},
		{"excerpt", article.Excerpt},
		{"siteName", article.SiteName},
	}
	for _, f := range fields {
		if v := strings.TrimSpace(f[1]); v != "" {
			d.Metadata.SetWith(f[0], t.cfg.OnSet, v)
		}
	}
	if t.cfg.KeepHTML {
		d.SetText(article.Content)
	} else {
		d.SetText(strings.TrimSpace(article.TextContent))
	}
	return nil
}
