package importer

import (
	"context"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// ParserConfig restricts which content types are parsed.
type ParserConfig struct {
	ContentTypeIncludes *textmatch.Matcher `mapstructure:"contentTypeIncludes"`
	ContentTypeExcludes *textmatch.Matcher `mapstructure:"contentTypeExcludes"`
}

// DefaultParser extracts text and metadata from HTML and keeps other text
// types as they are. Binary formats pass through unparsed.
type DefaultParser struct {
	cfg ParserConfig
}

// NewParser validates cfg.
func NewParser(cfg ParserConfig) (*DefaultParser, error) {
	for _, m := range []*textmatch.Matcher{cfg.ContentTypeIncludes, cfg.ContentTypeExcludes} {
		if m.IsSet() {
			if err := m.Compile(); err != nil {
				return nil, handler.Invalid("parser", "%v", err)
			}
		}
	}
	return &DefaultParser{cfg: cfg}, nil
}

// Family groups a media type into a coarse content family.
func Family(mediaType string) string {
	switch {
	case doc.IsHTMLType(mediaType):
		return "html"
	case mediaType == "application/pdf":
		return "pdf"
	case strings.HasSuffix(mediaType, "/xml"), strings.HasSuffix(mediaType, "+xml"):
		return "xml"
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return "json"
	case strings.HasPrefix(mediaType, "text/"):
		return "text"
	case strings.HasPrefix(mediaType, "image/"):
		return "image"
	case strings.HasPrefix(mediaType, "audio/"), strings.HasPrefix(mediaType, "video/"):
		return "media"
	default:
		return "other"
	}
}

func (p *DefaultParser) accepts(mediaType string) bool {
	if p.cfg.ContentTypeExcludes.IsSet() && p.cfg.ContentTypeExcludes.Matches(mediaType) {
		return false
	}
	if p.cfg.ContentTypeIncludes.IsSet() {
		return p.cfg.ContentTypeIncludes.Matches(mediaType)
	}
	return true
}

// Parse implements Parser.
func (p *DefaultParser) Parse(_ context.Context, d *doc.Document) error {
	ct := d.ContentType
	if ct == "" {
		ct = d.Metadata.Get(doc.FieldContentType)
	}
	if ct == "" {
		ct = mimetype.Detect(d.Content).String()
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	if d.Charset == "" {
		d.Charset = params["charset"]
	}
	d.ContentType = mediaType
	d.Metadata.SetWith(doc.FieldContentType, doc.OnSetOptional, mediaType)
	d.Metadata.Set(doc.FieldContentFamily, Family(mediaType))
	if d.Charset != "" {
		d.Metadata.SetWith(doc.FieldContentEncoding, doc.OnSetOptional, d.Charset)
	}

	if !p.accepts(mediaType) {
		d.Parsed = false
		return nil
	}
	switch {
	case doc.IsHTMLType(mediaType):
		if err := parseHTML(d); err != nil {
			return err
		}
		d.ContentType = "text/plain"
		d.Parsed = true
	case strings.HasPrefix(mediaType, "text/"):
		d.Parsed = true
	default:
		d.Parsed = false
	}
	return nil
}

func parseHTML(d *doc.Document) error {
	page, err := handler.ParseHTML(d.Content)
	if err != nil {
		return err
	}
	if title := strings.TrimSpace(page.Find("title").First().Text()); title != "" {
		d.Metadata.SetWith("title", doc.OnSetOptional, title)
	}
	page.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		for _, attr := range []string{"name", "property", "http-equiv"} {
			if name, ok := s.Attr(attr); ok && strings.TrimSpace(name) != "" {
				d.Metadata.Add(strings.TrimSpace(name), strings.TrimSpace(content))
				return
			}
		}
	})
	page.Find("script, style, noscript, template, head").Remove()

	var b strings.Builder
	for _, n := range page.Nodes {
		writeText(&b, n)
	}
	d.SetText(tidy(b.String()))
	return nil
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true,
	"figcaption": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true,
	"td": true, "th": true, "tr": true, "ul": true,
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if blockElements[n.Data] {
			b.WriteByte('\n')
			defer b.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
}

// tidy collapses whitespace inside lines and drops blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
