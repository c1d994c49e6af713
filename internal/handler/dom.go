package handler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ParseHTML loads content into a goquery document.
func ParseHTML(content []byte) (*goquery.Document, error) {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return d, nil
}

// ValidExtract reports whether extract names a supported DOM extraction.
func ValidExtract(extract string) bool {
	switch {
	case extract == "", extract == "text", extract == "html", extract == "outerHtml",
		extract == "ownText", extract == "tag", extract == "val":
		return true
	case strings.HasPrefix(extract, "attr(") && strings.HasSuffix(extract, ")"):
		return len(extract) > len("attr()")
	default:
		return false
	}
}

// Extract returns the part of s named by extract: text (default), html,
// outerHtml, ownText, tag, val or attr(name).
func Extract(s *goquery.Selection, extract string) (string, error) {
	switch {
	case extract == "" || extract == "text":
		return strings.TrimSpace(s.Text()), nil
	case extract == "html":
		out, err := s.Html()
		if err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
		return out, nil
	case extract == "outerHtml":
		out, err := goquery.OuterHtml(s)
		if err != nil {
			return "", fmt.Errorf("render outer html: %w", err)
		}
		return out, nil
	case extract == "ownText":
		var b strings.Builder
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if len(c.Nodes) > 0 && c.Nodes[0].Type == html.TextNode {
				b.WriteString(c.Nodes[0].Data)
			}
		})
		return strings.TrimSpace(b.String()), nil
	case extract == "tag":
		return goquery.NodeName(s), nil
	case extract == "val":
		v, _ := s.Attr("value")
		return v, nil
	case strings.HasPrefix(extract, "attr(") && strings.HasSuffix(extract, ")"):
		name := strings.TrimSuffix(strings.TrimPrefix(extract, "attr("), ")")
		v, _ := s.Attr(name)
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown extract %q", ErrInvalidConfig, extract)
	}
}
