// Package detector decides when an HTTP result should be fetched again
// with a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/fetch"
)

// Heuristic promotes pages that look like client-rendered applications.
type Heuristic struct {
	// MinTextLength is the visible text length below which a script-heavy
	// page is promoted.
	MinTextLength int
	// ScriptShare is the share of the body, in percent, taken by scripts
	// above which a short page is promoted.
	ScriptShare int
}

// NewHeuristic creates a detector. Zero values default to 2048 characters
// and 25 percent.
func NewHeuristic(minTextLength, scriptShare int) *Heuristic {
	if minTextLength <= 0 {
		minTextLength = 2048
	}
	if scriptShare <= 0 {
		scriptShare = 25
	}
	return &Heuristic{MinTextLength: minTextLength, ScriptShare: scriptShare}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte(`id="__nuxt"`),
}

// ShouldPromote reports whether resp needs a browser fetch. Only
// successful HTML responses are considered.
func (h *Heuristic) ShouldPromote(resp fetch.Response) bool {
	if resp.StatusCode != http.StatusOK || !resp.State.Good() {
		return false
	}
	if resp.ContentType != "" && !doc.IsHTMLType(resp.ContentType) {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scriptBytes := 0
	page.Find("script").Each(func(_ int, s *goquery.Selection) {
		if out, err := goquery.OuterHtml(s); err == nil {
			scriptBytes += len(out)
		}
	})
	page.Find("script, style, noscript, template").Remove()
	visible := len(strings.Join(strings.Fields(page.Find("body").Text()), " "))
	if visible >= h.MinTextLength {
		return false
	}
	return scriptBytes*100/len(body) >= h.ScriptShare
}
