package phantomjs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

// output collects what the render script reports on stdout and stderr.
type output struct {
	mu          sync.Mutex
	status      int
	statusText  string
	contentType string
	redirect    string
	headers     http.Header
	errs        []string
	info        []string
	debug       []string
}

func newOutput() *output {
	return &output{status: -1, headers: make(http.Header)}
}

// parse consumes one line and reports whether the process must be aborted.
func (o *output) parse(line string, stderr bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case strings.HasPrefix(line, "HEADER:"):
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "HEADER:"), "=")
		if !ok || key == "" {
			return false
		}
		key = http.CanonicalHeaderKey(key)
		if _, exists := o.headers[key]; !exists {
			o.headers[key] = []string{value}
		}
	case strings.HasPrefix(line, "STATUS:"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "STATUS:")))
		if err != nil {
			n = -1
		}
		o.status = n
	case strings.HasPrefix(line, "STATUSTEXT:"):
		o.statusText = strings.TrimPrefix(line, "STATUSTEXT:")
	case strings.HasPrefix(line, "CONTENTTYPE:"):
		o.contentType = strings.TrimPrefix(line, "CONTENTTYPE:")
	case strings.HasPrefix(line, "REDIRECT:"):
		o.redirect = strings.TrimPrefix(line, "REDIRECT:")
	case strings.Contains(line, "[DEBUG]"):
		o.debug = append(o.debug, line)
	case strings.HasPrefix(line, "ReferenceError:"):
		// PhantomJS may hang after these.
		o.errs = append(o.errs, line)
		return true
	case stderr:
		o.errs = append(o.errs, line)
	default:
		o.info = append(o.info, line)
	}
	return false
}

func (o *output) log(logger *zap.Logger, reference string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs) > 0 {
		logger.Error("phantomjs reported errors", zap.String("reference", reference), zap.Strings("lines", o.errs))
	}
	if len(o.info) > 0 {
		logger.Info("phantomjs output", zap.String("reference", reference), zap.Strings("lines", o.info))
	}
	if len(o.debug) > 0 {
		logger.Debug("phantomjs debug output", zap.String("reference", reference), zap.Strings("lines", o.debug))
	}
}

// response builds the status part of a fetch response. A Content-Type
// header wins over the CONTENTTYPE line.
func (o *output) response() fetch.Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	resp := fetch.Response{
		StatusCode:     o.status,
		Reason:         o.statusText,
		Headers:        o.headers.Clone(),
		RedirectTarget: o.redirect,
	}
	ct := o.headers.Get("Content-Type")
	if ct == "" {
		ct = o.contentType
	}
	resp.ContentType, resp.Charset = fetch.ParseContentType(ct)
	return resp
}
