// Package file fetches documents from the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

// Name identifies this fetcher in responses and logs.
const Name = "file"

// Fetcher implements fetch.Fetcher for file:// references and plain paths.
type Fetcher struct {
	logger      *zap.Logger
	maxBodySize int64
}

// New returns a file fetcher. maxBodySize <= 0 means unlimited.
func New(maxBodySize int64, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{logger: logger.With(zap.String("fetcher", Name)), maxBodySize: maxBodySize}
}

// Name implements fetch.Fetcher.
func (f *Fetcher) Name() string { return Name }

// Accept implements fetch.Fetcher.
func (f *Fetcher) Accept(req fetch.Request) bool {
	switch req.EffectiveMethod() {
	case fetch.MethodGet, fetch.MethodHead:
	default:
		return false
	}
	_, ok := Path(req.Reference)
	return ok
}

// Path returns the filesystem path a reference points to.
func Path(reference string) (string, bool) {
	if reference == "" {
		return "", false
	}
	if strings.HasPrefix(reference, "file:") {
		u, err := url.Parse(reference)
		if err != nil || (u.Host != "" && u.Host != "localhost") {
			return "", false
		}
		return filepath.FromSlash(u.Path), u.Path != ""
	}
	// Anything else with a scheme belongs to another fetcher. A single
	// letter before the colon is a Windows drive.
	if i := strings.Index(reference, "://"); i > 0 {
		return "", false
	}
	if i := strings.IndexByte(reference, ':'); i > 1 && !strings.ContainsAny(reference[:i], `/\`) {
		return "", false
	}
	return reference, true
}

// Reference returns the file:// reference for a path.
func Reference(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// Fetch reads the file. Missing files map to not_found and an unchanged
// modification time to unmodified.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return fetch.Response{}, err
	}
	path, ok := Path(req.Reference)
	if !ok {
		return fetch.Response{State: fetch.StateUnsupported, StatusCode: -1, Reason: "not a file reference", Fetcher: Name}, nil
	}
	start := time.Now()
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fetch.Response{State: fetch.StateNotFound, StatusCode: http.StatusNotFound, Reason: "file not found", Fetcher: Name}, nil
	case err != nil:
		return fetch.ErrorResponse(Name, fmt.Errorf("stat %s: %w", path, err)), nil
	case info.IsDir():
		return fetch.Response{State: fetch.StateBadStatus, StatusCode: -1, Reason: "reference is a directory", Fetcher: Name}, nil
	}

	mod := info.ModTime().UTC()
	resp := fetch.Response{
		StatusCode: http.StatusOK,
		Reason:     http.StatusText(http.StatusOK),
		Headers: http.Header{
			"Last-Modified":  {mod.Format(http.TimeFormat)},
			"Content-Length": {fmt.Sprint(info.Size())},
		},
		FinalURL: req.Reference,
		Fetcher:  Name,
		State:    fetch.StateNew,
	}
	if !req.LastModified.IsZero() {
		if !mod.Truncate(time.Second).After(req.LastModified.UTC().Truncate(time.Second)) {
			resp.State = fetch.StateUnmodified
		} else {
			resp.State = fetch.StateModified
		}
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fetch.ErrorResponse(Name, fmt.Errorf("detect %s: %w", path, err)), nil
	}
	resp.ContentType, resp.Charset = fetch.ParseContentType(mt.String())
	resp.Headers.Set("Content-Type", mt.String())

	if req.EffectiveMethod() == fetch.MethodGet {
		if f.maxBodySize > 0 && info.Size() > f.maxBodySize {
			return fetch.Response{
				State:      fetch.StateBadStatus,
				StatusCode: http.StatusRequestEntityTooLarge,
				Reason:     fmt.Sprintf("file larger than %d bytes", f.maxBodySize),
				Fetcher:    Name,
			}, nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return fetch.ErrorResponse(Name, fmt.Errorf("read %s: %w", path, err)), nil
		}
		resp.Body = body
		resp.Charset = fetch.DetectCharset(body, resp.Charset, resp.ContentType, false)
	}
	resp.Duration = time.Since(start)
	f.logger.Debug("file fetched", zap.String("path", path), zap.String("content_type", resp.ContentType))
	return resp, nil
}

// Expand resolves patterns into file references. Patterns may use
// doublestar globs; a directory expands to every file below it.
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var refs []string
	add := func(path string) {
		ref := Reference(path)
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, pattern := range patterns {
		if path, ok := Path(pattern); ok {
			pattern = path
		}
		if info, err := os.Stat(pattern); err == nil {
			if !info.IsDir() {
				add(pattern)
				continue
			}
			pattern = filepath.Join(pattern, "**", "*")
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return refs, nil
}
