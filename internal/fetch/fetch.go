// Package fetch defines the contracts shared by document fetchers and the
// helpers they have in common.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNoFetcher is returned when no configured fetcher accepts a request.
	ErrNoFetcher = errors.New("no fetcher accepted the request")
	// ErrUnsupportedAuth is returned for authentication schemes this
	// module does not implement.
	ErrUnsupportedAuth = errors.New("unsupported authentication method")
)

// Supported request methods.
const (
	MethodGet  = http.MethodGet
	MethodHead = http.MethodHead
	MethodPost = http.MethodPost
)

// Request describes one document or header fetch.
type Request struct {
	Reference string
	// Method defaults to GET.
	Method  string
	Headers http.Header
	// ETag and LastModified come from a previous fetch and enable
	// conditional requests.
	ETag         string
	LastModified time.Time
}

// EffectiveMethod returns the upper-cased method, GET when empty.
func (r Request) EffectiveMethod() string {
	if r.Method == "" {
		return MethodGet
	}
	return strings.ToUpper(r.Method)
}

// State classifies the outcome of a fetch.
type State string

// Fetch states.
const (
	StateNew         State = "new"
	StateModified    State = "modified"
	StateUnmodified  State = "unmodified"
	StateNotFound    State = "not_found"
	StateBadStatus   State = "bad_status"
	StateUnsupported State = "unsupported"
	StateRedirect    State = "redirect"
	StateError       State = "error"
)

// Good reports whether the fetch produced a usable document.
func (s State) Good() bool {
	switch s {
	case StateNew, StateModified, StateUnmodified:
		return true
	default:
		return false
	}
}

// Response is the result of a fetch.
type Response struct {
	State      State
	StatusCode int
	Reason     string
	Headers    http.Header
	Body       []byte
	// ContentType is the media type without parameters.
	ContentType    string
	Charset        string
	RedirectTarget string
	FinalURL       string
	UserAgent      string
	Screenshot     []byte
	Fetcher        string
	Duration       time.Duration
	Err            error
}

// Fetcher retrieves documents for the references it accepts.
type Fetcher interface {
	Name() string
	Accept(req Request) bool
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Closer is implemented by fetchers holding resources such as browser
// sessions or proxy listeners.
type Closer interface {
	Close() error
}

// ErrorResponse builds a StateError response for err.
func ErrorResponse(fetcher string, err error) Response {
	return Response{
		State:      StateError,
		StatusCode: -1,
		Reason:     err.Error(),
		Fetcher:    fetcher,
		Err:        err,
	}
}
