// Package handler defines the contracts implemented by taggers,
// transformers and filters.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// ErrInvalidConfig is wrapped by constructors rejecting their configuration.
var ErrInvalidConfig = errors.New("invalid handler configuration")

// Handler mutates a document during import.
type Handler interface {
	Handle(ctx context.Context, d *doc.Document, state doc.ParseState) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *doc.Document, state doc.ParseState) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d *doc.Document, state doc.ParseState) error {
	return f(ctx, d, state)
}

// OnMatch tells the importer what a matching filter means.
type OnMatch string

// Filter outcomes.
const (
	Include OnMatch = "include"
	Exclude OnMatch = "exclude"
)

// ParseOnMatch validates an onMatch value. Empty defaults to include.
func ParseOnMatch(s string) (OnMatch, error) {
	switch OnMatch(strings.ToLower(strings.TrimSpace(s))) {
	case "", Include:
		return Include, nil
	case Exclude:
		return Exclude, nil
	default:
		return "", fmt.Errorf("%w: onMatch %q", ErrInvalidConfig, s)
	}
}

// Filter decides whether a document matches. The importer turns matches into
// accept or reject decisions according to OnMatch.
type Filter interface {
	Filter(ctx context.Context, d *doc.Document, state doc.ParseState) (bool, error)
	OnMatch() OnMatch
}

// Restriction limits a handler to documents with a matching field value.
type Restriction struct {
	Field *textmatch.Matcher `mapstructure:"field"`
	Value *textmatch.Matcher `mapstructure:"value"`
}

// Matches reports whether any field matched by Field holds a value matched by Value.
func (r Restriction) Matches(md *doc.Metadata) bool {
	for _, key := range r.Field.MatchKeys(md) {
		values := md.Values(key)
		if !r.Value.IsSet() {
			return true
		}
		if r.Value.MatchesAny(values) {
			return true
		}
	}
	return false
}

// Step is one configured element of an import pipeline: either a Handler
// or a Filter, optionally restricted to some documents.
type Step struct {
	Name            string
	Handler         Handler
	Filter          Filter
	RestrictTo      []Restriction
	ContinueOnError bool
}

// NewStep wraps h, which must implement Handler or Filter.
func NewStep(h any, restrictTo ...Restriction) (Step, error) {
	step := Step{Name: NameOf(h), RestrictTo: restrictTo}
	switch v := h.(type) {
	case Filter:
		step.Filter = v
	case Handler:
		step.Handler = v
	default:
		return Step{}, fmt.Errorf("%w: %T is neither a handler nor a filter", ErrInvalidConfig, h)
	}
	return step, nil
}

// MustStep is NewStep that panics. Intended for tests and static pipelines.
func MustStep(h any, restrictTo ...Restriction) Step {
	step, err := NewStep(h, restrictTo...)
	if err != nil {
		panic(err)
	}
	return step
}

// Applies reports whether the step should run for d.
func (s Step) Applies(d *doc.Document) bool {
	if len(s.RestrictTo) == 0 {
		return true
	}
	for _, restriction := range s.RestrictTo {
		if restriction.Matches(d.Metadata) {
			return true
		}
	}
	return false
}

// Named is implemented by handlers that report a type name for logs and
// rejection reasons.
type Named interface {
	Name() string
}

// NameOf returns the handler's name or its Go type.
func NameOf(h any) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// Invalid formats a configuration error for the named handler.
func Invalid(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, name, fmt.Sprintf(format, args...))
}
