// Package registry builds pipeline steps from configuration.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/handler/filter"
	"github.com/JakeFAU/webimporter/internal/handler/script"
	"github.com/JakeFAU/webimporter/internal/handler/tagger"
	"github.com/JakeFAU/webimporter/internal/handler/transformer"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// ErrUnknownHandler is returned for a type nobody registered.
var ErrUnknownHandler = errors.New("unknown handler type")

// Spec is the configuration of one pipeline step.
type Spec struct {
	// Type is family-qualified, e.g. "tagger.constant" or "filter.reference".
	Type            string                `mapstructure:"type"`
	RestrictTo      []handler.Restriction `mapstructure:"restrictTo"`
	Options         map[string]any        `mapstructure:"options"`
	ContinueOnError bool                  `mapstructure:"continueOnError"`
}

// Deps are the collaborators some handlers need.
type Deps struct {
	Logger *zap.Logger
	Clock  tagger.Clock
	IDs    tagger.IDGenerator
	Hasher tagger.Hasher
}

// Factory decodes options and constructs a handler or filter.
type Factory func(options map[string]any, deps Deps) (any, error)

// Registry maps handler types to factories.
type Registry struct {
	deps      Deps
	factories map[string]Factory
}

// New returns a registry with every built-in handler registered.
func New(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := &Registry{deps: deps, factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(typ string, f Factory) {
	r.factories[strings.ToLower(typ)] = f
}

// Types lists the registered handler types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs the step described by spec.
func (r *Registry) Build(spec Spec) (handler.Step, error) {
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(spec.Type))]
	if !ok {
		return handler.Step{}, fmt.Errorf("%w: %q", ErrUnknownHandler, spec.Type)
	}
	h, err := f(spec.Options, r.deps)
	if err != nil {
		return handler.Step{}, fmt.Errorf("build %s: %w", spec.Type, err)
	}
	for i, restriction := range spec.RestrictTo {
		if !restriction.Field.IsSet() {
			return handler.Step{}, fmt.Errorf("build %s: %w: restriction %d has no field", spec.Type, handler.ErrInvalidConfig, i)
		}
		if err := restriction.Field.Compile(); err != nil {
			return handler.Step{}, fmt.Errorf("build %s: restriction %d: %w", spec.Type, i, err)
		}
		if restriction.Value.IsSet() {
			if err := restriction.Value.Compile(); err != nil {
				return handler.Step{}, fmt.Errorf("build %s: restriction %d: %w", spec.Type, i, err)
			}
		}
	}
	step, err := handler.NewStep(h, spec.RestrictTo...)
	if err != nil {
		return handler.Step{}, err
	}
	step.ContinueOnError = spec.ContinueOnError
	return step, nil
}

// BuildAll constructs steps in order, stopping at the first error.
func (r *Registry) BuildAll(specs []Spec) ([]handler.Step, error) {
	steps := make([]handler.Step, 0, len(specs))
	for i, spec := range specs {
		step, err := r.Build(spec)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

var matcherType = reflect.TypeOf(textmatch.Matcher{})

// DecodeHook lets configuration write a matcher as a bare string, which
// becomes a basic pattern, and accepts the usual duration and list forms.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		matcherHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func matcherHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != matcherType {
		return data, nil
	}
	return map[string]any{"pattern": data}, nil
}

// Decode copies options into out, rejecting unknown keys.
func Decode(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       DecodeHook(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: %v", handler.ErrInvalidConfig, err)
	}
	return nil
}

// simple adapts a constructor that only needs its config.
func simple[C any, H any](ctor func(C) (H, error)) Factory {
	return func(options map[string]any, _ Deps) (any, error) {
		var cfg C
		if err := Decode(options, &cfg); err != nil {
			return nil, err
		}
		return ctor(cfg)
	}
}

// withDeps adapts a constructor that needs a collaborator from Deps.
func withDeps[C any, H any](ctor func(C, Deps) (H, error)) Factory {
	return func(options map[string]any, deps Deps) (any, error) {
		var cfg C
		if err := Decode(options, &cfg); err != nil {
			return nil, err
		}
		return ctor(cfg, deps)
	}
}

func registerBuiltins(r *Registry) {
	taggers := map[string]Factory{
		"constant":           simple(tagger.NewConstant),
		"copy":               simple(tagger.NewCopy),
		"rename":             simple(tagger.NewRename),
		"delete":             simple(tagger.NewDelete),
		"keep-only":          simple(tagger.NewKeepOnly),
		"force-single-value": simple(tagger.NewForceSingleValue),
		"merge":              simple(tagger.NewMerge),
		"split":              simple(tagger.NewSplit),
		"hierarchy":          simple(tagger.NewHierarchy),
		"count-matches":      simple(tagger.NewCountMatches),
		"replace":            simple(tagger.NewReplace),
		"text-between":       simple(tagger.NewTextBetween),
		"truncate":           simple(tagger.NewTruncate),
		"title-generator":    simple(tagger.NewTitleGenerator),
		"url-extractor":      simple(tagger.NewURLExtractor),
		"dom":                simple(tagger.NewDOM),
		"character-case": withDeps(func(c tagger.CharacterCaseConfig, d Deps) (*tagger.CharacterCase, error) {
			return tagger.NewCharacterCase(c, d.Logger.Named("tagger.character-case"))
		}),
		"date-format": withDeps(func(c tagger.DateFormatConfig, d Deps) (*tagger.DateFormat, error) {
			return tagger.NewDateFormat(c, d.Logger.Named("tagger.date-format"))
		}),
		"current-date": withDeps(func(c tagger.CurrentDateConfig, d Deps) (*tagger.CurrentDate, error) {
			return tagger.NewCurrentDate(c, d.Clock)
		}),
		"uuid": withDeps(func(c tagger.UUIDConfig, d Deps) (*tagger.UUID, error) {
			return tagger.NewUUID(c, d.IDs)
		}),
		"checksum": withDeps(func(c tagger.ChecksumConfig, d Deps) (*tagger.Checksum, error) {
			return tagger.NewChecksum(c, d.Hasher)
		}),
		"script": simple(script.NewHandler),
	}
	transformers := map[string]Factory{
		"replace":         simple(transformer.NewReplace),
		"strip-before":    simple(transformer.NewStripBefore),
		"strip-after":     simple(transformer.NewStripAfter),
		"strip-between":   simple(transformer.NewStripBetween),
		"character-case":  simple(transformer.NewCharacterCase),
		"text-statistics": simple(transformer.NewTextStatistics),
		"dom-delete":      simple(transformer.NewDOMDelete),
		"dom-preserve":    simple(transformer.NewDOMPreserve),
		"sanitize":        simple(transformer.NewSanitize),
		"readability":     simple(transformer.NewReadability),
		"markdown": func(options map[string]any, _ Deps) (any, error) {
			if len(options) > 0 {
				return nil, fmt.Errorf("%w: markdown takes no options", handler.ErrInvalidConfig)
			}
			return transformer.NewMarkdown(), nil
		},
		"script": simple(script.NewHandler),
	}
	filters := map[string]Factory{
		"reference":        simple(filter.NewReference),
		"metadata":         simple(filter.NewMetadata),
		"numeric-metadata": simple(filter.NewNumericMetadata),
		"empty-metadata":   simple(filter.NewEmptyMetadata),
		"text":             simple(filter.NewText),
		"dom":              simple(filter.NewDOM),
		"date-metadata": withDeps(func(c filter.DateMetadataConfig, d Deps) (*filter.DateMetadata, error) {
			return filter.NewDateMetadata(c, d.Clock)
		}),
		"script": simple(script.NewFilter),
	}
	for family, set := range map[string]map[string]Factory{
		"tagger":      taggers,
		"transformer": transformers,
		"filter":      filters,
	} {
		for name, f := range set {
			r.Register(family+"."+name, f)
		}
	}
}
