// Package script runs user JavaScript against documents with goja.
//
// Scripts see three globals: reference (string), content (string) and
// metadata (an object mapping field names to arrays of strings). Changes
// to metadata and content are written back to the document. A filter
// script's completion value is its match result.
package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
)

// Config configures a script handler or filter.
type Config struct {
	Script  string        `mapstructure:"script"`
	Timeout time.Duration `mapstructure:"timeout"`
	// ReadOnlyContent prevents the script from replacing the content.
	ReadOnlyContent bool   `mapstructure:"readOnlyContent"`
	OnMatch         string `mapstructure:"onMatch"`
}

const defaultTimeout = 5 * time.Second

type runner struct {
	program *goja.Program
	timeout time.Duration
}

func newRunner(name string, cfg Config) (*runner, error) {
	if cfg.Script == "" {
		return nil, handler.Invalid(name, "script is required")
	}
	program, err := goja.Compile(name, cfg.Script, false)
	if err != nil {
		return nil, handler.Invalid(name, "compile script: %v", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &runner{program: program, timeout: timeout}, nil
}

// run executes the program and returns the runtime for reading results.
func (r *runner) run(ctx context.Context, d *doc.Document) (*goja.Runtime, goja.Value, error) {
	vm := goja.New()
	meta := vm.NewObject()
	for _, k := range d.Metadata.Keys() {
		values := d.Metadata.Values(k)
		items := make([]any, len(values))
		for i, v := range values {
			items[i] = v
		}
		if err := meta.Set(k, vm.NewArray(items...)); err != nil {
			return nil, nil, fmt.Errorf("expose metadata %q: %w", k, err)
		}
	}
	for name, value := range map[string]any{
		"reference": d.Reference,
		"content":   d.Text(),
		"metadata":  meta,
	} {
		if err := vm.Set(name, value); err != nil {
			return nil, nil, fmt.Errorf("expose %s: %w", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := vm.RunProgram(r.program)
	if err != nil {
		return nil, nil, fmt.Errorf("run script: %w", err)
	}
	return vm, v, nil
}

// readMetadata replaces the document metadata with the script's view.
func readMetadata(vm *goja.Runtime, d *doc.Document) {
	obj := vm.Get("metadata")
	if obj == nil || goja.IsUndefined(obj) || goja.IsNull(obj) {
		return
	}
	exported, ok := obj.Export().(map[string]any)
	if !ok {
		return
	}
	seen := make(map[string]struct{}, len(exported))
	keys := make([]string, 0, len(exported))
	for k := range exported {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		seen[strings.ToLower(k)] = struct{}{}
		d.Metadata.Set(k, toStrings(exported[k])...)
	}
	for _, k := range d.Metadata.Keys() {
		if _, ok := seen[strings.ToLower(k)]; !ok {
			d.Metadata.Remove(k)
		}
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case []string:
		return t
	default:
		return []string{fmt.Sprint(t)}
	}
}

// Handler runs a script that may modify metadata and content.
type Handler struct {
	cfg    Config
	runner *runner
}

// NewHandler compiles cfg.Script.
func NewHandler(cfg Config) (*Handler, error) {
	r, err := newRunner("script", cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg, runner: r}, nil
}

// Name implements handler.Named.
func (*Handler) Name() string { return "script" }

// Handle implements handler.Handler.
func (h *Handler) Handle(ctx context.Context, d *doc.Document, _ doc.ParseState) error {
	vm, _, err := h.runner.run(ctx, d)
	if err != nil {
		return err
	}
	readMetadata(vm, d)
	if !h.cfg.ReadOnlyContent {
		if c := vm.Get("content"); c != nil && !goja.IsUndefined(c) && !goja.IsNull(c) {
			d.SetText(c.String())
		}
	}
	return nil
}

// Filter matches documents for which the script evaluates to true.
type Filter struct {
	runner  *runner
	onMatch handler.OnMatch
}

// NewFilter compiles cfg.Script.
func NewFilter(cfg Config) (*Filter, error) {
	onMatch, err := handler.ParseOnMatch(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	r, err := newRunner("script-filter", cfg)
	if err != nil {
		return nil, err
	}
	return &Filter{runner: r, onMatch: onMatch}, nil
}

// Name implements handler.Named.
func (*Filter) Name() string { return "script" }

// OnMatch implements handler.Filter.
func (f *Filter) OnMatch() handler.OnMatch { return f.onMatch }

// Filter implements handler.Filter.
func (f *Filter) Filter(ctx context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	_, v, err := f.runner.run(ctx, d)
	if err != nil {
		return false, err
	}
	return v != nil && v.ToBoolean(), nil
}
