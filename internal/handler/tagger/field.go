// Package tagger contains handlers that add, rename, reshape or delete
// document metadata.
package tagger

import (
	"context"
	"strings"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// ConstantConfig configures Constant.
type ConstantConfig struct {
	Field  string    `mapstructure:"field"`
	Values []string  `mapstructure:"values"`
	OnSet  doc.OnSet `mapstructure:"onSet"`
}

// Constant writes fixed values to a field.
type Constant struct {
	cfg ConstantConfig
}

// NewConstant validates cfg.
func NewConstant(cfg ConstantConfig) (*Constant, error) {
	if strings.TrimSpace(cfg.Field) == "" {
		return nil, handler.Invalid("constant", "field is required")
	}
	return &Constant{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Constant) Name() string { return "constant" }

// Handle implements handler.Handler.
func (t *Constant) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	d.Metadata.SetWith(t.cfg.Field, t.cfg.OnSet, t.cfg.Values...)
	return nil
}

// CopyConfig configures Copy.
type CopyConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	ToField      string             `mapstructure:"toField"`
	OnSet        doc.OnSet          `mapstructure:"onSet"`
}

// Copy copies the values of matching fields into another field.
type Copy struct {
	cfg CopyConfig
}

// NewCopy validates cfg.
func NewCopy(cfg CopyConfig) (*Copy, error) {
	if !cfg.FieldMatcher.IsSet() || cfg.ToField == "" {
		return nil, handler.Invalid("copy", "fieldMatcher and toField are required")
	}
	return &Copy{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Copy) Name() string { return "copy" }

// Handle implements handler.Handler.
func (t *Copy) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	var values []string
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		values = append(values, d.Metadata.Values(key)...)
	}
	if len(values) > 0 {
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, values...)
	}
	return nil
}

// RenameConfig configures Rename.
type RenameConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	ToField      string             `mapstructure:"toField"`
	OnSet        doc.OnSet          `mapstructure:"onSet"`
}

// Rename moves matching fields to a new name. When the matcher is a regular
// expression, ToField may reference capture groups.
type Rename struct {
	cfg RenameConfig
}

// NewRename validates cfg.
func NewRename(cfg RenameConfig) (*Rename, error) {
	if !cfg.FieldMatcher.IsSet() || cfg.ToField == "" {
		return nil, handler.Invalid("rename", "fieldMatcher and toField are required")
	}
	if err := cfg.FieldMatcher.Compile(); err != nil {
		return nil, handler.Invalid("rename", "%v", err)
	}
	return &Rename{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Rename) Name() string { return "rename" }

// Handle implements handler.Handler.
func (t *Rename) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		to := t.cfg.ToField
		if t.cfg.FieldMatcher.EffectiveMethod() == textmatch.Regex {
			to = t.cfg.FieldMatcher.ReplaceAll(key, t.cfg.ToField)
		}
		d.Metadata.Rename(key, to, t.cfg.OnSet)
	}
	return nil
}

// DeleteConfig configures Delete.
type DeleteConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
}

// Delete removes matching fields.
type Delete struct {
	cfg DeleteConfig
}

// NewDelete validates cfg.
func NewDelete(cfg DeleteConfig) (*Delete, error) {
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("delete", "fieldMatcher is required")
	}
	return &Delete{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Delete) Name() string { return "delete" }

// Handle implements handler.Handler.
func (t *Delete) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		d.Metadata.Remove(key)
	}
	return nil
}

// KeepOnlyConfig configures KeepOnly.
type KeepOnlyConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
}

// KeepOnly removes every field not matched.
type KeepOnly struct {
	cfg KeepOnlyConfig
}

// NewKeepOnly validates cfg.
func NewKeepOnly(cfg KeepOnlyConfig) (*KeepOnly, error) {
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("keep-only", "fieldMatcher is required")
	}
	return &KeepOnly{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*KeepOnly) Name() string { return "keep-only" }

// Handle implements handler.Handler.
func (t *KeepOnly) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, key := range d.Metadata.Keys() {
		if !t.cfg.FieldMatcher.Matches(key) {
			d.Metadata.Remove(key)
		}
	}
	return nil
}

// SingleValueAction selects which value ForceSingleValue keeps.
type SingleValueAction string

// Supported actions.
const (
	KeepFirst SingleValueAction = "keepFirst"
	KeepLast  SingleValueAction = "keepLast"
	MergeWith SingleValueAction = "mergeWith"
)

// ForceSingleValueConfig configures ForceSingleValue.
type ForceSingleValueConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	Action       SingleValueAction  `mapstructure:"action"`
	Separator    string             `mapstructure:"separator"`
}

// ForceSingleValue collapses multi-valued fields to one value.
type ForceSingleValue struct {
	cfg ForceSingleValueConfig
}

// NewForceSingleValue validates cfg.
func NewForceSingleValue(cfg ForceSingleValueConfig) (*ForceSingleValue, error) {
	switch cfg.Action {
	case "":
		cfg.Action = KeepFirst
	case KeepFirst, KeepLast, MergeWith:
	default:
		return nil, handler.Invalid("force-single-value", "unknown action %q", cfg.Action)
	}
	return &ForceSingleValue{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*ForceSingleValue) Name() string { return "force-single-value" }

// Handle implements handler.Handler.
func (t *ForceSingleValue) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		values := d.Metadata.Values(key)
		if len(values) < 2 {
			continue
		}
		switch t.cfg.Action {
		case KeepLast:
			d.Metadata.Set(key, values[len(values)-1])
		case MergeWith:
			d.Metadata.Set(key, strings.Join(values, t.cfg.Separator))
		default:
			d.Metadata.Set(key, values[0])
		}
	}
	return nil
}

// MergeConfig configures Merge.
type MergeConfig struct {
	FieldMatcher         *textmatch.Matcher `mapstructure:"fieldMatcher"`
	ToField              string             `mapstructure:"toField"`
	DeleteFromFields     bool               `mapstructure:"deleteFromFields"`
	SingleValue          bool               `mapstructure:"singleValue"`
	SingleValueSeparator string             `mapstructure:"singleValueSeparator"`
	OnSet                doc.OnSet          `mapstructure:"onSet"`
}

// Merge combines the values of several fields into one.
type Merge struct {
	cfg MergeConfig
}

// NewMerge validates cfg.
func NewMerge(cfg MergeConfig) (*Merge, error) {
	if !cfg.FieldMatcher.IsSet() || cfg.ToField == "" {
		return nil, handler.Invalid("merge", "fieldMatcher and toField are required")
	}
	return &Merge{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Merge) Name() string { return "merge" }

// Handle implements handler.Handler.
func (t *Merge) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	var merged []string
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		merged = append(merged, d.Metadata.Values(key)...)
		if t.cfg.DeleteFromFields && !strings.EqualFold(key, t.cfg.ToField) {
			d.Metadata.Remove(key)
		}
	}
	if len(merged) == 0 {
		return nil
	}
	if t.cfg.SingleValue {
		merged = []string{strings.Join(merged, t.cfg.SingleValueSeparator)}
	}
	onSet := t.cfg.OnSet
	if t.cfg.FieldMatcher.Matches(t.cfg.ToField) {
		// the target was part of the merge so its old values are already in merged
		onSet = doc.OnSetReplace
	}
	d.Metadata.SetWith(t.cfg.ToField, onSet, merged...)
	return nil
}

// SplitConfig configures Split.
type SplitConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	Separator    string             `mapstructure:"separator"`
	Regex        bool               `mapstructure:"regex"`
	ToField      string             `mapstructure:"toField"`
	OnSet        doc.OnSet          `mapstructure:"onSet"`
}

// Split breaks values apart on a separator. Without ToField the source
// field is replaced by its split values.
type Split struct {
	cfg SplitConfig
	sep *textmatch.Matcher
}

// NewSplit validates cfg.
func NewSplit(cfg SplitConfig) (*Split, error) {
	if !cfg.FieldMatcher.IsSet() || cfg.Separator == "" {
		return nil, handler.Invalid("split", "fieldMatcher and separator are required")
	}
	method := textmatch.Basic
	if cfg.Regex {
		method = textmatch.Regex
	}
	sep, err := textmatch.New(cfg.Separator, method, false)
	if err != nil {
		return nil, handler.Invalid("split", "%v", err)
	}
	return &Split{cfg: cfg, sep: sep}, nil
}

// Name implements handler.Named.
func (*Split) Name() string { return "split" }

// Handle implements handler.Handler.
func (t *Split) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	for _, key := range t.cfg.FieldMatcher.MatchKeys(d.Metadata) {
		var parts []string
		for _, v := range d.Metadata.Values(key) {
			parts = append(parts, t.split(v)...)
		}
		if t.cfg.ToField == "" {
			d.Metadata.Set(key, parts...)
			continue
		}
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, parts...)
	}
	return nil
}

func (t *Split) split(v string) []string {
	var out []string
	for {
		loc := t.sep.FindIndex(v)
		if loc == nil || loc[1] == 0 {
			break
		}
		if part := strings.TrimSpace(v[:loc[0]]); part != "" {
			out = append(out, part)
		}
		v = v[loc[1]:]
	}
	if part := strings.TrimSpace(v); part != "" {
		out = append(out, part)
	}
	return out
}

// HierarchyConfig configures Hierarchy.
type HierarchyConfig struct {
	FromField     string    `mapstructure:"fromField"`
	ToField       string    `mapstructure:"toField"`
	FromSeparator string    `mapstructure:"fromSeparator"`
	ToSeparator   string    `mapstructure:"toSeparator"`
	OnSet         doc.OnSet `mapstructure:"onSet"`
}

// Hierarchy expands a path value into one value per level, so
// "/a/b/c" becomes "/a", "/a/b" and "/a/b/c".
type Hierarchy struct {
	cfg HierarchyConfig
}

// NewHierarchy validates cfg.
func NewHierarchy(cfg HierarchyConfig) (*Hierarchy, error) {
	if cfg.FromField == "" || cfg.FromSeparator == "" {
		return nil, handler.Invalid("hierarchy", "fromField and fromSeparator are required")
	}
	if cfg.ToSeparator == "" {
		cfg.ToSeparator = cfg.FromSeparator
	}
	if cfg.ToField == "" {
		cfg.ToField = cfg.FromField
		cfg.OnSet = doc.OnSetReplace
	}
	return &Hierarchy{cfg: cfg}, nil
}

// Name implements handler.Named.
func (*Hierarchy) Name() string { return "hierarchy" }

// Handle implements handler.Handler.
func (t *Hierarchy) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	var levels []string
	for _, v := range d.Metadata.Values(t.cfg.FromField) {
		levels = append(levels, t.expand(v)...)
	}
	if len(levels) > 0 {
		d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, levels...)
	}
	return nil
}

func (t *Hierarchy) expand(v string) []string {
	leading := strings.HasPrefix(v, t.cfg.FromSeparator)
	var segments []string
	for _, s := range strings.Split(v, t.cfg.FromSeparator) {
		if s != "" {
			segments = append(segments, s)
		}
	}
	out := make([]string, 0, len(segments))
	var b strings.Builder
	for i, s := range segments {
		if i > 0 || leading {
			b.WriteString(t.cfg.ToSeparator)
		}
		b.WriteString(s)
		out = append(out, b.String())
	}
	return out
}
