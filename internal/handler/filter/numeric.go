package filter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/handler/tagger"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

// Operator compares a value against a condition operand.
type Operator string

// Supported operators.
const (
	GT Operator = "gt"
	GE Operator = "ge"
	LT Operator = "lt"
	LE Operator = "le"
	EQ Operator = "eq"
)

func parseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case GT, GE, LT, LE, EQ:
		return op, nil
	case "":
		return EQ, nil
	default:
		return "", fmt.Errorf("unknown operator %q", s)
	}
}

// eval applies op to the result of comparing value to operand (-1, 0, 1).
func (op Operator) eval(cmp int) bool {
	switch op {
	case GT:
		return cmp > 0
	case GE:
		return cmp >= 0
	case LT:
		return cmp < 0
	case LE:
		return cmp <= 0
	default:
		return cmp == 0
	}
}

// NumericCondition is one operator/number pair.
type NumericCondition struct {
	Operator string  `mapstructure:"operator"`
	Number   float64 `mapstructure:"number"`
}

// NumericMetadataConfig configures NumericMetadata.
type NumericMetadataConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	Conditions   []NumericCondition `mapstructure:"conditions"`
	OnMatch      string             `mapstructure:"onMatch"`
}

type numericCondition struct {
	op     Operator
	number float64
}

// NumericMetadata matches when a value of a matching field is a number
// satisfying every condition.
type NumericMetadata struct {
	base
	fields     *textmatch.Matcher
	conditions []numericCondition
}

// NewNumericMetadata validates cfg.
func NewNumericMetadata(cfg NumericMetadataConfig) (*NumericMetadata, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("numeric-metadata", "fieldMatcher is required")
	}
	if err := compile("numeric-metadata", cfg.FieldMatcher); err != nil {
		return nil, err
	}
	f := &NumericMetadata{base: b, fields: cfg.FieldMatcher}
	for _, c := range cfg.Conditions {
		op, err := parseOperator(c.Operator)
		if err != nil {
			return nil, handler.Invalid("numeric-metadata", "%v", err)
		}
		f.conditions = append(f.conditions, numericCondition{op: op, number: c.Number})
	}
	return f, nil
}

// Name implements handler.Named.
func (*NumericMetadata) Name() string { return "numeric-metadata" }

// Filter implements handler.Filter.
func (f *NumericMetadata) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	for _, key := range f.fields.MatchKeys(d.Metadata) {
		for _, v := range d.Metadata.Values(key) {
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			if f.matches(n) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *NumericMetadata) matches(n float64) bool {
	for _, c := range f.conditions {
		cmp := 0
		switch {
		case n < c.number:
			cmp = -1
		case n > c.number:
			cmp = 1
		}
		if !c.op.eval(cmp) {
			return false
		}
	}
	return true
}

// DateCondition is one operator/date pair. Date is either an absolute
// date or NOW/TODAY with an optional offset such as TODAY-7D. A trailing
// '*' makes a relative date move with the clock instead of being fixed
// when the filter is built.
type DateCondition struct {
	Operator string `mapstructure:"operator"`
	Date     string `mapstructure:"date"`
}

// DateMetadataConfig configures DateMetadata.
type DateMetadataConfig struct {
	FieldMatcher *textmatch.Matcher `mapstructure:"fieldMatcher"`
	// Format is the layout of field values; empty guesses the format.
	Format     string          `mapstructure:"format"`
	Conditions []DateCondition `mapstructure:"conditions"`
	OnMatch    string          `mapstructure:"onMatch"`
}

var relativeDate = regexp.MustCompile(`^(NOW|TODAY)\s*(?:([-+])\s*(\d+)\s*([YMDhms]))?\s*(\*?)$`)

// dateProvider resolves a condition operand.
type dateProvider func() time.Time

func newDateProvider(spec, format string, clock tagger.Clock) (dateProvider, error) {
	spec = strings.TrimSpace(spec)
	m := relativeDate.FindStringSubmatch(spec)
	if m == nil {
		ts, err := tagger.ParseDate(spec, formats(format))
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", spec, err)
		}
		return func() time.Time { return ts }, nil
	}
	today := m[1] == "TODAY"
	amount := 0
	if m[3] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("parse offset %q: %w", spec, err)
		}
		amount = n
		if m[2] == "-" {
			amount = -n
		}
	}
	unit := m[4]
	resolve := func() time.Time {
		now := clock.Now()
		if today {
			y, mo, day := now.Date()
			now = time.Date(y, mo, day, 0, 0, 0, 0, now.Location())
		}
		return shift(now, amount, unit)
	}
	if m[5] == "*" {
		return resolve, nil
	}
	fixed := resolve()
	return func() time.Time { return fixed }, nil
}

func shift(ts time.Time, amount int, unit string) time.Time {
	switch unit {
	case "Y":
		return ts.AddDate(amount, 0, 0)
	case "M":
		return ts.AddDate(0, amount, 0)
	case "D":
		return ts.AddDate(0, 0, amount)
	case "h":
		return ts.Add(time.Duration(amount) * time.Hour)
	case "m":
		return ts.Add(time.Duration(amount) * time.Minute)
	case "s":
		return ts.Add(time.Duration(amount) * time.Second)
	default:
		return ts
	}
}

func formats(format string) []string {
	if format == "" {
		return nil
	}
	return []string{format}
}

type dateCondition struct {
	op   Operator
	date dateProvider
}

// DateMetadata matches when a date value of a matching field satisfies
// every condition.
type DateMetadata struct {
	base
	fields     *textmatch.Matcher
	format     string
	conditions []dateCondition
}

// NewDateMetadata validates cfg. Relative dates are resolved with clock.
func NewDateMetadata(cfg DateMetadataConfig, clock tagger.Clock) (*DateMetadata, error) {
	b, err := newBase(cfg.OnMatch)
	if err != nil {
		return nil, err
	}
	if !cfg.FieldMatcher.IsSet() {
		return nil, handler.Invalid("date-metadata", "fieldMatcher is required")
	}
	if clock == nil {
		return nil, handler.Invalid("date-metadata", "clock is required")
	}
	if err := compile("date-metadata", cfg.FieldMatcher); err != nil {
		return nil, err
	}
	f := &DateMetadata{base: b, fields: cfg.FieldMatcher, format: cfg.Format}
	for _, c := range cfg.Conditions {
		op, err := parseOperator(c.Operator)
		if err != nil {
			return nil, handler.Invalid("date-metadata", "%v", err)
		}
		provider, err := newDateProvider(c.Date, cfg.Format, clock)
		if err != nil {
			return nil, handler.Invalid("date-metadata", "%v", err)
		}
		f.conditions = append(f.conditions, dateCondition{op: op, date: provider})
	}
	return f, nil
}

// Name implements handler.Named.
func (*DateMetadata) Name() string { return "date-metadata" }

// Filter implements handler.Filter. Values that do not parse are ignored.
func (f *DateMetadata) Filter(_ context.Context, d *doc.Document, _ doc.ParseState) (bool, error) {
	for _, key := range f.fields.MatchKeys(d.Metadata) {
		for _, v := range d.Metadata.Values(key) {
			ts, err := tagger.ParseDate(v, formats(f.format))
			if err != nil {
				continue
			}
			if f.matches(ts) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *DateMetadata) matches(ts time.Time) bool {
	for _, c := range f.conditions {
		if !c.op.eval(ts.Compare(c.date())) {
			return false
		}
	}
	return true
}
