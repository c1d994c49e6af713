package tagger

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
)

// FormatEpoch reads or writes dates as milliseconds since the Unix epoch.
const FormatEpoch = "EPOCH"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// DateFormatConfig configures DateFormat.
type DateFormatConfig struct {
	FromField    string    `mapstructure:"fromField"`
	ToField      string    `mapstructure:"toField"`
	FromFormats  []string  `mapstructure:"fromFormats"`
	ToFormat     string    `mapstructure:"toFormat"`
	KeepBadDates bool      `mapstructure:"keepBadDates"`
	OnSet        doc.OnSet `mapstructure:"onSet"`
}

// DateFormat rewrites date values from one format to another. Without
// FromFormats the input format is detected.
type DateFormat struct {
	cfg    DateFormatConfig
	logger *zap.Logger
}

// NewDateFormat validates cfg.
func NewDateFormat(cfg DateFormatConfig, logger *zap.Logger) (*DateFormat, error) {
	if cfg.FromField == "" {
		return nil, handler.Invalid("date-format", "fromField is required")
	}
	if cfg.ToFormat == "" {
		cfg.ToFormat = time.RFC3339
	}
	if cfg.ToField == "" {
		cfg.ToField = cfg.FromField
		cfg.OnSet = doc.OnSetReplace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DateFormat{cfg: cfg, logger: logger}, nil
}

// Name implements handler.Named.
func (*DateFormat) Name() string { return "date-format" }

// Handle implements handler.Handler.
func (t *DateFormat) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	var out []string
	for _, v := range d.Metadata.Values(t.cfg.FromField) {
		ts, err := ParseDate(v, t.cfg.FromFormats)
		if err != nil {
			t.logger.Debug("unparseable date",
				zap.String("reference", d.Reference),
				zap.String("field", t.cfg.FromField),
				zap.String("value", v),
			)
			if t.cfg.KeepBadDates {
				out = append(out, v)
			}
			continue
		}
		out = append(out, FormatDate(ts, t.cfg.ToFormat))
	}
	if len(out) == 0 {
		if strings.EqualFold(t.cfg.ToField, t.cfg.FromField) {
			d.Metadata.Remove(t.cfg.FromField)
		}
		return nil
	}
	d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, out...)
	return nil
}

// ParseDate parses v with the first matching layout, EPOCH milliseconds, or
// format detection when layouts is empty.
func ParseDate(v string, layouts []string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(layouts) == 0 {
		return dateparse.ParseAny(v)
	}
	var lastErr error
	for _, layout := range layouts {
		if layout == FormatEpoch {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				lastErr = err
				continue
			}
			return time.UnixMilli(ms).UTC(), nil
		}
		ts, err := time.Parse(layout, v)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatDate renders ts with a Go layout or EPOCH.
func FormatDate(ts time.Time, layout string) string {
	if layout == FormatEpoch {
		return strconv.FormatInt(ts.UnixMilli(), 10)
	}
	return ts.Format(layout)
}

// CurrentDateConfig configures CurrentDate.
type CurrentDateConfig struct {
	ToField string    `mapstructure:"toField"`
	Format  string    `mapstructure:"format"`
	OnSet   doc.OnSet `mapstructure:"onSet"`
}

// CurrentDate stamps documents with the time they were processed.
type CurrentDate struct {
	cfg   CurrentDateConfig
	clock Clock
}

// NewCurrentDate applies defaults to cfg.
func NewCurrentDate(cfg CurrentDateConfig, clock Clock) (*CurrentDate, error) {
	if clock == nil {
		return nil, handler.Invalid("current-date", "clock is required")
	}
	if cfg.ToField == "" {
		cfg.ToField = doc.FieldImportedDate
	}
	if cfg.Format == "" {
		cfg.Format = time.RFC3339
	}
	return &CurrentDate{cfg: cfg, clock: clock}, nil
}

// Name implements handler.Named.
func (*CurrentDate) Name() string { return "current-date" }

// Handle implements handler.Handler.
func (t *CurrentDate) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, FormatDate(t.clock.Now(), t.cfg.Format))
	return nil
}
