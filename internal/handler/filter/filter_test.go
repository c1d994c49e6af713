package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
	"github.com/JakeFAU/webimporter/internal/textmatch"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func matches(t *testing.T, f handler.Filter, d *doc.Document) bool {
	t.Helper()
	ok, err := f.Filter(context.Background(), d, doc.PostParse)
	require.NoError(t, err)
	return ok
}

func withMeta(kv ...string) *doc.Document {
	d := doc.New("http://example.com/page", nil)
	for i := 0; i+1 < len(kv); i += 2 {
		d.Metadata.Add(kv[i], kv[i+1])
	}
	return d
}

func TestReference(t *testing.T) {
	t.Parallel()

	f, err := NewReference(ReferenceConfig{
		ValueMatcher: textmatch.MustNew(`.*\.pdf$`, textmatch.Regex, true),
		OnMatch:      "exclude",
	})
	require.NoError(t, err)
	require.Equal(t, handler.Exclude, f.OnMatch())
	require.True(t, matches(t, f, doc.New("http://x/a.PDF", nil)))
	require.False(t, matches(t, f, doc.New("http://x/a.html", nil)))

	_, err = NewReference(ReferenceConfig{})
	require.ErrorIs(t, err, handler.ErrInvalidConfig)
	_, err = NewReference(ReferenceConfig{ValueMatcher: textmatch.BasicIgnoreCase("x"), OnMatch: "maybe"})
	require.ErrorIs(t, err, handler.ErrInvalidConfig)
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	f, err := NewMetadata(MetadataConfig{
		FieldMatcher: textmatch.BasicIgnoreCase("category"),
		ValueMatcher: textmatch.MustNew("news*", textmatch.Wildcard, false),
	})
	require.NoError(t, err)
	require.Equal(t, handler.Include, f.OnMatch())
	require.True(t, matches(t, f, withMeta("Category", "sports", "category", "newsroom")))
	require.False(t, matches(t, f, withMeta("category", "sports")))
	require.False(t, matches(t, f, withMeta("other", "news")))

	mixedCase, err := NewMetadata(MetadataConfig{
		FieldMatcher: textmatch.BasicIgnoreCase("category"),
		ValueMatcher: &textmatch.Matcher{Pattern: "news*", Method: "Wildcard"},
	})
	require.NoError(t, err)
	require.True(t, matches(t, mixedCase, withMeta("category", "newsroom")))
	require.False(t, matches(t, mixedCase, withMeta("category", "the newsroom")))
}

func TestEmptyMetadata(t *testing.T) {
	t.Parallel()

	f, err := NewEmptyMetadata(EmptyMetadataConfig{FieldMatcher: textmatch.BasicIgnoreCase("title")})
	require.NoError(t, err)
	require.True(t, matches(t, f, withMeta()))
	require.True(t, matches(t, f, withMeta("title", "  ")))
	require.False(t, matches(t, f, withMeta("title", "", "title", "Hello")))
}

func TestText(t *testing.T) {
	t.Parallel()

	f, err := NewText(TextConfig{ValueMatcher: textmatch.MustNew(`lorem\s+ipsum`, textmatch.Regex, true)})
	require.NoError(t, err)
	require.True(t, matches(t, f, doc.New("r", []byte("Some LOREM  ipsum text"))))
	require.False(t, matches(t, f, doc.New("r", []byte("nothing here"))))

	onField, err := NewText(TextConfig{
		FieldMatcher: textmatch.BasicIgnoreCase("summary"),
		ValueMatcher: textmatch.BasicIgnoreCase("draft"),
	})
	require.NoError(t, err)
	require.True(t, matches(t, onField, withMeta("summary", "This is a DRAFT copy")))
	require.False(t, matches(t, onField, doc.New("r", []byte("draft"))))
}

func TestDOM(t *testing.T) {
	t.Parallel()

	page := []byte(`<html><body><meta name="robots" content="noindex"><div id="main">Hello</div></body></html>`)

	exists, err := NewDOM(DOMConfig{Selector: "#main"})
	require.NoError(t, err)
	require.True(t, matches(t, exists, doc.New("r", page)))

	robots, err := NewDOM(DOMConfig{
		Selector:     `meta[name="robots"]`,
		Extract:      "attr(content)",
		ValueMatcher: textmatch.BasicIgnoreCase("noindex"),
		OnMatch:      "exclude",
	})
	require.NoError(t, err)
	require.True(t, matches(t, robots, doc.New("r", page)))

	pdf := doc.New("r", page)
	pdf.ContentType = "application/pdf"
	require.False(t, matches(t, exists, pdf))

	_, err = NewDOM(DOMConfig{Selector: "p", Extract: "bogus"})
	require.ErrorIs(t, err, handler.ErrInvalidConfig)
}

func TestNumericMetadata(t *testing.T) {
	t.Parallel()

	f, err := NewNumericMetadata(NumericMetadataConfig{
		FieldMatcher: textmatch.BasicIgnoreCase("price"),
		Conditions: []NumericCondition{
			{Operator: "ge", Number: 10},
			{Operator: "lt", Number: 20},
		},
	})
	require.NoError(t, err)
	require.True(t, matches(t, f, withMeta("price", "abc", "price", "15.5")))
	require.False(t, matches(t, f, withMeta("price", "20")))
	require.False(t, matches(t, f, withMeta("price", "9.99")))

	_, err = NewNumericMetadata(NumericMetadataConfig{
		FieldMatcher: textmatch.BasicIgnoreCase("price"),
		Conditions:   []NumericCondition{{Operator: "around"}},
	})
	require.ErrorIs(t, err, handler.ErrInvalidConfig)
}

func TestDateMetadata(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)}
	f, err := NewDateMetadata(DateMetadataConfig{
		FieldMatcher: textmatch.BasicIgnoreCase("published"),
		Format:       "2006-01-02",
		Conditions: []DateCondition{
			{Operator: "ge", Date: "TODAY-7D"},
			{Operator: "lt", Date: "NOW"},
		},
	}, clock)
	require.NoError(t, err)
	require.True(t, matches(t, f, withMeta("published", "2024-06-08")))
	require.True(t, matches(t, f, withMeta("published", "2024-06-15")))
	require.False(t, matches(t, f, withMeta("published", "2024-06-07")))
	require.False(t, matches(t, f, withMeta("published", "2024-06-16")))
	require.False(t, matches(t, f, withMeta("published", "not a date")))
}

func TestDateProvider(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)
	clock := fixedClock{now: now}
	tests := []struct {
		spec string
		want time.Time
	}{
		{"NOW", now},
		{"TODAY", time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{"NOW-1Y", now.AddDate(-1, 0, 0)},
		{"NOW+2M", now.AddDate(0, 2, 0)},
		{"TODAY - 3D", time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC)},
		{"NOW+4h", now.Add(4 * time.Hour)},
		{"NOW-5m*", now.Add(-5 * time.Minute)},
		{"NOW+6s", now.Add(6 * time.Second)},
		{"2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		provider, err := newDateProvider(tt.spec, "2006-01-02", clock)
		require.NoError(t, err, tt.spec)
		require.True(t, tt.want.Equal(provider()), "%s: got %s", tt.spec, provider())
	}

	_, err := newDateProvider("yesterday-ish", "2006-01-02", clock)
	require.Error(t, err)
}

func TestOperatorEval(t *testing.T) {
	t.Parallel()

	require.True(t, GT.eval(1))
	require.False(t, GT.eval(0))
	require.True(t, GE.eval(0))
	require.True(t, LT.eval(-1))
	require.True(t, LE.eval(0))
	require.True(t, EQ.eval(0))
	require.False(t, EQ.eval(1))

	op, err := parseOperator("")
	require.NoError(t, err)
	require.Equal(t, EQ, op)
}
