package doc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataCaseInsensitive(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Add("Title", "first")
	md.Add("TITLE", "second")

	require.Equal(t, "first", md.Get("title"))
	require.Equal(t, []string{"first", "second"}, md.Values("tItLe"))
	require.Equal(t, []string{"Title"}, md.Keys())
	require.True(t, md.Has("title"))
}

func TestMetadataValuesIsCopy(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Set("k", "a", "b")
	vals := md.Values("k")
	vals[0] = "mutated"
	require.Equal(t, "a", md.Get("k"))
}

func TestMetadataSetEmptyRemoves(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Set("k", "v")
	md.Set("K")
	require.False(t, md.Has("k"))
	require.Zero(t, md.Len())
}

func TestMetadataOrderAndRemove(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Add("b", "1")
	md.Add("a", "2")
	md.Add("c", "3")
	require.Equal(t, []string{"2"}, md.Remove("A"))
	require.Equal(t, []string{"b", "c"}, md.Keys())
	require.Nil(t, md.Remove("missing"))
}

func TestMetadataSetWith(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		onSet OnSet
		want  []string
	}{
		{name: "append", onSet: OnSetAppend, want: []string{"old", "new"}},
		{name: "prepend", onSet: OnSetPrepend, want: []string{"new", "old"}},
		{name: "replace", onSet: OnSetReplace, want: []string{"new"}},
		{name: "optional keeps", onSet: OnSetOptional, want: []string{"old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			md := NewMetadata()
			md.Set("f", "old")
			md.SetWith("f", tt.onSet, "new")
			require.Equal(t, tt.want, md.Values("f"))
		})
	}
}

func TestMetadataOptionalFillsBlank(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Set("f", "  ")
	md.SetWith("f", OnSetOptional, "filled")
	require.Equal(t, []string{"filled"}, md.Values("f"))
}

func TestMetadataRename(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Set("from", "v1")
	md.Set("to", "v0")
	md.Rename("FROM", "to", OnSetAppend)
	require.False(t, md.Has("from"))
	require.Equal(t, []string{"v0", "v1"}, md.Values("to"))

	md.Rename("to", "To", OnSetAppend)
	require.Equal(t, []string{"To"}, md.Keys())
}

func TestMetadataJSON(t *testing.T) {
	t.Parallel()

	md := NewMetadata()
	md.Add("Title", "hello")
	md.Add("empty")
	data, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Title":["hello"],"empty":[]}`, string(data))

	decoded := NewMetadata()
	require.NoError(t, json.Unmarshal([]byte(`{"a":"one","b":["x","y"]}`), decoded))
	require.Equal(t, "one", decoded.Get("A"))
	require.Equal(t, []string{"x", "y"}, decoded.Values("b"))
}

func TestNilMetadataReads(t *testing.T) {
	t.Parallel()

	var md *Metadata
	require.Empty(t, md.Get("x"))
	require.Nil(t, md.Values("x"))
	require.Zero(t, md.Len())
	require.NotNil(t, md.Clone())
}

func TestParseOnSet(t *testing.T) {
	t.Parallel()

	got, err := ParseOnSet("")
	require.NoError(t, err)
	require.Equal(t, OnSetAppend, got)
	got, err = ParseOnSet("Replace")
	require.NoError(t, err)
	require.Equal(t, OnSetReplace, got)
	_, err = ParseOnSet("bogus")
	require.Error(t, err)
}

func TestIsHTMLType(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTMLType("text/html; charset=UTF-8"))
	require.True(t, IsHTMLType("application/xhtml+xml"))
	require.False(t, IsHTMLType("application/pdf"))
}
