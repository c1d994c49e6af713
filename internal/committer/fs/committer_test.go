package fs

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/webimporter/internal/committer"
)

func TestCommitterJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := New(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	entry := committer.Entry{
		Reference: "https://example.com/a",
		Metadata:  map[string][]string{"title": {"A"}},
		Content:   "body",
	}
	require.NoError(t, c.Upsert(ctx, entry))

	path, err := c.Path(entry.Reference)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got committer.Entry
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, entry.Reference, got.Reference)
	require.Equal(t, []string{"A"}, got.Metadata["title"])

	require.NoError(t, c.Delete(ctx, entry.Reference))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, c.Delete(ctx, entry.Reference))
}

func TestCommitterYAML(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Dir: t.TempDir(), Format: FormatYAML}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Upsert(context.Background(), committer.Entry{Reference: "file:///tmp/x.txt", Content: "hello"}))

	path, err := c.Path("file:///tmp/x.txt")
	require.NoError(t, err)
	require.Contains(t, path, ".yaml")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got committer.Entry
	require.NoError(t, yaml.Unmarshal(raw, &got))
	require.Equal(t, "hello", got.Content)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Dir: t.TempDir(), Format: "xml"}, nil)
	require.Error(t, err)
}
