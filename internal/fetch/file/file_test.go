package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFetch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	page := filepath.Join(dir, "page.html")
	writeFile(t, page, "<!DOCTYPE html><html><head><title>x</title></head><body>hi</body></html>")

	f := New(0, nil)
	ref := Reference(page)
	require.True(t, f.Accept(fetch.Request{Reference: ref}))

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: ref})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, "text/html", resp.ContentType)
	require.Contains(t, string(resp.Body), "hi")
	require.NotEmpty(t, resp.Headers.Get("Last-Modified"))

	head, err := f.Fetch(context.Background(), fetch.Request{Reference: page, Method: fetch.MethodHead})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, head.State)
	require.Empty(t, head.Body)

	info, err := os.Stat(page)
	require.NoError(t, err)
	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: ref, LastModified: info.ModTime()})
	require.NoError(t, err)
	require.Equal(t, fetch.StateUnmodified, resp.State)

	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: ref, LastModified: info.ModTime().Add(-time.Hour)})
	require.NoError(t, err)
	require.Equal(t, fetch.StateModified, resp.State)
}

func TestFetchFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := New(4, nil)

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: filepath.Join(dir, "missing.txt")})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNotFound, resp.State)

	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: dir})
	require.NoError(t, err)
	require.Equal(t, fetch.StateBadStatus, resp.State)

	big := filepath.Join(dir, "big.txt")
	writeFile(t, big, "more than four bytes")
	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: big})
	require.NoError(t, err)
	require.Equal(t, fetch.StateBadStatus, resp.State)
	require.Equal(t, 413, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, fetch.Request{Reference: big})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ref  string
		path string
		ok   bool
	}{
		{ref: "file:///tmp/a.txt", path: filepath.FromSlash("/tmp/a.txt"), ok: true},
		{ref: "file://localhost/tmp/a.txt", path: filepath.FromSlash("/tmp/a.txt"), ok: true},
		{ref: "file://remote/tmp/a.txt"},
		{ref: "/var/data/a:b.txt", path: "/var/data/a:b.txt", ok: true},
		{ref: "relative/doc.txt", path: "relative/doc.txt", ok: true},
		{ref: "https://example.com/"},
		{ref: "mailto:someone@example.com"},
		{ref: ""},
	}
	for _, tt := range tests {
		path, ok := Path(tt.ref)
		require.Equal(t, tt.ok, ok, tt.ref)
		require.Equal(t, tt.path, path, tt.ref)
	}

	f := New(0, nil)
	require.False(t, f.Accept(fetch.Request{Reference: "/tmp/x", Method: fetch.MethodPost}))
}

func TestExpand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.html"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.html"), "b")
	writeFile(t, filepath.Join(dir, "sub", "deep", "c.txt"), "c")

	refs, err := Expand([]string{filepath.Join(dir, "**", "*.html")})
	require.NoError(t, err)
	require.Equal(t, []string{
		Reference(filepath.Join(dir, "a.html")),
		Reference(filepath.Join(dir, "sub", "b.html")),
	}, refs)

	refs, err = Expand([]string{filepath.Join(dir, "sub"), filepath.Join(dir, "sub", "b.html")})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		Reference(filepath.Join(dir, "sub", "b.html")),
		Reference(filepath.Join(dir, "sub", "deep", "c.txt")),
	}, refs)
}
