package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/fetch/file"
	"github.com/JakeFAU/webimporter/internal/jobs"
)

const testConfig = `
logging:
  level: error
progress:
  prometheus: false
rate_limit:
  default_rps: 0
fetch:
  retries: 0
committers:
  memory: true
templates:
  docs:
    references: ["https://example.com/docs"]
    tags:
      team: docs
    options:
      max_redirects: 2
`

func writeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o750))
	for _, name := range []string{"one.html", "a/two.html", "a/b/three.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("<p>"+name+"</p>"), 0o600))
	}
	return dir
}

func TestExpandReferences(t *testing.T) {
	t.Parallel()

	dir := writeTree(t)

	refs, err := expandReferences([]string{"https://example.com/x", filepath.Join(dir, "one.html")})
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/x", file.Reference(filepath.Join(dir, "one.html"))}, refs)

	refs, err = expandReferences([]string{filepath.Join(dir, "**", "*.html")})
	require.NoError(t, err)
	sort.Strings(refs)
	require.Equal(t, []string{
		file.Reference(filepath.Join(dir, "a", "two.html")),
		file.Reference(filepath.Join(dir, "one.html")),
	}, refs)

	refs, err = expandReferences([]string{dir})
	require.NoError(t, err)
	require.Len(t, refs, 3)

	_, err = expandReferences([]string{filepath.Join(dir, "missing.html")})
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = expandReferences([]string{filepath.Join(dir, "*.pdf")})
	require.ErrorContains(t, err, "no files match")
}

func TestImportOptionsParameters(t *testing.T) {
	t.Parallel()

	templates := map[string]jobs.Parameters{
		"docs": {
			References: []string{"https://example.com/docs"},
			Tags:       map[string]string{"team": "docs"},
			Options:    jobs.Options{MaxRedirects: 2, StoreContent: true},
		},
	}

	opts := &importOptions{template: "docs", tags: map[string]string{"run": "manual"}, useBrowser: true}
	params, err := opts.parameters(templates, []string{"https://example.com/extra"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/docs", "https://example.com/extra"}, params.References)
	require.Equal(t, map[string]string{"team": "docs", "run": "manual"}, params.Tags)
	require.Equal(t, 2, params.Options.MaxRedirects)
	require.True(t, params.Options.StoreContent)
	require.True(t, params.Options.UseBrowser)
	require.Equal(t, []string{"https://example.com/docs"}, templates["docs"].References)

	opts = &importOptions{followRedirects: true, maxRedirects: 7}
	params, err = opts.parameters(nil, []string{"https://example.com"}, false)
	require.NoError(t, err)
	require.True(t, params.Options.FollowRedirects)
	require.Equal(t, 7, params.Options.MaxRedirects)

	_, err = (&importOptions{template: "nope"}).parameters(templates, nil, false)
	require.ErrorContains(t, err, "unknown template")

	_, err = (&importOptions{}).parameters(nil, nil, false)
	require.ErrorContains(t, err, "no references")
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath, "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t)
	out, err := runRoot(t, "import", "--tag", "source=test", filepath.Join(dir, "**", "*.html"))
	require.NoError(t, err)

	var result jobs.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, jobs.StatusSucceeded, result.Job.Status)
	require.Equal(t, 2, result.Job.Counters.Accepted)
	require.Equal(t, "test", result.Job.Parameters.Tags["source"])
	require.Len(t, result.Documents, 2)
}

func TestFetchCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t)
	ref := file.Reference(filepath.Join(dir, "one.html"))

	out, err := runRoot(t, "fetch", ref)
	require.NoError(t, err)
	var summary fetchSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, file.Name, summary.Fetcher)
	require.Equal(t, len("<p>one.html</p>"), summary.BodyBytes)

	out, err = runRoot(t, "fetch", "--body", ref)
	require.NoError(t, err)
	require.Equal(t, "<p>one.html</p>", out)
}

func TestRootRejectsBadConfig(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "fetch", "x"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "load config")
}
