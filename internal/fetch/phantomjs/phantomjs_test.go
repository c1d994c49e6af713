package phantomjs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

// helperCommand runs this test binary as a fake PhantomJS acting out mode.
func helperCommand(mode string) commander {
	return func(ctx context.Context, _ string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", mode}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	mode, rest := args[1], args[2:]
	var outFile string
	for i, a := range rest {
		if strings.HasSuffix(a, ".js") {
			outFile = rest[i+2]
			break
		}
	}
	switch mode {
	case "ok":
		fmt.Println("HEADER:content-type=text/html; charset=UTF-8")
		fmt.Println("HEADER:X-Test=a=b")
		fmt.Println("HEADER:x-test=ignored")
		fmt.Println("STATUS:200")
		fmt.Println("STATUSTEXT:OK")
		fmt.Println("[DEBUG] rendered")
		_ = os.WriteFile(outFile, []byte("<html><body><p>rendered</p></body></html>"), 0o600)
	case "pdf":
		fmt.Println("CONTENTTYPE:application/pdf")
		fmt.Println("STATUS:200")
		_ = os.WriteFile(outFile, []byte("%PDF-1.4\n"), 0o600)
	case "notfound":
		fmt.Println("STATUS:404")
		fmt.Println("STATUSTEXT:Not Found")
	case "redirect":
		fmt.Println("STATUS:301")
		fmt.Println("REDIRECT:http://example.com/next")
	case "crash":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(3)
	case "reference-error":
		fmt.Println("ReferenceError: Can't find variable: x")
		time.Sleep(30 * time.Second)
	case "sleep":
		time.Sleep(30 * time.Second)
	}
	os.Exit(0)
}

type stubFallback struct {
	mu          sync.Mutex
	contentType string
	methods     []string
}

func (s *stubFallback) Name() string              { return "stub" }
func (s *stubFallback) Accept(fetch.Request) bool { return true }

func (s *stubFallback) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	s.mu.Lock()
	s.methods = append(s.methods, req.EffectiveMethod())
	s.mu.Unlock()
	return fetch.Response{State: fetch.StateNew, StatusCode: 200, ContentType: s.contentType, Fetcher: "stub"}, nil
}

func newTestFetcher(t *testing.T, cfg Config, mode string, fallback fetch.Fetcher) *Fetcher {
	t.Helper()
	cfg.ExePath = os.Args[0]
	f, err := New(context.Background(), cfg, fallback, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	f.command = helperCommand(mode)
	return f
}

func TestFetchRendersPage(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{}, "ok", nil)
	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "OK", resp.Reason)
	require.Equal(t, "text/html", resp.ContentType)
	require.Equal(t, "UTF-8", resp.Charset)
	require.Equal(t, "a=b", resp.Headers.Get("X-Test"))
	require.Contains(t, string(resp.Body), "rendered")
	require.Equal(t, Name, resp.Fetcher)
}

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode   string
		state  fetch.State
		status int
	}{
		{mode: "notfound", state: fetch.StateNotFound, status: 404},
		{mode: "redirect", state: fetch.StateRedirect, status: 301},
		{mode: "crash", state: fetch.StateBadStatus, status: 3},
		{mode: "reference-error", state: fetch.StateBadStatus, status: -1},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			t.Parallel()
			f := newTestFetcher(t, Config{}, tt.mode, nil)
			resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/"})
			require.NoError(t, err)
			require.Equal(t, tt.state, resp.State)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Empty(t, resp.Body)
		})
	}
}

func TestFetchCrashReason(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{}, "crash", nil)
	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "PhantomJS execution failed with exit code 3", resp.Reason)
}

func TestFetchRedirectTarget(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{}, "redirect", nil)
	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "http://example.com/next", resp.RedirectTarget)
}

func TestFetchNonHTMLUsesFallback(t *testing.T) {
	t.Parallel()

	// Known before rendering: PhantomJS must not run.
	early := &stubFallback{contentType: "application/pdf"}
	f := newTestFetcher(t, Config{}, "crash", early)
	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/a.pdf"})
	require.NoError(t, err)
	require.Equal(t, "stub", resp.Fetcher)
	require.Equal(t, []string{fetch.MethodHead, fetch.MethodGet}, early.methods)

	// Only known after rendering.
	late := &stubFallback{}
	f = newTestFetcher(t, Config{}, "pdf", late)
	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/b"})
	require.NoError(t, err)
	require.Equal(t, "stub", resp.Fetcher)
	require.Equal(t, []string{fetch.MethodHead, fetch.MethodGet}, late.methods)

	// HTML stays with PhantomJS.
	html := &stubFallback{contentType: "text/html"}
	f = newTestFetcher(t, Config{}, "ok", html)
	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/c"})
	require.NoError(t, err)
	require.Equal(t, Name, resp.Fetcher)
	require.Equal(t, []string{fetch.MethodHead}, html.methods)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{}, "sleep", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, fetch.Request{Reference: "http://example.com/"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptAndUnsupported(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{ReferencePattern: `https?://example\.com/.*`}, "ok", nil)
	require.True(t, f.Accept(fetch.Request{Reference: "http://example.com/page"}))
	require.False(t, f.Accept(fetch.Request{Reference: "http://other.com/page"}))
	require.False(t, f.Accept(fetch.Request{Reference: "http://example.com/page", Method: "HEAD"}))
	require.False(t, f.Accept(fetch.Request{Reference: "ftp://example.com/page"}))

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/", Method: "POST"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateUnsupported, resp.State)
	require.Equal(t, -1, resp.StatusCode)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(context.Background(), Config{ExePath: os.Args[0], ReferencePattern: "("}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(context.Background(), Config{ExePath: os.Args[0], ScriptPath: t.TempDir()}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	f, err := New(context.Background(), Config{ExePath: os.Args[0]}, nil, nil)
	require.NoError(t, err)
	script, err := os.ReadFile(f.scriptPath)
	require.NoError(t, err)
	require.Equal(t, renderScript, script)
	require.NoError(t, f.Close())
	_, err = os.Stat(f.scriptPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestArgs(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{
		Options:         []string{"--disk-cache=true"},
		RenderWaitTime:  1500 * time.Millisecond,
		ResourceTimeout: 2 * time.Second,
		Screenshot:      Screenshot{Enabled: true, Dimensions: "800x600", ZoomFactor: 0.5},
	}, "ok", nil)
	args := f.args(invocation{
		url:        "https://example.com/",
		protocol:   "https",
		outFile:    "/tmp/out",
		cookies:    "/tmp/cookies.txt",
		screenshot: "/tmp/shot.png",
	})
	require.Equal(t, []string{
		"--ssl-protocol=any",
		"--ignore-ssl-errors=true",
		"--web-security=false",
		"--cookies-file=/tmp/cookies.txt",
		"--load-images=true",
		"--disk-cache=true",
		f.scriptPath,
		"https://example.com/",
		"/tmp/out",
		"1500",
		"-1",
		"https",
		"/tmp/shot.png",
		"800x600",
		"0.5",
		"2000",
	}, args)
}

func TestOutputParse(t *testing.T) {
	t.Parallel()

	o := newOutput()
	require.False(t, o.parse("HEADER:Content-Type=text/html; charset=ISO-8859-1", false))
	require.False(t, o.parse("HEADER:broken", false))
	require.False(t, o.parse("STATUS:abc", false))
	require.Equal(t, -1, o.status)
	require.False(t, o.parse("STATUS: 503 ", false))
	require.False(t, o.parse("STATUSTEXT:Service Unavailable", false))
	require.False(t, o.parse("CONTENTTYPE:application/xhtml+xml", false))
	require.False(t, o.parse("something on stderr", true))
	require.False(t, o.parse("plain info", false))
	require.True(t, o.parse("ReferenceError: boom", false))

	resp := o.response()
	require.Equal(t, 503, resp.StatusCode)
	require.Equal(t, "Service Unavailable", resp.Reason)
	require.Equal(t, "text/html", resp.ContentType)
	require.Equal(t, "ISO-8859-1", resp.Charset)
	require.Len(t, resp.Headers, 1)
	require.Equal(t, []string{"something on stderr", "ReferenceError: boom"}, o.errs)
	require.Equal(t, []string{"plain info"}, o.info)

	o = newOutput()
	o.parse("CONTENTTYPE:application/xhtml+xml", false)
	require.Equal(t, "application/xhtml+xml", o.response().ContentType)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{}, "ok", nil)
	require.True(t, f.isHTML("text/html; charset=UTF-8"))
	require.True(t, f.isHTML("application/xhtml+xml"))
	require.False(t, f.isHTML("application/pdf"))
	require.False(t, f.isHTML("text/html-fragment"))
}

func TestScalePNG(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 5, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	scaled, err := scalePNG(buf.Bytes(), 10, 10)
	require.NoError(t, err)
	out, err := png.Decode(bytes.NewReader(scaled))
	require.NoError(t, err)
	require.Equal(t, 10, out.Bounds().Dx())
	require.Equal(t, 5, out.Bounds().Dy())

	same, err := scalePNG(buf.Bytes(), 100, 100)
	require.NoError(t, err)
	require.Equal(t, buf.Bytes(), same)

	_, err = scalePNG([]byte("not a png"), 10, 10)
	require.Error(t, err)
}
