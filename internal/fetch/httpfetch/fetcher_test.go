package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		fmt.Fprint(w, "<html><body>hello</body></html>")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, Config{RequestHeaders: map[string]string{"X-Test": "yes"}})
	ctx := context.Background()

	resp, err := f.Fetch(ctx, fetch.Request{Reference: srv.URL + "/ok"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", resp.Reason)
	require.Equal(t, "text/html", resp.ContentType)
	require.Equal(t, "utf-8", resp.Charset)
	require.Equal(t, "yes", resp.Headers.Get("X-Echo"))
	require.Contains(t, string(resp.Body), "hello")
	require.Equal(t, Name, resp.Fetcher)

	resp, err = f.Fetch(ctx, fetch.Request{Reference: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNotFound, resp.State)

	resp, err = f.Fetch(ctx, fetch.Request{Reference: srv.URL + "/broken"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateBadStatus, resp.State)
	require.Equal(t, "Internal Server Error", resp.Reason)

	resp, err = f.Fetch(ctx, fetch.Request{Reference: srv.URL + "/ok", Method: fetch.MethodHead})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Empty(t, resp.Body)
}

func TestFetchRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "landed")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := newTestFetcher(t, Config{}).Fetch(context.Background(), fetch.Request{Reference: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateRedirect, resp.State)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, srv.URL+"/new", resp.RedirectTarget)

	resp, err = newTestFetcher(t, Config{FollowRedirects: true}).
		Fetch(context.Background(), fetch.Request{Reference: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, "landed", string(resp.Body))
}

func TestFetchConditional(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		fmt.Fprint(w, "fresh")
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, Config{})
	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: srv.URL, ETag: `"v1"`})
	require.NoError(t, err)
	require.Equal(t, fetch.StateUnmodified, resp.State)

	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: srv.URL, ETag: `"v0"`})
	require.NoError(t, err)
	require.Equal(t, fetch.StateModified, resp.State)

	resp, err = newTestFetcher(t, Config{DisableETag: true}).
		Fetch(context.Background(), fetch.Request{Reference: srv.URL, ETag: `"v1"`})
	require.NoError(t, err)
	require.Equal(t, fetch.StateModified, resp.State)
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	ref := srv.URL
	srv.Close()

	resp, err := newTestFetcher(t, Config{ConnectTimeout: time.Second}).
		Fetch(context.Background(), fetch.Request{Reference: ref})
	require.NoError(t, err)
	require.Equal(t, fetch.StateError, resp.State)
	require.Equal(t, -1, resp.StatusCode)
	require.Error(t, resp.Err)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestFetcher(t, Config{}).Fetch(ctx, fetch.Request{Reference: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCollectorWaitsForCallbacksOnCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var (
		result   fetchResult
		fetchErr error
	)
	collector := f.buildCollector(ctx, fetch.Request{Reference: srv.URL}, time.Now(), &result, &fetchErr)
	var afterReturn atomic.Bool
	returned := make(chan struct{})
	collector.OnError(func(*colly.Response, error) {
		select {
		case <-returned:
			afterReturn.Store(true)
		default:
		}
	})

	err := f.runCollector(ctx, collector, fetch.MethodGet, srv.URL, &fetchErr)
	close(returned)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Error(t, fetchErr)
	require.False(t, afterReturn.Load())
}

func TestAccept(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{Methods: []string{"get"}})
	require.True(t, f.Accept(fetch.Request{Reference: "https://example.com"}))
	require.False(t, f.Accept(fetch.Request{Reference: "https://example.com", Method: fetch.MethodHead}))
	require.False(t, f.Accept(fetch.Request{Reference: "ftp://example.com"}))

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "https://example.com", Method: fetch.MethodHead})
	require.NoError(t, err)
	require.Equal(t, fetch.StateUnsupported, resp.State)
}

func TestBasicAuthChallenge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="members"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "welcome")
	}))
	t.Cleanup(srv.Close)

	auth := AuthConfig{Method: AuthBasic, Username: "alice", Password: "secret", Realm: "members"}
	resp, err := newTestFetcher(t, Config{Auth: auth}).Fetch(context.Background(), fetch.Request{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, "welcome", string(resp.Body))

	auth.Realm = "admins"
	resp, err = newTestFetcher(t, Config{Auth: auth}).Fetch(context.Background(), fetch.Request{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth.Realm = ""
	auth.Host = "elsewhere.example"
	resp, err = newTestFetcher(t, Config{Auth: auth}).Fetch(context.Background(), fetch.Request{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBasicAuthPreemptive(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	cfg := Config{Auth: AuthConfig{Method: AuthBasic, Username: "u", Password: "p", Preemptive: true}}
	resp, err := newTestFetcher(t, cfg).Fetch(context.Background(), fetch.Request{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, int32(1), calls.Load())
}

func TestFormLogin(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<form id="search" action="/search"><input name="q"></form>
<form id="login" action="/do-login" method="post">
<input type="hidden" name="csrf" value="tok">
<input name="user"><input type="password" name="pass">
</form></body></html>`)
	})
	mux.HandleFunc("/do-login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("csrf") != "tok" || r.PostForm.Get("user") != "bob" ||
			r.PostForm.Get("pass") != "pw" || r.PostForm.Get("remember") != "1" {
			http.Error(w, "bad login", http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		fmt.Fprint(w, "logged in")
	})
	mux.HandleFunc("/secret", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "s1" {
			http.Error(w, "login first", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "the secret")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := Config{Auth: AuthConfig{
		Method:        AuthForm,
		URL:           srv.URL + "/login",
		FormSelector:  "#login",
		Username:      "bob",
		Password:      "pw",
		UsernameField: "user",
		PasswordField: "pass",
		FormParams:    map[string]string{"remember": "1"},
	}}
	resp, err := newTestFetcher(t, cfg).Fetch(context.Background(), fetch.Request{Reference: srv.URL + "/secret"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, "the secret", string(resp.Body))
}

func TestDisableSNI(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || r.TLS.ServerName != "" {
			http.Error(w, "sni sent", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "no sni")
	}))
	t.Cleanup(srv.Close)

	resp, err := newTestFetcher(t, Config{DisableSNI: true, TrustAllSSLCertificates: true}).
		Fetch(context.Background(), fetch.Request{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, "no sni", string(resp.Body))

	resp, err = newTestFetcher(t, Config{DisableSNI: true}).
		Fetch(context.Background(), fetch.Request{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, fetch.StateError, resp.State)
}

func TestRedirectTarget(t *testing.T) {
	t.Parallel()

	from, err := url.Parse("http://example.com/dir/page")
	require.NoError(t, err)
	logger := zap.NewNop()

	require.Equal(t, "http://example.com/dir/next",
		redirectTarget(logger, from, http.Header{"Location": {"next"}}))
	require.Equal(t, "https://other.org/x",
		redirectTarget(logger, from, http.Header{"Location": {"https://other.org/x"}}))
	require.Empty(t, redirectTarget(logger, from, http.Header{}))

	latin1 := http.Header{
		"Location":     {"/caf\xe9"},
		"Content-Type": {"text/html; charset=ISO-8859-1"},
	}
	require.Equal(t, "http://example.com/caf%C3%A9", redirectTarget(logger, from, latin1))

	utf := http.Header{"Location": {"/café"}}
	require.Equal(t, "http://example.com/caf%C3%A9", redirectTarget(logger, from, utf))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	_, err := New(Config{Auth: AuthConfig{Method: AuthSPNEGO}}, nil)
	require.ErrorIs(t, err, fetch.ErrUnsupportedAuth)

	_, err = New(Config{TLSMinVersion: "SSLv3"}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Auth: AuthConfig{Method: AuthForm}}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{LocalAddress: "not-an-ip"}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Methods: []string{"DELETE"}}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	v, err := ParseTLSVersion("TLSv1.3")
	require.NoError(t, err)
	require.NotZero(t, v)
}

func TestEncodeForm(t *testing.T) {
	t.Parallel()

	values := url.Values{"name": {"é"}, "a": {"b c"}}
	utf, err := encodeForm(values, "")
	require.NoError(t, err)
	require.Equal(t, "a=b+c&name=%C3%A9", utf)

	latin, err := encodeForm(values, "windows-1252")
	require.NoError(t, err)
	require.Equal(t, "a=b+c&name=%E9", latin)

	_, err = encodeForm(values, "klingon")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHostScopedTransport(t *testing.T) {
	t.Parallel()

	withPort := &hostScopedTransport{host: "example.com:8080"}
	require.True(t, withPort.matches(&url.URL{Host: "EXAMPLE.com:8080"}))
	require.False(t, withPort.matches(&url.URL{Host: "example.com"}))

	hostOnly := &hostScopedTransport{host: "example.com"}
	require.True(t, hostOnly.matches(&url.URL{Host: "example.com:443"}))
	require.True(t, (&hostScopedTransport{}).matches(&url.URL{Host: "any"}))

	realm, ok := basicChallenge(http.Header{"Www-Authenticate": {`Digest realm="x"`, `Basic realm="shop"`}})
	require.True(t, ok)
	require.Equal(t, "shop", realm)
	_, ok = basicChallenge(http.Header{"Www-Authenticate": {`Bearer`}})
	require.False(t, ok)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{})
	req := fetch.Request{
		Reference:    "https://example.com",
		Headers:      http.Header{"X-Trace": {"yes"}},
		LastModified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	var (
		result   fetchResult
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", collyReq.Headers.Get("If-Modified-Since"))

	u, err := url.Parse("https://example.com")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusTeapot,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, fetch.StateBadStatus, result.State)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))
	require.Equal(t, "example.com", result.finalHost())

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
