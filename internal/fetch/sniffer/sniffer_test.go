package sniffer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tebeka/selenium"
)

func startSniffer(t *testing.T, cfg Config) *Sniffer {
	t.Helper()
	cfg.Host = "127.0.0.1"
	s, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func proxiedClient(t *testing.T, s *Sniffer) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + s.Addr())
	require.NoError(t, err)
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
}

func TestSnifferCapturesBoundURL(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Agent", r.Header.Get("User-Agent"))
		w.Header().Set("X-Seen-Token", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "<html></html>")
	}))
	t.Cleanup(backend.Close)

	s := startSniffer(t, Config{UserAgent: "sniffer-agent", RequestHeaders: map[string]string{"X-Token": "t1"}})
	c, err := s.Bind(backend.URL)
	require.NoError(t, err)

	_, err = s.Bind(backend.URL + "/")
	require.ErrorIs(t, err, ErrAlreadyBound)

	resp, err := proxiedClient(t, s).Get(backend.URL + "/")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())

	result := s.Unbind(c)
	require.True(t, result.Captured)
	require.Equal(t, http.StatusAccepted, result.StatusCode)
	require.Equal(t, "Accepted", result.Reason)
	require.Equal(t, "sniffer-agent", result.Headers.Get("X-Seen-Agent"))
	require.Equal(t, "t1", result.Headers.Get("X-Seen-Token"))
	require.Equal(t, "text/html; charset=utf-8", result.Headers.Get("Content-Type"))

	again, err := s.Bind(backend.URL)
	require.NoError(t, err)
	require.False(t, s.Unbind(again).Captured)
}

func TestSnifferIgnoresUnboundURLs(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "asset")
	}))
	t.Cleanup(backend.Close)

	s := startSniffer(t, Config{})
	c, err := s.Bind(backend.URL + "/page")
	require.NoError(t, err)

	resp, err := proxiedClient(t, s).Get(backend.URL + "/style.css")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.False(t, s.Unbind(c).Captured)
}

func TestSnifferRejectsLargeBodies(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	s := startSniffer(t, Config{MaxBufferSize: 4})
	resp, err := proxiedClient(t, s).Post(backend.URL, "text/plain", strings.NewReader("too large"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSnifferBrowserSettings(t *testing.T) {
	t.Parallel()

	s := startSniffer(t, Config{})
	caps := selenium.Capabilities{}
	s.ConfigureSelenium(caps)
	require.Equal(t, true, caps["acceptInsecureCerts"])
	proxy, ok := caps["proxy"].(selenium.Proxy)
	require.True(t, ok)
	require.Equal(t, s.Addr(), proxy.HTTP)
	require.Equal(t, selenium.ProxyType(selenium.Manual), proxy.Type)

	args := s.ChromeArgs()
	require.Contains(t, args, "--proxy-server="+s.Addr())
	require.Contains(t, args, "--proxy-bypass-list=<-loopback>")
}

func TestBindBeforeStart(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil)
	require.NoError(t, err)
	_, err = s.Bind("http://example.com")
	require.ErrorIs(t, err, ErrNotStarted)
	require.Empty(t, s.Addr())
	require.NoError(t, s.Close())
}

func TestSnifferStartThenCloseImmediately(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		s, err := New(Config{Host: "127.0.0.1"}, nil)
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Close())
		require.Empty(t, s.Addr())
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "http://example.com/", normalizeURL("HTTP://Example.com:80"))
	require.Equal(t, "https://example.com/a?b=1", normalizeURL("https://example.com:443/a?b=1#frag"))
	require.Equal(t, "http://example.com:8080/", normalizeURL("http://example.com:8080"))
}
