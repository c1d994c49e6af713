// Package sniffer runs a local MITM proxy that records the status line and
// headers of documents loaded by a browser.
package sniffer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/tebeka/selenium"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

var (
	// ErrAlreadyBound is returned when a URL is bound twice.
	ErrAlreadyBound = errors.New("url already bound to sniffer")
	// ErrNotStarted is returned when the proxy is not listening.
	ErrNotStarted = errors.New("sniffer not started")
)

// Config controls the proxy.
type Config struct {
	Host           string              `mapstructure:"host"`
	Port           int                 `mapstructure:"port"`
	UserAgent      string              `mapstructure:"userAgent"`
	RequestHeaders map[string]string   `mapstructure:"requestHeaders"`
	MaxBufferSize  int64               `mapstructure:"maxBufferSize"`
	Upstream       fetch.ProxySettings `mapstructure:"upstream"`
}

// Result is what the proxy saw for a bound URL.
type Result struct {
	StatusCode int
	Reason     string
	Headers    http.Header
	// Captured is false when no response for the URL went through the proxy.
	Captured bool
}

// Capture is a live binding returned by Bind.
type Capture struct {
	url    string
	mu     sync.Mutex
	result Result
}

func (c *Capture) record(resp *http.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result.Captured {
		return
	}
	c.result = Result{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Headers:    resp.Header.Clone(),
		Captured:   true,
	}
}

func (c *Capture) snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Sniffer is a MITM proxy browsers are pointed at.
type Sniffer struct {
	cfg    Config
	logger *zap.Logger
	proxy  *goproxy.ProxyHttpServer

	mu       sync.Mutex
	bindings map[string]*Capture
	listener net.Listener
	server   *http.Server
}

// New builds a sniffer. Call Start before binding URLs.
func New(cfg Config, logger *zap.Logger) (*Sniffer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	upstream, err := cfg.Upstream.Func()
	if err != nil {
		return nil, err
	}
	s := &Sniffer{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "sniffer")),
		bindings: make(map[string]*Capture),
	}

	p := goproxy.NewProxyHttpServer()
	p.Logger = printfLogger{s.logger.Sugar()}
	p.Tr = &http.Transport{
		Proxy:                 upstream,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // upstream certificates are trusted
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	p.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	p.OnRequest().DoFunc(s.onRequest)
	p.OnResponse().DoFunc(s.onResponse)
	s.proxy = p
	return s, nil
}

// Start listens on the configured host and port. Port 0 picks a free port.
func (s *Sniffer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("sniffer listen: %w", err)
	}
	srv := &http.Server{Handler: s.proxy, ReadHeaderTimeout: 30 * time.Second}
	s.listener = ln
	s.server = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("sniffer stopped", zap.Error(err))
		}
	}()
	s.logger.Info("sniffer started for http response header capture", zap.String("addr", s.addrLocked()))
	return nil
}

// Addr returns host:port browsers should use as their proxy.
func (s *Sniffer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrLocked()
}

func (s *Sniffer) addrLocked() string {
	if s.listener == nil {
		return ""
	}
	_, port, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return ""
	}
	return net.JoinHostPort(s.cfg.Host, port)
}

// Bind starts recording the first response for rawURL.
func (s *Sniffer) Bind(rawURL string) (*Capture, error) {
	key := normalizeURL(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil, ErrNotStarted
	}
	if _, ok := s.bindings[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, rawURL)
	}
	c := &Capture{url: key}
	s.bindings[key] = c
	return c, nil
}

// Unbind stops recording and returns what was captured.
func (s *Sniffer) Unbind(c *Capture) Result {
	if c == nil {
		return Result{}
	}
	s.mu.Lock()
	if s.bindings[c.url] == c {
		delete(s.bindings, c.url)
	}
	s.mu.Unlock()
	return c.snapshot()
}

// Close stops the proxy.
func (s *Sniffer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return fmt.Errorf("sniffer shutdown: %w", err)
	}
	return nil
}

// ConfigureSelenium points a WebDriver session at the proxy.
func (s *Sniffer) ConfigureSelenium(caps selenium.Capabilities) {
	addr := s.Addr()
	caps.AddProxy(selenium.Proxy{
		Type: selenium.Manual,
		HTTP: addr,
		SSL:  addr,
	})
	caps["acceptInsecureCerts"] = true
}

// ChromeArgs returns the command line flags routing Chrome through the
// proxy, loopback included.
func (s *Sniffer) ChromeArgs() []string {
	return []string{
		"--proxy-server=" + s.Addr(),
		"--proxy-bypass-list=<-loopback>",
		"--ignore-certificate-errors",
	}
}

func (s *Sniffer) onRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if s.cfg.MaxBufferSize > 0 && r.ContentLength > s.cfg.MaxBufferSize {
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusRequestEntityTooLarge,
			"request body exceeds sniffer buffer size")
	}
	for k, v := range s.cfg.RequestHeaders {
		r.Header.Set(k, v)
	}
	if s.cfg.UserAgent != "" {
		r.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	return r, nil
}

func (s *Sniffer) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || ctx == nil || ctx.Req == nil {
		return resp
	}
	key := normalizeURL(ctx.Req.URL.String())
	s.mu.Lock()
	c, ok := s.bindings[key]
	s.mu.Unlock()
	if ok {
		c.record(resp)
		s.logger.Debug("captured response", zap.String("url", key), zap.Int("status", resp.StatusCode))
	}
	return resp
}

// normalizeURL makes browser-rewritten URLs comparable with bound ones.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	return u.String()
}

func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

type printfLogger struct {
	s *zap.SugaredLogger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.s.Debugf(format, v...)
}
