package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

// Name identifies this fetcher in responses and logs.
const Name = "http"

// Fetcher implements fetch.Fetcher using a colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	transport     http.RoundTripper
	jar           http.CookieJar
	baseCollector *colly.Collector
	robots        *robotsProbeState
	hsts          *fetch.HSTS
	methods       map[string]struct{}
	valid         map[int]struct{}
	notFound      map[int]struct{}

	loginOnce sync.Once
	loginErr  error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseTransport, err := newHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}
	authTransport, err := newAuthTransport(cfg.Auth, baseTransport)
	if err != nil {
		return nil, err
	}
	f := &Fetcher{
		cfg:       cfg,
		logger:    logger.With(zap.String("fetcher", Name)),
		transport: authTransport,
		hsts:      fetch.NewHSTS(),
		methods:   make(map[string]struct{}, len(cfg.Methods)),
		valid:     intSet(cfg.ValidStatusCodes),
		notFound:  intSet(cfg.NotFoundStatusCodes),
	}
	for _, m := range cfg.Methods {
		f.methods[strings.ToUpper(m)] = struct{}{}
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	)
	switch {
	case cfg.MaxBodySize > 0:
		c.MaxBodySize = cfg.MaxBodySize
	case cfg.MaxBodySize < 0:
		c.MaxBodySize = 0
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.RequestTimeout)
	c.SetRedirectHandler(f.checkRedirect)

	transport := f.transport
	if cfg.RespectRobots {
		f.robots = newRobotsProbeState()
		transport = &robotsAwareTransport{base: transport, state: f.robots}
	}
	c.WithTransport(transport)

	if cfg.CookiesDisabled {
		c.DisableCookies()
	} else {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		f.jar = jar
		c.SetCookieJar(jar)
	}
	f.baseCollector = c
	return f, nil
}

// Name implements fetch.Fetcher.
func (f *Fetcher) Name() string { return Name }

// Accept implements fetch.Fetcher.
func (f *Fetcher) Accept(req fetch.Request) bool {
	if _, ok := f.methods[req.EffectiveMethod()]; !ok {
		return false
	}
	u, err := url.Parse(req.Reference)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "http") || strings.EqualFold(u.Scheme, "https")
}

// Login performs form authentication when configured. Fetch calls it on
// first use.
func (f *Fetcher) Login(ctx context.Context) error {
	if !strings.EqualFold(f.cfg.Auth.Method, AuthForm) {
		return nil
	}
	f.loginOnce.Do(func() {
		client := &http.Client{Transport: f.transport, Jar: f.jar, Timeout: f.cfg.RequestTimeout}
		f.loginErr = formLogin(ctx, client, f.cfg.UserAgent, f.cfg.Auth)
		if f.loginErr != nil {
			f.logger.Error("form login failed", zap.String("url", f.cfg.Auth.URL), zap.Error(f.loginErr))
			return
		}
		f.logger.Info("form login succeeded", zap.String("url", f.cfg.Auth.URL))
	})
	return f.loginErr
}

// Fetch executes one request. Transport failures are reported as a
// response in the error state; only cancellation is returned as an error.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	if !f.Accept(req) {
		return fetch.Response{
			State:      fetch.StateUnsupported,
			StatusCode: -1,
			Reason:     fmt.Sprintf("method %s not supported for %s", req.EffectiveMethod(), req.Reference),
			Fetcher:    Name,
		}, nil
	}
	if err := f.Login(ctx); err != nil {
		return fetch.ErrorResponse(Name, fmt.Errorf("form login: %w", err)), nil
	}

	reference := req.Reference
	if !f.cfg.DisableHSTS {
		reference = f.hsts.Upgrade(reference)
	}

	var (
		result   fetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, req, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, req.EffectiveMethod(), reference, &fetchErr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fetch.Response{}, fmt.Errorf("http fetch canceled: %w", ctxErr)
		}
		resp := fetch.ErrorResponse(Name, err)
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			resp.State = fetch.StateBadStatus
			resp.Reason = "blocked by robots.txt"
		}
		resp.UserAgent = f.cfg.UserAgent
		resp.Duration = time.Since(start)
		return resp, nil
	}
	if reason, ok := f.robots.reason(result.finalHost()); ok {
		f.logger.Warn("robots.txt unavailable, fetched as allowed",
			zap.String("reference", reference), zap.String("reason", reason))
	}
	if !f.cfg.DisableHSTS && result.FinalURL != "" {
		f.hsts.Observe(result.FinalURL, result.Headers)
	}
	return result.Response, nil
}

// checkRedirect stops at the first redirect unless redirects are followed.
func (f *Fetcher) checkRedirect(_ *http.Request, via []*http.Request) error {
	if !f.cfg.FollowRedirects {
		return http.ErrUseLastResponse
	}
	if len(via) >= f.cfg.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
	}
	return nil
}

// fetchResult carries the response out of colly callbacks.
type fetchResult struct {
	fetch.Response
}

func (r fetchResult) finalHost() string {
	u, err := url.Parse(r.FinalURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request fetch.Request,
	start time.Time,
	result *fetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request fetch.Request,
	start time.Time,
	result *fetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.Response = f.toResponse(request, r, start)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// toResponse maps a colly response to a fetch.Response.
func (f *Fetcher) toResponse(request fetch.Request, r *colly.Response, start time.Time) fetch.Response {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	resp := fetch.Response{
		StatusCode: r.StatusCode,
		Reason:     http.StatusText(r.StatusCode),
		Headers:    headers,
		Fetcher:    Name,
		UserAgent:  f.cfg.UserAgent,
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.FinalURL = r.Request.URL.String()
	}
	if request.EffectiveMethod() != fetch.MethodHead {
		resp.Body = append([]byte(nil), r.Body...)
	}

	declared := headers.Get("Content-Type")
	_, declaredCharset := fetch.ParseContentType(declared)
	resp.ContentType = fetch.DetectContentType(resp.Body, declared, f.cfg.ForceContentTypeDetection)
	if declaredCharset != "" && !isUTF8(declaredCharset) {
		// colly transcodes bodies with a declared charset to UTF-8
		declaredCharset = "UTF-8"
	}
	resp.Charset = fetch.DetectCharset(resp.Body, declaredCharset, resp.ContentType, f.cfg.ForceCharsetDetection)

	switch {
	case isRedirect(r.StatusCode) && !f.cfg.FollowRedirects:
		resp.State = fetch.StateRedirect
		from := r.Request.URL
		if from == nil {
			from = &url.URL{}
		}
		resp.RedirectTarget = redirectTarget(f.logger, from, headers)
	case r.StatusCode == http.StatusNotModified:
		resp.State = fetch.StateUnmodified
	case f.isValid(r.StatusCode):
		resp.State = fetch.StateNew
		if request.ETag != "" || !request.LastModified.IsZero() {
			resp.State = fetch.StateModified
		}
	case f.isNotFound(r.StatusCode):
		resp.State = fetch.StateNotFound
	default:
		resp.State = fetch.StateBadStatus
	}
	return resp
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	method, reference string,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, reference, nil, nil, nil)
	}()

	select {
	case <-ctx.Done():
		// The collector shares ctx, so the request unwinds promptly. Waiting
		// keeps its callbacks from writing result after we return.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request fetch.Request, r *colly.Request) {
	for key, value := range f.cfg.RequestHeaders {
		r.Headers.Set(key, value)
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if request.ETag != "" && !f.cfg.DisableETag {
		r.Headers.Set("If-None-Match", request.ETag)
	}
	if !request.LastModified.IsZero() && !f.cfg.DisableIfModifiedSince {
		r.Headers.Set("If-Modified-Since", request.LastModified.UTC().Format(http.TimeFormat))
	}
}

func (f *Fetcher) isValid(code int) bool {
	_, ok := f.valid[code]
	return ok
}

func (f *Fetcher) isNotFound(code int) bool {
	_, ok := f.notFound[code]
	return ok
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func isUTF8(charset string) bool {
	return strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8")
}

func intSet(values []int) map[int]struct{} {
	out := make(map[int]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
