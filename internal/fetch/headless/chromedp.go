// Package headless fetches rendered pages through Chrome DevTools.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/fetch/browser"
)

// Name identifies this fetcher in responses and logs.
const Name = "headless"

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs.
	MaxParallel int `mapstructure:"maxParallel"`
	// RemoteURL connects to a running browser's DevTools websocket instead
	// of launching one.
	RemoteURL      string            `mapstructure:"remoteURL"`
	ExecPath       string            `mapstructure:"execPath"`
	Flags          map[string]any    `mapstructure:"flags"`
	RequestHeaders map[string]string `mapstructure:"requestHeaders"`
	Proxy          string            `mapstructure:"proxy"`

	browser.Options `mapstructure:",squash"`
}

// chromeBrowser is one browser process; each fetch opens a tab in it.
type chromeBrowser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetcher implements fetch.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
	pool        *browser.Pool[*chromeBrowser]

	uaOnce    sync.Once
	userAgent string
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 2
	}
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	}

	f := &Fetcher{
		cfg:         cfg,
		logger:      logger.With(zap.String("fetcher", Name)),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
	f.pool = browser.NewPool(Name, cfg.MaxParallel, cfg.MaxNavigations, cfg.MaxAge,
		f.openBrowser,
		func(b *chromeBrowser) error {
			b.cancel()
			return nil
		})
	return f, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}
	if cfg.WindowSize != "" {
		if w, h, err := browser.ParseWindowSize(cfg.WindowSize); err == nil {
			opts = append(opts, chromedp.WindowSize(w, h))
		}
	}
	for name, value := range cfg.Flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

func (f *Fetcher) openBrowser(context.Context) (*chromeBrowser, error) {
	ctx, cancel := chromedp.NewContext(f.allocator)
	// The first Run starts the browser.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &chromeBrowser{ctx: ctx, cancel: cancel}, nil
}

// Close disposes of idle browsers and cancels the allocator context.
func (f *Fetcher) Close() error {
	err := f.pool.Close()
	f.allocCancel()
	return err
}

// Name implements fetch.Fetcher.
func (f *Fetcher) Name() string { return Name }

// Accept implements fetch.Fetcher. Only GET is supported.
func (f *Fetcher) Accept(req fetch.Request) bool {
	if req.EffectiveMethod() != fetch.MethodGet {
		return false
	}
	u, err := url.Parse(req.Reference)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request fetch.Request) (fetch.Response, error) {
	if method := request.EffectiveMethod(); method != fetch.MethodGet {
		return fetch.Response{
			State:      fetch.StateUnsupported,
			StatusCode: -1,
			Reason:     browser.UnsupportedMethodReason(method),
			Fetcher:    Name,
		}, nil
	}
	session, err := f.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
		}
		return fetch.ErrorResponse(Name, err), nil
	}

	taskCtx, taskCancel := chromedp.NewContext(session.Value.ctx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.PageLoadTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := f.runHeadless(taskCtx, request)
	f.pool.Release(session, err == nil || ctx.Err() != nil)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		f.logger.Warn("headless fetch failed", zap.String("reference", request.Reference), zap.Error(err))
		return fetch.ErrorResponse(Name, err), nil
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.Reference, page.finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	resp := fetch.Response{
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(page.html),
		Screenshot: page.screenshot,
		FinalURL:   responseURL,
		Fetcher:    Name,
		UserAgent:  f.userAgent,
		Duration:   time.Since(start),
	}
	resp.ContentType, resp.Charset = fetch.ParseContentType(headers.Get("Content-Type"))
	if resp.ContentType == "" {
		resp.ContentType = "text/html"
	}
	switch {
	case !meta.seen():
		resp.Reason = "No document response observed, real status code unknown."
		resp.State = fetch.StateNew
	case status >= 200 && status < 300:
		resp.Reason = http.StatusText(status)
		resp.State = fetch.StateNew
	default:
		resp.Reason = http.StatusText(status)
		resp.State = fetch.StateBadStatus
	}
	return resp, nil
}

type renderedPage struct {
	html       string
	finalURL   string
	screenshot []byte
}

func (f *Fetcher) runHeadless(ctx context.Context, request fetch.Request) (renderedPage, error) {
	var page renderedPage
	if err := chromedp.Run(ctx, f.pageActions(request, &page)...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

// pageActions lists the steps of one page load.
func (f *Fetcher) pageActions(request fetch.Request, page *renderedPage) []chromedp.Action {
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.Reference),
	}
	if f.cfg.EarlyPageScript != "" {
		actions = append(actions, chromedp.Evaluate(f.cfg.EarlyPageScript, nil))
	}
	if f.cfg.WindowSize != "" {
		if w, h, err := browser.ParseWindowSize(f.cfg.WindowSize); err == nil {
			actions = append(actions, chromedp.EmulateViewport(int64(w), int64(h)))
		}
	}
	if wait := f.cfg.WaitForElement; wait.Enabled() {
		actions = append(actions, waitForElement(wait))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if f.cfg.LatePageScript != "" {
		actions = append(actions, chromedp.Evaluate(f.cfg.LatePageScript, nil))
	}
	if f.cfg.ThreadWait > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.ThreadWait))
	}
	actions = append(actions,
		f.userAgentAction(),
		chromedp.Location(&page.finalURL),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if f.cfg.Screenshot.Enabled {
		if sel := f.cfg.Screenshot.CSSSelector; sel != "" {
			actions = append(actions, chromedp.Screenshot(sel, &page.screenshot, chromedp.ByQuery))
		} else {
			actions = append(actions, chromedp.FullScreenshot(&page.screenshot, 90))
		}
	}
	return actions
}

func waitForElement(wait browser.WaitForElement) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, wait.Timeout)
		defer cancel()
		var err error
		if css, ok := wait.CSS(); ok {
			err = chromedp.WaitReady(css, chromedp.ByQuery).Do(ctx)
		} else {
			err = chromedp.WaitReady(wait.Selector, chromedp.BySearch).Do(ctx)
		}
		if err != nil {
			return fmt.Errorf("wait for element %q: %w", wait.Selector, err)
		}
		return nil
	})
}

// userAgentAction reads navigator.userAgent once when none is configured.
func (f *Fetcher) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		f.uaOnce.Do(func() {
			if f.cfg.UserAgent != "" {
				f.userAgent = f.cfg.UserAgent
				return
			}
			var ua string
			if err := chromedp.Evaluate("navigator.userAgent", &ua).Do(ctx); err != nil {
				f.logger.Warn("could not read browser user agent", zap.Error(err))
				return
			}
			f.userAgent = ua
		})
		return nil
	})
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		merged := mergeHeaders(f.cfg.RequestHeaders, headers)
		if len(merged) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(merged)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func mergeHeaders(configured map[string]string, request http.Header) http.Header {
	out := http.Header{}
	for k, v := range configured {
		out.Set(k, v)
	}
	for k, values := range request {
		out.Del(k)
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}

type responseMeta struct {
	mu       sync.RWMutex
	captured bool
	status   int
	headers  http.Header
	url      string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture records the first document response; later ones belong to
// frames.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured {
		return
	}
	m.captured = true
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) seen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.captured
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
