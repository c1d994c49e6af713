// Package webdriver fetches rendered pages through a WebDriver browser.
package webdriver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
	"github.com/tebeka/selenium/firefox"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/fetch/browser"
	"github.com/JakeFAU/webimporter/internal/fetch/sniffer"
)

// Name identifies this fetcher in responses and logs.
const Name = "webdriver"

// Supported browsers.
const (
	BrowserChrome  = "chrome"
	BrowserFirefox = "firefox"
	BrowserEdge    = "edge"
)

const unknownStatusReason = "No exception thrown, but real status code unknown. " +
	"Capture headers for real status code."

// Config controls the WebDriver fetcher.
type Config struct {
	Browser      string         `mapstructure:"browser"`
	RemoteURL    string         `mapstructure:"remoteURL"`
	DriverPath   string         `mapstructure:"driverPath"`
	Capabilities map[string]any `mapstructure:"capabilities"`
	Arguments    []string       `mapstructure:"arguments"`

	browser.Options `mapstructure:",squash"`

	Sniffer *sniffer.Config `mapstructure:"sniffer"`
}

// driver is the part of selenium.WebDriver the fetcher uses.
type driver interface {
	Get(url string) error
	PageSource() (string, error)
	ExecuteScript(script string, args []interface{}) (interface{}, error)
	ResizeWindow(name string, width, height int) error
	SetPageLoadTimeout(timeout time.Duration) error
	SetImplicitWaitTimeout(timeout time.Duration) error
	SetAsyncScriptTimeout(timeout time.Duration) error
	WaitWithTimeout(condition selenium.Condition, timeout time.Duration) error
	FindElement(by, value string) (selenium.WebElement, error)
	Screenshot() ([]byte, error)
	Quit() error
}

// opener starts a browser session.
type opener func(ctx context.Context) (driver, error)

// Fetcher implements fetch.Fetcher with WebDriver sessions.
type Fetcher struct {
	cfg     Config
	logger  *zap.Logger
	pool    *browser.Pool[driver]
	sniffer *sniffer.Sniffer
	service *selenium.Service

	uaOnce    sync.Once
	userAgent string
}

// New builds a Fetcher. Browsers start lazily on first fetch.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	f := &Fetcher{cfg: cfg, logger: logger.With(zap.String("fetcher", Name))}
	if cfg.Sniffer != nil {
		sn, err := sniffer.New(*cfg.Sniffer, logger)
		if err != nil {
			return nil, err
		}
		if err := sn.Start(ctx); err != nil {
			return nil, err
		}
		f.sniffer = sn
		if cfg.UserAgent == "" {
			f.cfg.UserAgent = cfg.Sniffer.UserAgent
		}
	}
	remote, err := f.remoteURL()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	caps, err := f.capabilities()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	f.pool = f.newPool(func(context.Context) (driver, error) {
		wd, err := selenium.NewRemote(caps, remote)
		if err != nil {
			return nil, fmt.Errorf("start %s session: %w", cfg.Browser, err)
		}
		return wd, nil
	})
	return f, nil
}

func newWithOpener(cfg Config, logger *zap.Logger, open opener, sn *sniffer.Sniffer) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{cfg: cfg, logger: logger, sniffer: sn}
	f.pool = f.newPool(open)
	return f
}

func (f *Fetcher) newPool(open opener) *browser.Pool[driver] {
	return browser.NewPool(Name, f.cfg.PoolSize, f.cfg.MaxNavigations, f.cfg.MaxAge,
		func(ctx context.Context) (driver, error) {
			d, err := open(ctx)
			if err != nil {
				return nil, err
			}
			if err := f.applyTimeouts(d); err != nil {
				_ = d.Quit()
				return nil, err
			}
			return d, nil
		},
		func(d driver) error { return d.Quit() })
}

// remoteURL returns the WebDriver endpoint, starting a local driver
// service when only a driver path is configured.
func (f *Fetcher) remoteURL() (string, error) {
	if f.cfg.RemoteURL != "" {
		return f.cfg.RemoteURL, nil
	}
	if f.cfg.DriverPath == "" {
		return "", fmt.Errorf("%w: webdriver needs remoteURL or driverPath", browser.ErrInvalidOptions)
	}
	port, err := freePort()
	if err != nil {
		return "", err
	}
	switch f.browserName() {
	case BrowserFirefox:
		f.service, err = selenium.NewGeckoDriverService(f.cfg.DriverPath, port)
	default:
		f.service, err = selenium.NewChromeDriverService(f.cfg.DriverPath, port)
	}
	if err != nil {
		return "", fmt.Errorf("start driver service %s: %w", f.cfg.DriverPath, err)
	}
	f.logger.Info("driver service started", zap.String("path", f.cfg.DriverPath), zap.Int("port", port))
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func (f *Fetcher) browserName() string {
	if f.cfg.Browser == "" {
		return BrowserChrome
	}
	return strings.ToLower(f.cfg.Browser)
}

// capabilities assembles the session capabilities.
func (f *Fetcher) capabilities() (selenium.Capabilities, error) {
	caps := selenium.Capabilities{"acceptInsecureCerts": true}
	args := append([]string(nil), f.cfg.Arguments...)
	chromium := func() []string {
		out := append([]string(nil), args...)
		if f.cfg.UserAgent != "" {
			out = append(out, "--user-agent="+f.cfg.UserAgent)
		}
		if f.sniffer != nil {
			out = append(out, f.sniffer.ChromeArgs()...)
		}
		return out
	}
	switch f.browserName() {
	case BrowserChrome:
		caps["browserName"] = "chrome"
		caps.AddChrome(chrome.Capabilities{Args: chromium()})
	case BrowserFirefox:
		caps["browserName"] = "firefox"
		prefs := map[string]interface{}{}
		if f.sniffer != nil {
			prefs["network.proxy.allow_hijacking_localhost"] = true
		}
		if f.cfg.UserAgent != "" {
			prefs["general.useragent.override"] = f.cfg.UserAgent
		}
		caps.AddFirefox(firefox.Capabilities{Args: args, Prefs: prefs})
	case BrowserEdge:
		caps["browserName"] = "MicrosoftEdge"
		caps["ms:edgeOptions"] = map[string]any{"args": chromium()}
	default:
		return nil, fmt.Errorf("%w: unsupported browser %q", browser.ErrInvalidOptions, f.cfg.Browser)
	}
	if f.sniffer != nil {
		f.sniffer.ConfigureSelenium(caps)
	}
	for k, v := range f.cfg.Capabilities {
		caps[k] = v
	}
	return caps, nil
}

func (f *Fetcher) applyTimeouts(d driver) error {
	if f.cfg.PageLoadTimeout > 0 {
		if err := d.SetPageLoadTimeout(f.cfg.PageLoadTimeout); err != nil {
			return fmt.Errorf("set page load timeout: %w", err)
		}
	}
	if f.cfg.ImplicitlyWaitTimeout > 0 {
		if err := d.SetImplicitWaitTimeout(f.cfg.ImplicitlyWaitTimeout); err != nil {
			return fmt.Errorf("set implicit wait: %w", err)
		}
	}
	if f.cfg.ScriptTimeout > 0 {
		if err := d.SetAsyncScriptTimeout(f.cfg.ScriptTimeout); err != nil {
			return fmt.Errorf("set script timeout: %w", err)
		}
	}
	return nil
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

// Fetch loads the page in a pooled browser session.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	if method := req.EffectiveMethod(); method != fetch.MethodGet {
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
			return fetch.Response{}, err
		}
		return fetch.ErrorResponse(Name, err), nil
	}

	start := time.Now()
	var capture *sniffer.Capture
	if f.sniffer != nil {
		capture, err = f.sniffer.Bind(req.Reference)
		if err != nil {
			f.pool.Release(session, true)
			return fetch.ErrorResponse(Name, err), nil
		}
	}
	page, screenshot, err := f.load(ctx, session.Value, req.Reference)
	var sniffed sniffer.Result
	if capture != nil {
		sniffed = f.sniffer.Unbind(capture)
	}
	f.pool.Release(session, err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, fmt.Errorf("webdriver fetch canceled: %w", ctx.Err())
		}
		f.logger.Warn("webdriver fetch failed", zap.String("reference", req.Reference), zap.Error(err))
		return fetch.ErrorResponse(Name, err), nil
	}
	f.resolveUserAgent(session.Value)

	resp := fetch.Response{
		Body:       []byte(page),
		Screenshot: screenshot,
		Fetcher:    Name,
		UserAgent:  f.userAgent,
		FinalURL:   req.Reference,
		Duration:   time.Since(start),
	}
	applySniffed(&resp, sniffed, f.sniffer != nil)
	return resp, nil
}

// applySniffed sets status and content type from what the proxy saw.
func applySniffed(resp *fetch.Response, sniffed sniffer.Result, sniffing bool) {
	if sniffing && sniffed.Captured {
		resp.StatusCode = sniffed.StatusCode
		resp.Reason = sniffed.Reason
		resp.Headers = sniffed.Headers
		resp.ContentType, resp.Charset = fetch.ParseContentType(sniffed.Headers.Get("Content-Type"))
		if sniffed.StatusCode >= 200 && sniffed.StatusCode < 300 {
			resp.State = fetch.StateNew
		} else {
			resp.State = fetch.StateBadStatus
		}
	} else {
		resp.State = fetch.StateNew
		resp.StatusCode = 200
		resp.Reason = unknownStatusReason
	}
	if resp.ContentType == "" {
		resp.ContentType = "text/html"
	}
}

// load drives one page load and returns its source.
func (f *Fetcher) load(ctx context.Context, d driver, reference string) (string, []byte, error) {
	type result struct {
		page       string
		screenshot []byte
		err        error
	}
	done := make(chan result, 1)
	go func() {
		page, shot, err := f.navigate(ctx, d, reference)
		done <- result{page, shot, err}
	}()
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case r := <-done:
		return r.page, r.screenshot, r.err
	}
}

func (f *Fetcher) navigate(ctx context.Context, d driver, reference string) (string, []byte, error) {
	if err := d.Get(reference); err != nil {
		return "", nil, fmt.Errorf("get %s: %w", reference, err)
	}
	if f.cfg.EarlyPageScript != "" {
		if _, err := d.ExecuteScript(f.cfg.EarlyPageScript, nil); err != nil {
			return "", nil, fmt.Errorf("early page script: %w", err)
		}
	}
	if f.cfg.WindowSize != "" {
		w, h, err := browser.ParseWindowSize(f.cfg.WindowSize)
		if err != nil {
			return "", nil, err
		}
		if err := d.ResizeWindow("", w, h); err != nil {
			return "", nil, fmt.Errorf("resize window: %w", err)
		}
	}
	if f.cfg.WaitForElement.Enabled() {
		if err := f.waitForElement(d); err != nil {
			return "", nil, err
		}
	}
	if f.cfg.LatePageScript != "" {
		if _, err := d.ExecuteScript(f.cfg.LatePageScript, nil); err != nil {
			return "", nil, fmt.Errorf("late page script: %w", err)
		}
	}
	if err := fetch.Sleep(ctx, f.cfg.ThreadWait); err != nil {
		return "", nil, err
	}
	page, err := d.PageSource()
	if err != nil {
		return "", nil, fmt.Errorf("page source: %w", err)
	}
	f.logger.Debug("fetched page source", zap.String("reference", reference), zap.Int("length", len(page)))
	var shot []byte
	if f.cfg.Screenshot.Enabled {
		shot, err = f.screenshot(d)
		if err != nil {
			f.logger.Warn("screenshot failed", zap.String("reference", reference), zap.Error(err))
		}
	}
	return page, shot, nil
}

func (f *Fetcher) waitForElement(d driver) error {
	w := f.cfg.WaitForElement
	kind, err := w.Kind()
	if err != nil {
		return err
	}
	by := seleniumBy(kind)
	f.logger.Debug("waiting for element", zap.String("type", kind), zap.String("selector", w.Selector))
	err = d.WaitWithTimeout(func(wd selenium.WebDriver) (bool, error) {
		_, ferr := wd.FindElement(by, w.Selector)
		return ferr == nil, nil
	}, w.Timeout)
	if err != nil {
		return fmt.Errorf("wait for %s %q: %w", kind, w.Selector, err)
	}
	return nil
}

func (f *Fetcher) screenshot(d driver) ([]byte, error) {
	if sel := f.cfg.Screenshot.CSSSelector; sel != "" {
		el, err := d.FindElement(selenium.ByCSSSelector, sel)
		if err != nil {
			return nil, fmt.Errorf("find screenshot element %q: %w", sel, err)
		}
		return el.Screenshot(true)
	}
	return d.Screenshot()
}

// resolveUserAgent reads navigator.userAgent once when none is configured.
func (f *Fetcher) resolveUserAgent(d driver) {
	f.uaOnce.Do(func() {
		if f.cfg.UserAgent != "" {
			f.userAgent = f.cfg.UserAgent
			return
		}
		v, err := d.ExecuteScript("return navigator.userAgent;", nil)
		if err != nil {
			f.logger.Warn("could not read browser user agent", zap.Error(err))
			return
		}
		if s, ok := v.(string); ok {
			f.userAgent = s
		}
	})
}

// Close quits idle sessions, the sniffer and any local driver service.
func (f *Fetcher) Close() error {
	var result *multierror.Error
	if f.pool != nil {
		if err := f.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if f.sniffer != nil {
		if err := f.sniffer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if f.service != nil {
		if err := f.service.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop driver service: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func seleniumBy(kind string) string {
	switch kind {
	case browser.ElementID:
		return selenium.ByID
	case browser.ElementName:
		return selenium.ByName
	case browser.ElementClassName:
		return selenium.ByClassName
	case browser.ElementCSSSelector:
		return selenium.ByCSSSelector
	case browser.ElementXPath:
		return selenium.ByXPATH
	default:
		return selenium.ByTagName
	}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer ln.Close() //nolint:errcheck // probe listener
	return ln.Addr().(*net.TCPAddr).Port, nil
}
