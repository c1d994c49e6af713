package webdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tebeka/selenium"

	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/fetch/browser"
	"github.com/JakeFAU/webimporter/internal/fetch/sniffer"
)

type fakeDriver struct {
	mu       sync.Mutex
	proxy    string
	getErr   error
	visited  []string
	scripts  []string
	resized  [2]int
	quit     bool
	pageLoad time.Duration
}

func (d *fakeDriver) Get(u string) error {
	d.mu.Lock()
	d.visited = append(d.visited, u)
	d.mu.Unlock()
	if d.getErr != nil {
		return d.getErr
	}
	if d.proxy == "" {
		return nil
	}
	proxyURL, err := url.Parse("http://" + d.proxy)
	if err != nil {
		return err
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(u)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (d *fakeDriver) PageSource() (string, error) {
	return "<html><body>rendered</body></html>", nil
}

func (d *fakeDriver) ExecuteScript(script string, _ []interface{}) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, script)
	if script == "return navigator.userAgent;" {
		return "FakeBrowser/1.0", nil
	}
	return nil, nil
}

func (d *fakeDriver) ResizeWindow(_ string, w, h int) error {
	d.resized = [2]int{w, h}
	return nil
}

func (d *fakeDriver) SetPageLoadTimeout(t time.Duration) error {
	d.pageLoad = t
	return nil
}

func (d *fakeDriver) SetImplicitWaitTimeout(time.Duration) error { return nil }
func (d *fakeDriver) SetAsyncScriptTimeout(time.Duration) error  { return nil }

func (d *fakeDriver) WaitWithTimeout(selenium.Condition, time.Duration) error { return nil }

func (d *fakeDriver) FindElement(string, string) (selenium.WebElement, error) {
	return nil, errors.New("no such element")
}

func (d *fakeDriver) Screenshot() ([]byte, error) { return []byte("png"), nil }

func (d *fakeDriver) Quit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quit = true
	return nil
}

func TestFetchUnsupportedMethod(t *testing.T) {
	t.Parallel()

	f := newWithOpener(Config{}, nil, func(context.Context) (driver, error) { return &fakeDriver{}, nil }, nil)
	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com", Method: fetch.MethodHead})
	require.NoError(t, err)
	require.Equal(t, fetch.StateUnsupported, resp.State)
	require.Equal(t, -1, resp.StatusCode)
	require.Contains(t, resp.Reason, "sniffer")
	require.False(t, f.Accept(fetch.Request{Reference: "http://example.com", Method: fetch.MethodHead}))
	require.True(t, f.Accept(fetch.Request{Reference: "http://example.com"}))
}

func TestFetchWithoutSniffer(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	cfg := Config{Options: browser.Options{
		EarlyPageScript: "early()",
		LatePageScript:  "late()",
		WindowSize:      "800x600",
		PageLoadTimeout: 5 * time.Second,
		WaitForElement:  browser.WaitForElement{Selector: "body", Timeout: time.Second},
		Screenshot:      browser.Screenshot{Enabled: true},
	}}
	f := newWithOpener(cfg, nil, func(context.Context) (driver, error) { return d, nil }, nil)

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com/page"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, unknownStatusReason, resp.Reason)
	require.Equal(t, "text/html", resp.ContentType)
	require.Contains(t, string(resp.Body), "rendered")
	require.Equal(t, []byte("png"), resp.Screenshot)
	require.Equal(t, "FakeBrowser/1.0", resp.UserAgent)
	require.Equal(t, []string{"early()", "late()", "return navigator.userAgent;"}, d.scripts)
	require.Equal(t, [2]int{800, 600}, d.resized)
	require.Equal(t, 5*time.Second, d.pageLoad)
}

func TestFetchWithSniffer(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xhtml+xml; charset=ISO-8859-1")
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, "gone")
	}))
	t.Cleanup(backend.Close)

	sn, err := sniffer.New(sniffer.Config{Host: "127.0.0.1"}, nil)
	require.NoError(t, err)
	require.NoError(t, sn.Start(context.Background()))

	d := &fakeDriver{proxy: sn.Addr()}
	f := newWithOpener(Config{}, nil, func(context.Context) (driver, error) { return d, nil }, sn)
	t.Cleanup(func() { require.NoError(t, f.Close()) })

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: backend.URL + "/doc"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateBadStatus, resp.State)
	require.Equal(t, http.StatusGone, resp.StatusCode)
	require.Equal(t, "application/xhtml+xml", resp.ContentType)
	require.Equal(t, "ISO-8859-1", resp.Charset)
	require.Equal(t, "Gone", resp.Reason)
	require.Equal(t, "application/xhtml+xml; charset=ISO-8859-1", resp.Headers.Get("Content-Type"))
}

func TestFetchDriverErrorDiscardsSession(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		opened []*fakeDriver
	)
	open := func(context.Context) (driver, error) {
		mu.Lock()
		defer mu.Unlock()
		d := &fakeDriver{}
		if len(opened) == 0 {
			d.getErr = errors.New("browser crashed")
		}
		opened = append(opened, d)
		return d, nil
	}
	f := newWithOpener(Config{}, nil, open, nil)

	resp, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateError, resp.State)
	require.True(t, opened[0].quit)

	resp, err = f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com"})
	require.NoError(t, err)
	require.Equal(t, fetch.StateNew, resp.State)
	require.Len(t, opened, 2)
}

func TestFetchRecyclesSessions(t *testing.T) {
	t.Parallel()

	opens := 0
	open := func(context.Context) (driver, error) {
		opens++
		return &fakeDriver{}, nil
	}
	f := newWithOpener(Config{Options: browser.Options{MaxNavigations: 2}}, nil, open, nil)
	for i := 0; i < 4; i++ {
		_, err := f.Fetch(context.Background(), fetch.Request{Reference: "http://example.com"})
		require.NoError(t, err)
	}
	require.Equal(t, 2, opens)
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	f := &Fetcher{cfg: Config{
		Browser:      "firefox",
		Arguments:    []string{"-headless"},
		Capabilities: map[string]any{"custom": "x"},
		Options:      browser.Options{UserAgent: "agent"},
	}}
	caps, err := f.capabilities()
	require.NoError(t, err)
	require.Equal(t, "firefox", caps["browserName"])
	require.Equal(t, "x", caps["custom"])
	require.Equal(t, true, caps["acceptInsecureCerts"])

	f.cfg.Browser = "safari"
	_, err = f.capabilities()
	require.ErrorIs(t, err, browser.ErrInvalidOptions)

	require.Equal(t, selenium.ByXPATH, seleniumBy(browser.ElementXPath))
	require.Equal(t, selenium.ByTagName, seleniumBy(browser.ElementTag))
}
