// Package phantomjs renders pages by running one PhantomJS process per
// document.
package phantomjs

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/fetch/browser"
	"github.com/JakeFAU/webimporter/internal/fetch/sniffer"
)

// Name identifies this fetcher in responses and logs.
const Name = "phantomjs"

// DefaultContentTypePattern matches the HTML family of media types.
const DefaultContentTypePattern = `text/html|application/(xhtml\+xml|vnd\.wap\.xhtml\+xml|x-asp)`

const (
	defaultRenderWait = 3 * time.Second
	outFileWait       = 10 * time.Second
	maxLineLength     = 1 << 20
)

//go:embed render.js
var renderScript []byte

// ErrInvalidConfig reports an unusable configuration.
var ErrInvalidConfig = errors.New("invalid phantomjs config")

// Screenshot controls page captures.
type Screenshot struct {
	Enabled bool `mapstructure:"enabled"`
	// Dimensions is the "WxH" viewport and clip size.
	Dimensions string  `mapstructure:"dimensions"`
	ZoomFactor float64 `mapstructure:"zoomFactor"`
	// ScaleDimensions shrinks the captured image to fit "WxH".
	ScaleDimensions string `mapstructure:"scaleDimensions"`
}

// Config controls the PhantomJS fetcher.
type Config struct {
	ExePath string `mapstructure:"exePath"`
	// ScriptPath defaults to the bundled render script.
	ScriptPath          string          `mapstructure:"scriptPath"`
	RenderWaitTime      time.Duration   `mapstructure:"renderWaitTime"`
	ResourceTimeout     time.Duration   `mapstructure:"resourceTimeout"`
	Options             []string        `mapstructure:"options"`
	ReferencePattern    string          `mapstructure:"referencePattern"`
	ContentTypePattern  string          `mapstructure:"contentTypePattern"`
	ValidStatusCodes    []int           `mapstructure:"validStatusCodes"`
	NotFoundStatusCodes []int           `mapstructure:"notFoundStatusCodes"`
	Screenshot          Screenshot      `mapstructure:"screenshot"`
	Sniffer             *sniffer.Config `mapstructure:"sniffer"`
}

// commander builds the process for one render.
type commander func(ctx context.Context, name string, args ...string) *exec.Cmd

// Fetcher implements fetch.Fetcher with PhantomJS.
type Fetcher struct {
	cfg        Config
	logger     *zap.Logger
	fallback   fetch.Fetcher
	sniffer    *sniffer.Sniffer
	refPattern *regexp.Regexp
	ctPattern  *regexp.Regexp
	valid      map[int]bool
	notFound   map[int]bool
	scriptPath string
	scriptDir  string
	command    commander
}

// New validates cfg and prepares the render script. fallback, when set,
// fetches content that is not HTML.
func New(ctx context.Context, cfg Config, fallback fetch.Fetcher, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExePath == "" {
		return nil, fmt.Errorf("%w: exePath is not set", ErrInvalidConfig)
	}
	if info, err := os.Stat(cfg.ExePath); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: exePath %q is not a file", ErrInvalidConfig, cfg.ExePath)
	}
	if cfg.ContentTypePattern == "" {
		cfg.ContentTypePattern = DefaultContentTypePattern
	}
	if cfg.RenderWaitTime <= 0 {
		cfg.RenderWaitTime = defaultRenderWait
	}
	if len(cfg.ValidStatusCodes) == 0 {
		cfg.ValidStatusCodes = []int{http.StatusOK}
	}
	if len(cfg.NotFoundStatusCodes) == 0 {
		cfg.NotFoundStatusCodes = []int{http.StatusNotFound}
	}
	if cfg.Screenshot.ScaleDimensions != "" {
		if _, _, err := browser.ParseWindowSize(cfg.Screenshot.ScaleDimensions); err != nil {
			return nil, err
		}
	}

	f := &Fetcher{
		cfg:      cfg,
		logger:   logger.With(zap.String("fetcher", Name)),
		fallback: fallback,
		valid:    codeSet(cfg.ValidStatusCodes),
		notFound: codeSet(cfg.NotFoundStatusCodes),
		command:  exec.CommandContext,
	}
	var err error
	if cfg.ReferencePattern != "" {
		if f.refPattern, err = fullMatch(cfg.ReferencePattern); err != nil {
			return nil, err
		}
	}
	if f.ctPattern, err = fullMatch(cfg.ContentTypePattern); err != nil {
		return nil, err
	}
	if err := f.prepareScript(); err != nil {
		return nil, err
	}
	if cfg.Sniffer != nil {
		sn, err := sniffer.New(*cfg.Sniffer, logger)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := sn.Start(ctx); err != nil {
			_ = f.Close()
			return nil, err
		}
		f.sniffer = sn
	}
	f.logger.Info("phantomjs fetcher ready",
		zap.String("exe", cfg.ExePath),
		zap.String("script", f.scriptPath),
		zap.Bool("screenshot", cfg.Screenshot.Enabled))
	return f, nil
}

func fullMatch(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidConfig, pattern, err)
	}
	return re, nil
}

func codeSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// prepareScript writes the bundled script to a temporary directory unless
// a custom one is configured.
func (f *Fetcher) prepareScript() error {
	if f.cfg.ScriptPath != "" {
		if info, err := os.Stat(f.cfg.ScriptPath); err != nil || info.IsDir() {
			return fmt.Errorf("%w: scriptPath %q is not a file", ErrInvalidConfig, f.cfg.ScriptPath)
		}
		f.scriptPath = f.cfg.ScriptPath
		return nil
	}
	dir, err := os.MkdirTemp("", "webimporter-phantomjs-")
	if err != nil {
		return fmt.Errorf("create script dir: %w", err)
	}
	path := filepath.Join(dir, "render.js")
	if err := os.WriteFile(path, renderScript, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("write render script: %w", err)
	}
	f.scriptDir = dir
	f.scriptPath = path
	return nil
}

// Name implements fetch.Fetcher.
func (f *Fetcher) Name() string { return Name }

// Accept implements fetch.Fetcher. Only GET requests for references
// matching the reference pattern are accepted.
func (f *Fetcher) Accept(req fetch.Request) bool {
	if req.EffectiveMethod() != fetch.MethodGet {
		return false
	}
	u, err := url.Parse(req.Reference)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if f.refPattern != nil && !f.refPattern.MatchString(req.Reference) {
		f.logger.Debug("reference pattern does not match", zap.String("reference", req.Reference))
		return false
	}
	return true
}

// Fetch renders the page. Non-HTML content goes to the fallback fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	if method := req.EffectiveMethod(); method != fetch.MethodGet {
		return fetch.Response{
			State:      fetch.StateUnsupported,
			StatusCode: -1,
			Reason:     "HTTP " + method + " method not supported.",
			Fetcher:    Name,
		}, nil
	}
	if f.fallback != nil {
		if resp, handled, err := f.probe(ctx, req); handled || err != nil {
			return resp, err
		}
	}
	resp, err := f.render(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.State.Good() && f.fallback != nil && !f.isHTML(resp.ContentType) {
		f.logger.Debug("content type not HTML after render, fetching with fallback",
			zap.String("reference", req.Reference),
			zap.String("content_type", resp.ContentType))
		return f.fallback.Fetch(ctx, req)
	}
	return resp, nil
}

// probe asks the fallback for the headers of req. When they show content
// that is not HTML, the fallback fetches the document and handled is true.
func (f *Fetcher) probe(ctx context.Context, req fetch.Request) (resp fetch.Response, handled bool, err error) {
	head := req
	head.Method = fetch.MethodHead
	if !f.fallback.Accept(head) {
		return fetch.Response{}, false, nil
	}
	resp, err = f.fallback.Fetch(ctx, head)
	if err != nil {
		if ctx.Err() != nil {
			return resp, true, err
		}
		return fetch.Response{}, false, nil
	}
	if !resp.State.Good() || resp.ContentType == "" || f.isHTML(resp.ContentType) {
		return fetch.Response{}, false, nil
	}
	f.logger.Debug("content type known before rendering and not HTML",
		zap.String("reference", req.Reference),
		zap.String("content_type", resp.ContentType))
	get := req
	get.Method = fetch.MethodGet
	resp, err = f.fallback.Fetch(ctx, get)
	return resp, true, err
}

func (f *Fetcher) isHTML(contentType string) bool {
	mt := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return f.ctPattern.MatchString(mt)
}

// invocation holds the per-render file locations.
type invocation struct {
	url        string
	protocol   string
	outFile    string
	cookies    string
	screenshot string
}

func (f *Fetcher) render(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	dir, err := os.MkdirTemp("", "webimporter-render-")
	if err != nil {
		return fetch.ErrorResponse(Name, fmt.Errorf("create render dir: %w", err)), nil
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inv := invocation{
		url:      req.Reference,
		protocol: "http",
		outFile:  filepath.Join(dir, "content"),
		cookies:  filepath.Join(dir, "cookies.txt"),
	}
	if strings.HasPrefix(req.Reference, "https") {
		inv.protocol = "https"
	}
	if f.cfg.Screenshot.Enabled {
		inv.screenshot = filepath.Join(dir, "screenshot.png")
	}

	var capture *sniffer.Capture
	if f.sniffer != nil {
		if capture, err = f.sniffer.Bind(req.Reference); err != nil {
			return fetch.ErrorResponse(Name, err), nil
		}
	}
	start := time.Now()
	out, exit, err := f.execute(ctx, inv)
	var sniffed sniffer.Result
	if capture != nil {
		sniffed = f.sniffer.Unbind(capture)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, fmt.Errorf("phantomjs fetch canceled: %w", ctx.Err())
		}
		f.logger.Warn("phantomjs failed", zap.String("reference", req.Reference), zap.Error(err))
		return fetch.ErrorResponse(Name, err), nil
	}
	out.log(f.logger, req.Reference)

	resp := out.response()
	if sniffed.Captured {
		resp.StatusCode = sniffed.StatusCode
		resp.Reason = sniffed.Reason
		for k, v := range sniffed.Headers {
			resp.Headers[k] = v
		}
		if ct := sniffed.Headers.Get("Content-Type"); ct != "" {
			resp.ContentType, resp.Charset = fetch.ParseContentType(ct)
		}
	}
	resp.Fetcher = Name
	resp.FinalURL = req.Reference
	if inv.screenshot != "" {
		resp.Screenshot = f.readScreenshot(inv.screenshot, req.Reference)
	}

	valid := exit == 0
	switch {
	case valid && f.valid[resp.StatusCode]:
		body, err := waitForFile(ctx, inv.outFile)
		if err != nil {
			if ctx.Err() != nil {
				return fetch.Response{}, err
			}
			return fetch.ErrorResponse(Name, err), nil
		}
		resp.Body = body
		resp.ContentType = fetch.DetectContentType(body, resp.ContentType, false)
		resp.Charset = fetch.DetectCharset(body, resp.Charset, resp.ContentType, false)
		resp.State = fetch.StateNew
	case resp.RedirectTarget != "" && resp.StatusCode >= 300 && resp.StatusCode < 400:
		resp.State = fetch.StateRedirect
	case f.notFound[resp.StatusCode]:
		resp.State = fetch.StateNotFound
	case !valid:
		resp.State = fetch.StateBadStatus
		resp.StatusCode = exit
		resp.Reason = fmt.Sprintf("PhantomJS execution failed with exit code %d", exit)
	default:
		f.logger.Debug("unsupported http response", zap.String("reference", req.Reference), zap.String("reason", resp.Reason))
		resp.State = fetch.StateBadStatus
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

// args returns the PhantomJS command line after the executable.
func (f *Fetcher) args(inv invocation) []string {
	args := []string{"--ssl-protocol=any"}
	if f.logger.Core().Enabled(zap.DebugLevel) {
		args = append(args, "--debug=true")
	}
	args = append(args,
		"--ignore-ssl-errors=true",
		"--web-security=false",
		"--cookies-file="+inv.cookies,
		"--load-images="+strconv.FormatBool(f.cfg.Screenshot.Enabled),
	)
	if f.sniffer != nil {
		args = append(args, "--proxy="+f.sniffer.Addr())
	}
	args = append(args, f.cfg.Options...)

	zoom := f.cfg.Screenshot.ZoomFactor
	if zoom <= 0 {
		zoom = 1
	}
	resourceTimeout := int64(-1)
	if f.cfg.ResourceTimeout > 0 {
		resourceTimeout = f.cfg.ResourceTimeout.Milliseconds()
	}
	return append(args,
		f.scriptPath,
		inv.url,
		inv.outFile,
		strconv.FormatInt(f.cfg.RenderWaitTime.Milliseconds(), 10),
		"-1",
		inv.protocol,
		inv.screenshot,
		f.cfg.Screenshot.Dimensions,
		strconv.FormatFloat(zoom, 'f', -1, 64),
		strconv.FormatInt(resourceTimeout, 10),
	)
}

// execute runs the process and parses its output. The returned exit code
// is -1 when the process was killed.
func (f *Fetcher) execute(ctx context.Context, inv invocation) (*output, int, error) {
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	args := f.args(inv)
	f.logger.Debug("phantomjs command", zap.String("exe", f.cfg.ExePath), zap.Strings("args", args))
	cmd := f.command(runCtx, f.cfg.ExePath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, -1, fmt.Errorf("phantomjs stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, -1, fmt.Errorf("phantomjs stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, -1, fmt.Errorf("start phantomjs: %w", err)
	}

	out := newOutput()
	var wg sync.WaitGroup
	scan := func(r io.Reader, isErr bool) {
		defer wg.Done()
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 0, 64*1024), maxLineLength)
		for s.Scan() {
			if out.parse(s.Text(), isErr) {
				abort()
			}
		}
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go scan(stdout, false)
	go scan(stderr, true)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return out, -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, -1, fmt.Errorf("run phantomjs: %w", err)
		}
		return out, exitErr.ExitCode(), nil
	}
	return out, 0, nil
}

// waitForFile reads path, waiting for PhantomJS to finish writing it.
func waitForFile(ctx context.Context, path string) ([]byte, error) {
	const step = 100 * time.Millisecond
	for waited := time.Duration(0); ; waited += step {
		body, err := os.ReadFile(path)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, os.ErrNotExist) || waited >= outFileWait {
			return nil, fmt.Errorf("read rendered content: %w", err)
		}
		if err := fetch.Sleep(ctx, step); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) readScreenshot(path, reference string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Error("screenshot file not created", zap.String("reference", reference), zap.Error(err))
		return nil
	}
	if f.cfg.Screenshot.ScaleDimensions == "" {
		return data
	}
	w, h, _ := browser.ParseWindowSize(f.cfg.Screenshot.ScaleDimensions)
	scaled, err := scalePNG(data, w, h)
	if err != nil {
		f.logger.Warn("could not scale screenshot", zap.String("reference", reference), zap.Error(err))
		return data
	}
	return scaled
}

// Close stops the sniffer and removes the extracted script. The fallback
// fetcher is not closed.
func (f *Fetcher) Close() error {
	var result *multierror.Error
	if f.sniffer != nil {
		if err := f.sniffer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if f.scriptDir != "" {
		if err := os.RemoveAll(f.scriptDir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
