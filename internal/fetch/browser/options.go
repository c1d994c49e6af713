// Package browser holds what the browser-driving fetchers share: page
// options and a pool of long-lived browser sessions.
package browser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidOptions reports unusable browser options.
var ErrInvalidOptions = errors.New("invalid browser options")

// Element locator types for WaitForElement.
const (
	ElementID          = "id"
	ElementTag         = "tagName"
	ElementName        = "name"
	ElementClassName   = "className"
	ElementCSSSelector = "cssSelector"
	ElementXPath       = "xpath"
)

// WaitForElement delays reading the page until an element is present.
type WaitForElement struct {
	Type     string        `mapstructure:"type"`
	Selector string        `mapstructure:"selector"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a wait is configured.
func (w WaitForElement) Enabled() bool {
	return w.Selector != "" && w.Timeout > 0
}

// Kind returns the normalised locator type. Tag name is the default.
func (w WaitForElement) Kind() (string, error) {
	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "", "tag", "tagname":
		return ElementTag, nil
	case "id":
		return ElementID, nil
	case "name":
		return ElementName, nil
	case "class", "classname":
		return ElementClassName, nil
	case "css", "cssselector":
		return ElementCSSSelector, nil
	case "xpath":
		return ElementXPath, nil
	default:
		return "", fmt.Errorf("%w: unknown element type %q", ErrInvalidOptions, w.Type)
	}
}

// CSS translates the locator to a CSS selector. XPath locators have none.
func (w WaitForElement) CSS() (string, bool) {
	kind, err := w.Kind()
	if err != nil {
		return "", false
	}
	switch kind {
	case ElementID:
		return "#" + w.Selector, true
	case ElementName:
		return `[name="` + w.Selector + `"]`, true
	case ElementClassName:
		return "." + w.Selector, true
	case ElementXPath:
		return "", false
	default:
		return w.Selector, true
	}
}

// Screenshot controls page captures.
type Screenshot struct {
	Enabled bool `mapstructure:"enabled"`
	// CSSSelector limits the capture to the first matching element.
	CSSSelector string `mapstructure:"cssSelector"`
}

// Options are the page-level settings both browser fetchers honour.
type Options struct {
	PageLoadTimeout       time.Duration  `mapstructure:"pageLoadTimeout"`
	ImplicitlyWaitTimeout time.Duration  `mapstructure:"implicitlyWaitTimeout"`
	ScriptTimeout         time.Duration  `mapstructure:"scriptTimeout"`
	WaitForElement        WaitForElement `mapstructure:"waitForElement"`
	EarlyPageScript       string         `mapstructure:"earlyPageScript"`
	LatePageScript        string         `mapstructure:"latePageScript"`
	WindowSize            string         `mapstructure:"windowSize"`
	ThreadWait            time.Duration  `mapstructure:"threadWait"`
	Screenshot            Screenshot     `mapstructure:"screenshot"`
	MaxNavigations        int            `mapstructure:"browserMaxNavigations"`
	MaxAge                time.Duration  `mapstructure:"browserMaxAge"`
	PoolSize              int            `mapstructure:"poolSize"`
	UserAgent             string         `mapstructure:"userAgent"`
}

// Validate reports option errors.
func (o Options) Validate() error {
	if _, err := o.WaitForElement.Kind(); err != nil {
		return err
	}
	if o.WindowSize != "" {
		if _, _, err := ParseWindowSize(o.WindowSize); err != nil {
			return err
		}
	}
	if o.PoolSize < 0 {
		return fmt.Errorf("%w: poolSize must not be negative", ErrInvalidOptions)
	}
	return nil
}

// ParseWindowSize parses "WIDTHxHEIGHT", also accepting a comma.
func ParseWindowSize(s string) (width, height int, err error) {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == 'x' || r == ',' || r == ' '
	})
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: window size %q", ErrInvalidOptions, s)
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("%w: window width %q", ErrInvalidOptions, parts[0])
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("%w: window height %q", ErrInvalidOptions, parts[1])
	}
	return width, height, nil
}

// UnsupportedMethodReason explains why a browser cannot serve method.
func UnsupportedMethodReason(method string) string {
	reason := "HTTP " + method + " method not supported."
	if method == "HEAD" {
		reason += " To obtain headers, use GET with a configured sniffer."
	}
	return reason
}
