package fetch

import (
	"fmt"
	"net/http"
	"net/url"
)

// ProxySettings points fetchers at an upstream proxy.
type ProxySettings struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// IsSet reports whether a proxy is configured.
func (p ProxySettings) IsSet() bool {
	return p.URL != ""
}

// Parse returns the proxy URL with credentials embedded, or nil when unset.
func (p ProxySettings) Parse() (*url.URL, error) {
	if !p.IsSet() {
		return nil, nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse proxy url %q: missing host", p.URL)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// Func returns a transport proxy function. Unset settings fall back to the
// environment.
func (p ProxySettings) Func() (func(*http.Request) (*url.URL, error), error) {
	u, err := p.Parse()
	if err != nil {
		return nil, err
	}
	if u == nil {
		return http.ProxyFromEnvironment, nil
	}
	return http.ProxyURL(u), nil
}

// HostPort returns host:port of the proxy.
func (p ProxySettings) HostPort() (string, error) {
	u, err := p.Parse()
	if err != nil || u == nil {
		return "", err
	}
	return u.Host, nil
}
