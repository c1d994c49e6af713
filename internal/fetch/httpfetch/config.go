// Package httpfetch fetches documents over HTTP with a colly collector.
package httpfetch

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

// ErrInvalidConfig reports a configuration that cannot build a fetcher.
var ErrInvalidConfig = errors.New("invalid http fetcher config")

// Supported authentication methods.
const (
	AuthBasic    = "basic"
	AuthDigest   = "digest"
	AuthNTLM     = "ntlm"
	AuthForm     = "form"
	AuthSPNEGO   = "spnego"
	AuthKerberos = "kerberos"
)

// AuthConfig describes how the fetcher authenticates.
type AuthConfig struct {
	Method   string `mapstructure:"method"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Domain is the NTLM domain.
	Domain string `mapstructure:"domain"`
	// Host restricts credentials to one host, optionally with a port.
	Host string `mapstructure:"host"`
	// Realm restricts credentials to challenges for that realm.
	Realm      string `mapstructure:"realm"`
	Preemptive bool   `mapstructure:"preemptive"`

	URL           string            `mapstructure:"url"`
	FormSelector  string            `mapstructure:"formSelector"`
	UsernameField string            `mapstructure:"usernameField"`
	PasswordField string            `mapstructure:"passwordField"`
	FormParams    map[string]string `mapstructure:"formParams"`
	FormCharset   string            `mapstructure:"formCharset"`
}

// IsSet reports whether authentication is configured.
func (a AuthConfig) IsSet() bool {
	return a.Method != ""
}

// Config controls the HTTP fetcher.
type Config struct {
	UserAgent           string            `mapstructure:"userAgent"`
	Methods             []string          `mapstructure:"methods"`
	ValidStatusCodes    []int             `mapstructure:"validStatusCodes"`
	NotFoundStatusCodes []int             `mapstructure:"notFoundStatusCodes"`
	HeadersPrefix       string            `mapstructure:"headersPrefix"`
	RequestHeaders      map[string]string `mapstructure:"requestHeaders"`

	ConnectTimeout        time.Duration `mapstructure:"connectTimeout"`
	SocketTimeout         time.Duration `mapstructure:"socketTimeout"`
	RequestTimeout        time.Duration `mapstructure:"requestTimeout"`
	MaxConnections        int           `mapstructure:"maxConnections"`
	MaxConnectionsPerHost int           `mapstructure:"maxConnectionsPerHost"`
	MaxConnectionIdleTime time.Duration `mapstructure:"maxConnectionIdleTime"`

	TrustAllSSLCertificates bool   `mapstructure:"trustAllSSLCertificates"`
	TLSMinVersion           string `mapstructure:"tlsMinVersion"`
	TLSMaxVersion           string `mapstructure:"tlsMaxVersion"`
	DisableSNI              bool   `mapstructure:"disableSNI"`
	LocalAddress            string `mapstructure:"localAddress"`

	Proxy fetch.ProxySettings `mapstructure:"proxy"`

	CookiesDisabled           bool `mapstructure:"cookiesDisabled"`
	DisableETag               bool `mapstructure:"disableETag"`
	DisableIfModifiedSince    bool `mapstructure:"disableIfModifiedSince"`
	DisableHSTS               bool `mapstructure:"disableHSTS"`
	ForceContentTypeDetection bool `mapstructure:"forceContentTypeDetection"`
	ForceCharsetDetection     bool `mapstructure:"forceCharsetDetection"`
	FollowRedirects           bool `mapstructure:"followRedirects"`
	MaxRedirects              int  `mapstructure:"maxRedirects"`
	MaxBodySize               int  `mapstructure:"maxBodySize"`
	RespectRobots             bool `mapstructure:"respectRobots"`

	Auth AuthConfig `mapstructure:"auth"`
}

// DefaultConfig returns the defaults applied to unset fields.
func DefaultConfig() Config {
	return Config{
		UserAgent:             "webimporter/1.0",
		Methods:               []string{fetch.MethodGet, fetch.MethodHead},
		ValidStatusCodes:      []int{http.StatusOK},
		NotFoundStatusCodes:   []int{http.StatusNotFound},
		ConnectTimeout:        10 * time.Second,
		SocketTimeout:         30 * time.Second,
		RequestTimeout:        60 * time.Second,
		MaxConnections:        200,
		MaxConnectionsPerHost: 20,
		MaxConnectionIdleTime: 90 * time.Second,
		MaxRedirects:          10,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if len(c.Methods) == 0 {
		c.Methods = d.Methods
	}
	if len(c.ValidStatusCodes) == 0 {
		c.ValidStatusCodes = d.ValidStatusCodes
	}
	if len(c.NotFoundStatusCodes) == 0 {
		c.NotFoundStatusCodes = d.NotFoundStatusCodes
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = d.SocketTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxConnectionsPerHost == 0 {
		c.MaxConnectionsPerHost = d.MaxConnectionsPerHost
	}
	if c.MaxConnectionIdleTime == 0 {
		c.MaxConnectionIdleTime = d.MaxConnectionIdleTime
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = d.MaxRedirects
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if _, err := ParseTLSVersion(c.TLSMinVersion); err != nil {
		return err
	}
	if _, err := ParseTLSVersion(c.TLSMaxVersion); err != nil {
		return err
	}
	if c.LocalAddress != "" && net.ParseIP(c.LocalAddress) == nil {
		return fmt.Errorf("%w: localAddress %q is not an IP address", ErrInvalidConfig, c.LocalAddress)
	}
	if _, err := c.Proxy.Parse(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for _, m := range c.Methods {
		switch strings.ToUpper(m) {
		case fetch.MethodGet, fetch.MethodHead, fetch.MethodPost:
		default:
			return fmt.Errorf("%w: unsupported method %q", ErrInvalidConfig, m)
		}
	}
	switch strings.ToLower(c.Auth.Method) {
	case "", AuthBasic, AuthDigest, AuthNTLM:
	case AuthForm:
		if c.Auth.URL == "" {
			return fmt.Errorf("%w: form authentication requires auth.url", ErrInvalidConfig)
		}
		if c.CookiesDisabled {
			return fmt.Errorf("%w: form authentication requires cookies", ErrInvalidConfig)
		}
	case AuthSPNEGO, AuthKerberos:
		return fmt.Errorf("%w: %s", fetch.ErrUnsupportedAuth, c.Auth.Method)
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, c.Auth.Method)
	}
	return nil
}

// ParseTLSVersion maps "TLSv1.2" or "1.2" to its crypto/tls constant. An
// empty string yields zero, meaning the library default.
func ParseTLSVersion(s string) (uint16, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tlsv")
	switch v {
	case "":
		return 0, nil
	case "1", "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: unknown TLS version %q", ErrInvalidConfig, s)
	}
}
