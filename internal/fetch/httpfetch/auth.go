package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/Azure/go-ntlmssp"
	"github.com/PuerkitoBio/goquery"
	"github.com/icholy/digest"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

const (
	defaultFormSelector  = "form"
	defaultUsernameField = "username"
	defaultPasswordField = "password"
)

// newAuthTransport wraps base with the transport-level schemes. Form
// authentication works through cookies and leaves base untouched.
func newAuthTransport(auth AuthConfig, base http.RoundTripper) (http.RoundTripper, error) {
	var rt http.RoundTripper
	switch strings.ToLower(auth.Method) {
	case "", AuthForm:
		return base, nil
	case AuthBasic:
		rt = &basicTransport{auth: auth, next: base}
	case AuthDigest:
		rt = &digest.Transport{Username: auth.Username, Password: auth.Password, Transport: base}
	case AuthNTLM:
		rt = &ntlmTransport{
			username: ntlmUsername(auth),
			password: auth.Password,
			next:     ntlmssp.Negotiator{RoundTripper: base},
		}
	case AuthSPNEGO, AuthKerberos:
		return nil, fmt.Errorf("%w: %s", fetch.ErrUnsupportedAuth, auth.Method)
	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, auth.Method)
	}
	return &hostScopedTransport{host: strings.ToLower(auth.Host), auth: rt, base: base}, nil
}

// hostScopedTransport only sends credentials to the configured host.
type hostScopedTransport struct {
	host string
	auth http.RoundTripper
	base http.RoundTripper
}

func (t *hostScopedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.matches(req.URL) {
		return t.auth.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

func (t *hostScopedTransport) matches(u *url.URL) bool {
	if t.host == "" {
		return true
	}
	if strings.Contains(t.host, ":") {
		return strings.EqualFold(u.Host, t.host)
	}
	return strings.EqualFold(u.Hostname(), t.host)
}

// basicTransport sends Basic credentials either up front or in answer to
// a matching challenge.
type basicTransport struct {
	auth AuthConfig
	next http.RoundTripper
}

func (t *basicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.auth.Preemptive {
		authed := req.Clone(req.Context())
		authed.SetBasicAuth(t.auth.Username, t.auth.Password)
		return t.next.RoundTrip(authed)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	realm, ok := basicChallenge(resp.Header)
	if !ok || (t.auth.Realm != "" && !strings.EqualFold(realm, t.auth.Realm)) {
		return resp, nil
	}
	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, nil
		}
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	retry.SetBasicAuth(t.auth.Username, t.auth.Password)
	return t.next.RoundTrip(retry)
}

// basicChallenge finds a Basic challenge and returns its realm.
func basicChallenge(h http.Header) (string, bool) {
	for _, v := range h.Values("WWW-Authenticate") {
		scheme, params, _ := strings.Cut(strings.TrimSpace(v), " ")
		if !strings.EqualFold(scheme, "basic") {
			continue
		}
		for _, p := range strings.Split(params, ",") {
			k, val, found := strings.Cut(strings.TrimSpace(p), "=")
			if found && strings.EqualFold(k, "realm") {
				return strings.Trim(val, `"`), true
			}
		}
		return "", true
	}
	return "", false
}

type ntlmTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *ntlmTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	authed := req.Clone(req.Context())
	authed.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(authed)
}

func ntlmUsername(auth AuthConfig) string {
	if auth.Domain == "" {
		return auth.Username
	}
	return auth.Domain + `\` + auth.Username
}

// formLogin submits the login form found at auth.URL. The session cookies
// end up in the client's jar.
func formLogin(ctx context.Context, client *http.Client, userAgent string, auth AuthConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, auth.URL, nil)
	if err != nil {
		return fmt.Errorf("build login page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get login page: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	page, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse login page: %w", err)
	}

	selector := auth.FormSelector
	if selector == "" {
		selector = defaultFormSelector
	}
	form := page.Find(selector).First()
	if form.Length() > 0 && goquery.NodeName(form) != "form" {
		form = form.Find("form").First()
	}
	if form.Length() == 0 {
		return fmt.Errorf("no login form matching %q at %s", selector, auth.URL)
	}

	values := url.Values{}
	form.Find("input[type=hidden]").Each(func(_ int, s *goquery.Selection) {
		if name, ok := s.Attr("name"); ok && name != "" {
			value, _ := s.Attr("value")
			values.Set(name, value)
		}
	})
	values.Set(fieldOr(auth.UsernameField, defaultUsernameField), auth.Username)
	values.Set(fieldOr(auth.PasswordField, defaultPasswordField), auth.Password)
	for k, v := range auth.FormParams {
		values.Set(k, v)
	}

	action, _ := form.Attr("action")
	actionURL, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return fmt.Errorf("parse login form action %q: %w", action, err)
	}
	target := resp.Request.URL.ResolveReference(actionURL)
	body, err := encodeForm(values, auth.FormCharset)
	if err != nil {
		return err
	}

	post, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	post.Header.Set("User-Agent", userAgent)
	result, err := client.Do(post)
	if err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}
	_, _ = io.Copy(io.Discard, result.Body)
	_ = result.Body.Close()
	if result.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("submit login form: %s", result.Status)
	}
	return nil
}

func fieldOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// encodeForm URL-encodes values after converting them to charset.
func encodeForm(values url.Values, charset string) (string, error) {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return values.Encode(), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("%w: form charset %q: %w", ErrInvalidConfig, charset, err)
	}
	encoder := enc.NewEncoder()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		ek, err := encoder.String(k)
		if err != nil {
			return "", fmt.Errorf("encode form field %q: %w", k, err)
		}
		for _, v := range values[k] {
			ev, err := encoder.String(v)
			if err != nil {
				return "", fmt.Errorf("encode form field %q: %w", k, err)
			}
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(ek))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(ev))
		}
	}
	return b.String(), nil
}
