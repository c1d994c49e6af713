package fetch

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HSTS remembers hosts that sent Strict-Transport-Security over https and
// upgrades later http references to them.
type HSTS struct {
	mu    sync.RWMutex
	hosts map[string]hstsEntry
	now   func() time.Time
}

type hstsEntry struct {
	expires           time.Time
	includeSubDomains bool
}

// NewHSTS returns an empty cache.
func NewHSTS() *HSTS {
	return &HSTS{hosts: make(map[string]hstsEntry), now: time.Now}
}

// Observe records the policy of a response received for reference.
func (h *HSTS) Observe(reference string, headers http.Header) {
	u, err := url.Parse(reference)
	if err != nil || !strings.EqualFold(u.Scheme, "https") {
		return
	}
	value := headers.Get("Strict-Transport-Security")
	if value == "" {
		return
	}
	var (
		maxAge     = -1
		subDomains bool
	)
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		switch {
		case strings.EqualFold(part, "includeSubDomains"):
			subDomains = true
		case strings.HasPrefix(strings.ToLower(part), "max-age="):
			n, err := strconv.Atoi(strings.Trim(part[len("max-age="):], `"`))
			if err == nil {
				maxAge = n
			}
		}
	}
	if maxAge < 0 {
		return
	}
	host := strings.ToLower(u.Hostname())
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxAge == 0 {
		delete(h.hosts, host)
		return
	}
	h.hosts[host] = hstsEntry{
		expires:           h.now().Add(time.Duration(maxAge) * time.Second),
		includeSubDomains: subDomains,
	}
}

// Upgrade rewrites http references to https for known hosts.
func (h *HSTS) Upgrade(reference string) string {
	u, err := url.Parse(reference)
	if err != nil || !strings.EqualFold(u.Scheme, "http") {
		return reference
	}
	if !h.covers(strings.ToLower(u.Hostname())) {
		return reference
	}
	u.Scheme = "https"
	if u.Port() == "80" {
		u.Host = u.Hostname()
	}
	return u.String()
}

func (h *HSTS) covers(host string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	now := h.now()
	if e, ok := h.hosts[host]; ok && now.Before(e.expires) {
		return true
	}
	for parent := host; ; {
		i := strings.IndexByte(parent, '.')
		if i < 0 {
			return false
		}
		parent = parent[i+1:]
		if e, ok := h.hosts[parent]; ok && e.includeSubDomains && now.Before(e.expires) {
			return true
		}
	}
}
