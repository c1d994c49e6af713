// Package ratelimit implements a token bucket rate limiter for per-domain concurrency and rate control.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/webimporter/internal/metrics"
)

// Limiter manages per-domain rate limits and a per-job browser budget.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]DomainLimit
	defaultRate  rate.Limit
	defaultBurst int

	maxBrowser  int
	browserUsed map[string]int
}

// DomainLimit overrides the default rate for one host. Hosts are listed,
// not used as map keys, since Viper splits keys on dots.
type DomainLimit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64       `mapstructure:"default_rps"`
	DefaultBurst int           `mapstructure:"default_burst"`
	Domains      []DomainLimit `mapstructure:"domains"`
	// MaxBrowserPerJob caps browser fetches per job. Zero means unlimited.
	MaxBrowserPerJob int `mapstructure:"max_browser_per_job"`
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	overrides := make(map[string]DomainLimit, len(cfg.Domains))
	for _, lim := range cfg.Domains {
		overrides[strings.ToLower(lim.Host)] = lim
	}
	r, burst := limitFor(cfg.DefaultRPS, cfg.DefaultBurst)
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  r,
		defaultBurst: burst,
		maxBrowser:   cfg.MaxBrowserPerJob,
		browserUsed:  make(map[string]int),
	}
}

func limitFor(rps float64, burst int) (rate.Limit, int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

// Wait blocks until a token is available for the reference's host,
// respecting the context. Non-network references are never limited.
func (l *Limiter) Wait(ctx context.Context, reference string) error {
	u, err := url.Parse(reference)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	domain := strings.ToLower(u.Hostname())
	if domain == "" {
		domain = "unknown"
	}

	start := time.Now()
	if err := l.limiterFor(domain).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not worth a histogram sample.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if ok {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if o, ok := l.overrides[domain]; ok {
		r, burst = limitFor(o.RPS, o.Burst)
	}
	limiter = rate.NewLimiter(r, burst)
	l.limiters[domain] = limiter
	return limiter
}

// AllowBrowser consumes one unit of the job's browser budget.
func (l *Limiter) AllowBrowser(jobID string, _ string) bool {
	if l.maxBrowser <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browserUsed[jobID] >= l.maxBrowser {
		return false
	}
	l.browserUsed[jobID]++
	return true
}

// Forget releases the browser budget held for a finished job.
func (l *Limiter) Forget(jobID string) {
	l.mu.Lock()
	delete(l.browserUsed, jobID)
	l.mu.Unlock()
}
