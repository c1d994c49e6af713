package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// MultiFetcher tries several fetchers in order.
type MultiFetcher struct {
	fetchers   []Fetcher
	maxRetries int
	policy     RetryPolicy
	logger     *zap.Logger
}

// MultiOption customises a MultiFetcher.
type MultiOption func(*MultiFetcher)

// WithRetries retries each fetcher up to n extra times.
func WithRetries(n int) MultiOption {
	return func(m *MultiFetcher) { m.maxRetries = n }
}

// WithRetryPolicy overrides the backoff policy used between retries.
func WithRetryPolicy(p RetryPolicy) MultiOption {
	return func(m *MultiFetcher) { m.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) MultiOption {
	return func(m *MultiFetcher) { m.logger = l }
}

// NewMultiFetcher builds a MultiFetcher over fetchers.
func NewMultiFetcher(fetchers []Fetcher, opts ...MultiOption) *MultiFetcher {
	m := &MultiFetcher{fetchers: fetchers, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy = NewExponentialRetryPolicy(m.maxRetries+1, 0, 0)
	}
	return m
}

// Name implements Fetcher.
func (m *MultiFetcher) Name() string {
	names := make([]string, 0, len(m.fetchers))
	for _, f := range m.fetchers {
		names = append(names, f.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Accept reports whether any fetcher accepts req.
func (m *MultiFetcher) Accept(req Request) bool {
	for _, f := range m.fetchers {
		if f.Accept(req) {
			return true
		}
	}
	return false
}

// Fetch returns the first good response. When no fetcher produced one, the
// last response is returned. Unsupported responses never end the search.
func (m *MultiFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	var (
		last     Response
		accepted bool
	)
	for _, f := range m.fetchers {
		if !f.Accept(req) {
			continue
		}
		accepted = true
		for attempt := 0; attempt <= m.maxRetries; attempt++ {
			if attempt > 0 {
				if err := Sleep(ctx, m.policy.Backoff(attempt-1)); err != nil {
					return last, fmt.Errorf("multi fetch: %w", err)
				}
			}
			start := time.Now()
			resp, err := f.Fetch(ctx, req)
			if resp.Fetcher == "" {
				resp.Fetcher = f.Name()
			}
			if resp.Duration == 0 {
				resp.Duration = time.Since(start)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return resp, err
				}
				resp = ErrorResponse(f.Name(), err)
			}
			last = resp
			if resp.State.Good() {
				return resp, nil
			}
			m.logger.Debug("fetch attempt failed",
				zap.String("reference", req.Reference),
				zap.String("fetcher", f.Name()),
				zap.Int("attempt", attempt),
				zap.String("state", string(resp.State)),
				zap.Int("status", resp.StatusCode))
			if !m.retryable(resp, err, attempt) {
				break
			}
		}
	}
	if !accepted {
		return Response{State: StateUnsupported, StatusCode: -1, Reason: ErrNoFetcher.Error()},
			fmt.Errorf("%w: %s", ErrNoFetcher, req.Reference)
	}
	return last, nil
}

// retryable decides whether to try the same fetcher again. Definitive
// answers such as not found, redirects or unsupported requests are not
// retried.
func (m *MultiFetcher) retryable(resp Response, err error, attempt int) bool {
	if attempt >= m.maxRetries {
		return false
	}
	switch resp.State {
	case StateError:
		return err == nil || m.policy.ShouldRetry(err, 0)
	case StateBadStatus:
		return resp.StatusCode >= 500
	default:
		return false
	}
}

// Close closes every fetcher implementing Closer.
func (m *MultiFetcher) Close() error {
	var result *multierror.Error
	for _, f := range m.fetchers {
		if c, ok := f.(Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s: %w", f.Name(), err))
			}
		}
	}
	return result.ErrorOrNil()
}
