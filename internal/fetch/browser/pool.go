package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/JakeFAU/webimporter/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// Session is a pooled browser handle.
type Session[T any] struct {
	Value       T
	created     time.Time
	navigations int
}

// Pool hands out up to size sessions and retires them after maxNavigations
// uses or maxAge, whichever comes first. Zero limits disable retirement.
type Pool[T any] struct {
	name           string
	open           func(context.Context) (T, error)
	shut           func(T) error
	maxNavigations int
	maxAge         time.Duration
	now            func() time.Time

	idle  chan *Session[T]
	slots chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPool builds a pool. open creates a session and shut disposes of one.
func NewPool[T any](
	name string,
	size, maxNavigations int,
	maxAge time.Duration,
	open func(context.Context) (T, error),
	shut func(T) error,
) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	return &Pool[T]{
		name:           name,
		open:           open,
		shut:           shut,
		maxNavigations: maxNavigations,
		maxAge:         maxAge,
		now:            time.Now,
		idle:           make(chan *Session[T], size),
		slots:          make(chan struct{}, size),
	}
}

// Acquire returns an idle session or opens a new one when the pool has
// room. It blocks until one is available or ctx ends.
func (p *Pool[T]) Acquire(ctx context.Context) (*Session[T], error) {
	for {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}
		select {
		case s := <-p.idle:
			if p.expired(s) {
				p.discard(s, true)
				continue
			}
			return s, nil
		default:
		}
		select {
		case s := <-p.idle:
			if p.expired(s) {
				p.discard(s, true)
				continue
			}
			return s, nil
		case p.slots <- struct{}{}:
			v, err := p.open(ctx)
			if err != nil {
				<-p.slots
				return nil, fmt.Errorf("open %s session: %w", p.name, err)
			}
			return &Session[T]{Value: v, created: p.now()}, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s session: %w", p.name, ctx.Err())
		}
	}
}

// Release returns s to the pool. Broken sessions are closed.
func (p *Pool[T]) Release(s *Session[T], healthy bool) {
	if s == nil {
		return
	}
	s.navigations++
	switch {
	case !healthy || p.isClosed():
		p.discard(s, false)
	case p.expired(s):
		p.discard(s, true)
	default:
		p.idle <- s
	}
}

// Close disposes of idle sessions. Sessions in use are closed on release.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	var result *multierror.Error
	for {
		select {
		case s := <-p.idle:
			if err := p.shut(s.Value); err != nil {
				result = multierror.Append(result, err)
			}
			<-p.slots
		default:
			return result.ErrorOrNil()
		}
	}
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) expired(s *Session[T]) bool {
	if p.maxNavigations > 0 && s.navigations >= p.maxNavigations {
		return true
	}
	return p.maxAge > 0 && p.now().Sub(s.created) >= p.maxAge
}

func (p *Pool[T]) discard(s *Session[T], recycled bool) {
	if recycled {
		metrics.ObserveSessionRecycled(p.name)
	}
	_ = p.shut(s.Value)
	<-p.slots
}
