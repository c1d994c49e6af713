// Package batch runs a background loop that groups queued items by size and
// age before handing them to a flush function. The progress hub and the
// committer batcher are both built on it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned when putting into a loop that has been closed.
var ErrClosed = errors.New("batch loop closed")

// Config controls buffering and batching.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxItems: flush once this many items queue (default 1000).
//   - MaxWait: flush after this duration even if the batch is small (default 500ms).
type Config struct {
	BufferSize int           `mapstructure:"buffer_size"`
	MaxItems   int           `mapstructure:"max_items"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
}

const (
	defaultBufferSize = 4096
	defaultMaxItems   = 1000
	defaultMaxWait    = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxItems <= 0 {
		c.MaxItems = defaultMaxItems
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	return c
}

// Loop owns the batching goroutine. Flush is only ever called from that
// goroutine, so it needs no locking of its own.
type Loop[T any] struct {
	cfg    Config
	flush  func([]T)
	items  chan T
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New starts a loop calling flush with each completed batch.
func New[T any](cfg Config, flush func([]T)) *Loop[T] {
	cfg = cfg.withDefaults()
	l := &Loop[T]{
		cfg:    cfg,
		flush:  flush,
		items:  make(chan T, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.run()
	return l
}

// TryPut queues item without blocking. It reports false when the buffer is
// full.
func (l *Loop[T]) TryPut(item T) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false, ErrClosed
	}
	select {
	case l.items <- item:
		return true, nil
	default:
		return false, nil
	}
}

// Put queues item, waiting for buffer space until ctx is done.
func (l *Loop[T]) Put(ctx context.Context, item T) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.items <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch put: %w", ctx.Err())
	}
}

// Close stops accepting items, flushes what is queued and waits for the loop
// to exit. It is safe to call multiple times.
func (l *Loop[T]) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.closeOnce.Do(func() {
		// Waits for in-flight puts so the final drain sees every item.
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stopCh)
	})
	select {
	case <-l.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch close wait: %w", ctx.Err())
	}
}

// Len returns the number of queued items not yet taken by the loop.
func (l *Loop[T]) Len() int {
	return len(l.items)
}

func (l *Loop[T]) run() {
	defer close(l.doneCh)
	pending := make([]T, 0, l.cfg.MaxItems)
	timer := time.NewTimer(l.cfg.MaxWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case item := <-l.items:
			pending = append(pending, item)
			if len(pending) >= l.cfg.MaxItems {
				pending = l.emit(pending)
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(l.cfg.MaxWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			pending = l.emit(pending)
		case <-l.stopCh:
			stopTimer(timer, &timerActive)
			l.drain(pending)
			return
		}
	}
}

func (l *Loop[T]) drain(pending []T) {
	for {
		select {
		case item := <-l.items:
			pending = append(pending, item)
			if len(pending) >= l.cfg.MaxItems {
				pending = l.emit(pending)
			}
		default:
			l.emit(pending)
			return
		}
	}
}

func (l *Loop[T]) emit(pending []T) []T {
	if len(pending) == 0 {
		return pending
	}
	l.flush(append([]T(nil), pending...))
	return pending[:0]
}

func stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}
