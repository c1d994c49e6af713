package progress

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/batch"
)

// Config controls buffering and batching for the Hub.
//   - Batch: channel size and flush thresholds (see batch.Config).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	Batch       batch.Config
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultSinkTimeout = 10 * time.Second
	dropLogInterval    = 5 * time.Second
)

// Hub aggregates Event streams and fans them out to registered sinks. It is
// safe for concurrent use by multiple goroutines and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	loop        *batch.Loop[Event]
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closeCtx    atomic.Pointer[context.Context]
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	h.loop = batch.New(cfg.Batch, h.flush)
	return h
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	ok, err := h.loop.TryPut(evt)
	if err != nil || ok {
		return
	}
	h.dropped.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.dropped.Swap(0)
		h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
	}
}

// Close drains remaining events, flushes and closes the sinks. It is safe to
// call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !h.closeCtx.CompareAndSwap(nil, &ctx) {
		return h.wait(ctx)
	}
	if err := h.wait(ctx); err != nil {
		return err
	}
	h.closeSinks(ctx)
	return nil
}

func (h *Hub) wait(ctx context.Context) error {
	if err := h.loop.Close(ctx); err != nil {
		return fmt.Errorf("progress hub close wait: %w", err)
	}
	return nil
}

func (h *Hub) flush(events []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks(ctx context.Context) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
