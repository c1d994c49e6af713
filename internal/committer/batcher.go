package committer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/batch"
	"github.com/JakeFAU/webimporter/internal/metrics"
)

// BatcherConfig tunes the queue in front of a committer.
type BatcherConfig struct {
	Batch batch.Config `mapstructure:"batch"`
	// OpTimeout bounds each forwarded operation. Zero means no bound.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type operation struct {
	upsert    bool
	entry     Entry
	reference string
}

// Batcher queues operations and forwards them to the wrapped committer
// from a single goroutine, in submission order. Upsert and Delete block
// while the queue is full. Forwarding errors are logged and returned,
// aggregated, from Close.
type Batcher struct {
	name    string
	target  Committer
	loop    *batch.Loop[operation]
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	errs *multierror.Error
}

// NewBatcher wraps target. name labels metrics and logs.
func NewBatcher(name string, target Committer, cfg BatcherConfig, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		name:    name,
		target:  target,
		timeout: cfg.OpTimeout,
		logger:  logger.Named("committer.batch"),
	}
	b.loop = batch.New(cfg.Batch, b.flush)
	return b
}

// Upsert queues entry.
func (b *Batcher) Upsert(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := b.loop.Put(ctx, operation{upsert: true, entry: entry, reference: entry.Reference}); err != nil {
		return fmt.Errorf("queue upsert: %w", err)
	}
	return nil
}

// Delete queues a deletion.
func (b *Batcher) Delete(ctx context.Context, reference string) error {
	if err := validateReference(reference); err != nil {
		return err
	}
	if err := b.loop.Put(ctx, operation{reference: reference}); err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	return nil
}

// Close drains the queue, closes the wrapped committer and reports every
// error seen since the batcher started.
func (b *Batcher) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := b.loop.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := b.target.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", b.name, err))
	}
	b.mu.Lock()
	if b.errs != nil {
		result = multierror.Append(result, b.errs.Errors...)
	}
	b.mu.Unlock()
	return result.ErrorOrNil()
}

// Pending reports queued operations not yet picked up.
func (b *Batcher) Pending() int {
	return b.loop.Len()
}

func (b *Batcher) flush(ops []operation) {
	for _, op := range ops {
		err := b.apply(op)
		kind := "delete"
		if op.upsert {
			kind = "upsert"
		}
		metrics.ObserveCommit(b.name, kind, err)
		if err == nil {
			continue
		}
		b.logger.Warn("commit failed",
			zap.String("committer", b.name),
			zap.String("operation", kind),
			zap.String("reference", op.reference),
			zap.Error(err),
		)
		b.mu.Lock()
		b.errs = multierror.Append(b.errs, fmt.Errorf("%s %s %s: %w", b.name, kind, op.reference, err))
		b.mu.Unlock()
	}
}

func (b *Batcher) apply(op operation) error {
	ctx := context.Background()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if op.upsert {
		return b.target.Upsert(ctx, op.entry)
	}
	return b.target.Delete(ctx, op.reference)
}
