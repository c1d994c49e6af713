package jobs

import (
	"context"
	"io"
	"time"
)

// JobStore persists job and document records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status Status, errText string, counters Counters) error
	RecordDocument(ctx context.Context, record DocumentRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListDocuments(ctx context.Context, jobID string) ([]DocumentRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// BlobDeleter is implemented by blob stores that can remove objects.
type BlobDeleter interface {
	DeleteObject(ctx context.Context, path string) error
}

// Queue provides enqueue/dequeue semantics for import jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Enqueuer is the producer half of a Queue; the API and scheduler only need
// this.
type Enqueuer interface {
	Enqueue(ctx context.Context, item QueueItem) error
}

// Policy encapsulates admission control and rate limiting.
type Policy interface {
	// Wait blocks until reference may be fetched.
	Wait(ctx context.Context, reference string) error
	AllowBrowser(jobID string, reference string) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
