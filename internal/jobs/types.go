// Package jobs defines the import job model and the collaborators the worker,
// dispatcher and API share.
package jobs

import (
	"errors"
	"time"
)

// ErrNotFound signals that a job does not exist.
var ErrNotFound = errors.New("job not found")

// Status represents the lifecycle state of an import job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Options are per-job knobs requested by the client.
type Options struct {
	// UseBrowser sends every reference to the browser fetcher instead of
	// waiting for the detector to promote it.
	UseBrowser bool `json:"use_browser" mapstructure:"use_browser"`
	// FollowRedirects makes the worker chase redirect targets itself.
	FollowRedirects bool `json:"follow_redirects" mapstructure:"follow_redirects"`
	MaxRedirects    int  `json:"max_redirects" mapstructure:"max_redirects"`
	// StoreContent keeps the raw fetched bytes in the blob store.
	StoreContent bool `json:"store_content" mapstructure:"store_content"`
}

// Parameters is what a client submits.
type Parameters struct {
	References []string          `json:"references" mapstructure:"references"`
	Tags       map[string]string `json:"tags" mapstructure:"tags"`
	Options    Options           `json:"options" mapstructure:"options"`
}

// Job represents the metadata persisted for each submitted import.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	Parameters Parameters `json:"parameters"`
	Counters   Counters   `json:"counters"`
}

// Counters tracks per-job outcomes.
type Counters struct {
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Redirects int `json:"redirects"`
}

// DocumentRecord is persisted for each processed reference.
type DocumentRecord struct {
	JobID       string `json:"job_id"`
	Reference   string `json:"reference"`
	FinalURL    string `json:"final_url,omitempty"`
	Fetcher     string `json:"fetcher,omitempty"`
	FetchState  string `json:"fetch_state"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	// Outcome is the import status: accepted, rejected or error.
	Outcome    string              `json:"outcome"`
	Reason     string              `json:"reason,omitempty"`
	RejectedBy string              `json:"rejected_by,omitempty"`
	FetchedAt  time.Time           `json:"fetched_at"`
	DurationMs int64               `json:"duration_ms"`
	Checksum   string              `json:"checksum,omitempty"`
	BlobURI    string              `json:"blob_uri,omitempty"`
	Metadata   map[string][]string `json:"metadata,omitempty"`
}

// Result is returned by the API result endpoint.
type Result struct {
	Job       Job              `json:"job"`
	Documents []DocumentRecord `json:"documents"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    Parameters
	Attempt   int
	Submitted int64
}
