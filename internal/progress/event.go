package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageFetchStart  Stage = "FETCH_START"
	StageFetchDone   Stage = "FETCH_DONE"
	StageImportDone  Stage = "IMPORT_DONE"
	StageCommitDone  Stage = "COMMIT_DONE"
	StageCommitError Stage = "COMMIT_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of an import job.
type Event struct {
	// JobID identifies the import job.
	JobID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Site scopes fetch events to a host label.
	Site string
	// Reference is the document being processed, without credentials.
	Reference string
	// Fetcher names the fetcher that produced the response.
	Fetcher string
	Bytes   int64
	// StatusClass groups HTTP response codes for FETCH_DONE.
	StatusClass StatusClass
	// Outcome is the import status (accepted, rejected, error) for IMPORT_DONE.
	Outcome string
	Dur     time.Duration
	// Note carries low-volume context such as a rejection reason or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageCommitDone, StageCommitError:
	case StageFetchStart:
		if e.Site == "" {
			return errors.New("fetch start requires site")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageImportDone:
		if e.Outcome == "" {
			return errors.New("import done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
