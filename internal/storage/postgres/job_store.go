package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/webimporter/internal/jobs"
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	error_text   TEXT NOT NULL DEFAULT '',
	parameters   JSONB NOT NULL,
	counters     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS import_documents (
	job_id       TEXT NOT NULL REFERENCES import_jobs (id) ON DELETE CASCADE,
	reference    TEXT NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	record       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS import_documents_job_id ON import_documents (job_id, fetched_at);
`

// JobStore persists import jobs and their document records.
type JobStore struct {
	db  DB
	now func() time.Time
}

// NewJobStore wraps an open pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate creates the job tables when missing.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, jobSchema); err != nil {
		return fmt.Errorf("migrate job tables: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job jobs.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO import_jobs (id, status, submitted_at, error_text, parameters, counters)
VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, string(job.Status), job.Submitted, job.ErrorText, params, counters)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus sets status, error text and counters. Start and finish
// times are stamped once.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status jobs.Status,
	errText string,
	counters jobs.Counters,
) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	var started, finished *time.Time
	now := s.now()
	if status == jobs.StatusRunning {
		started = &now
	}
	if status.Terminal() {
		finished = &now
	}
	tag, err := s.db.Exec(ctx, `
UPDATE import_jobs
SET status = $2, error_text = $3, counters = $4,
	started_at = COALESCE(started_at, $5),
	finished_at = COALESCE(finished_at, $6)
WHERE id = $1`,
		jobID, string(status), errText, countersJSON, started, finished)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", jobID, jobs.ErrNotFound)
	}
	return nil
}

// RecordDocument appends a document row for a job.
func (s *JobStore) RecordDocument(ctx context.Context, record jobs.DocumentRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal document record: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO import_documents (job_id, reference, fetched_at, record)
VALUES ($1, $2, $3, $4)`,
		record.JobID, record.Reference, record.FetchedAt, payload)
	if err != nil {
		return fmt.Errorf("insert document record: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	var (
		job                jobs.Job
		status             string
		started, finished  pgtype.Timestamptz
		params, counterRaw []byte
	)
	err := s.db.QueryRow(ctx, `
SELECT id, status, submitted_at, started_at, finished_at, error_text, parameters, counters
FROM import_jobs WHERE id = $1`, jobID).
		Scan(&job.ID, &status, &job.Submitted, &started, &finished, &job.ErrorText, &params, &counterRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("get %s: %w", jobID, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = jobs.Status(status)
	job.Started = timePtr(started)
	job.Finished = timePtr(finished)
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return jobs.Job{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal(counterRaw, &job.Counters); err != nil {
		return jobs.Job{}, fmt.Errorf("decode counters: %w", err)
	}
	return job, nil
}

// ListDocuments returns the document records of a job in fetch order.
func (s *JobStore) ListDocuments(ctx context.Context, jobID string) ([]jobs.DocumentRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT record FROM import_documents WHERE job_id = $1 ORDER BY fetched_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()
	out := []jobs.DocumentRecord{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var rec jobs.DocumentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
