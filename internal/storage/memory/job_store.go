package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/webimporter/internal/jobs"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]jobs.Job
	documents map[string][]jobs.DocumentRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]jobs.Job),
		documents: make(map[string][]jobs.DocumentRecord),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and counters for a job.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status jobs.Status,
	errText string,
	counters jobs.Counters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update %s: %w", jobID, jobs.ErrNotFound)
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := time.Now().UTC()
	if status == jobs.StatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() && job.Finished == nil {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RecordDocument appends a document row for a job.
func (s *JobStore) RecordDocument(_ context.Context, record jobs.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[record.JobID] = append(s.documents[record.JobID], record)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, fmt.Errorf("get %s: %w", jobID, jobs.ErrNotFound)
	}
	return job, nil
}

// ListDocuments returns all recorded documents for a job.
func (s *JobStore) ListDocuments(_ context.Context, jobID string) ([]jobs.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.documents[jobID]
	out := make([]jobs.DocumentRecord, len(records))
	copy(out, records)
	return out, nil
}
