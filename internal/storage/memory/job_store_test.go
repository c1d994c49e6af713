package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/webimporter/internal/jobs"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := jobs.Job{ID: "job-1", Status: jobs.StatusQueued}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}
	if err := store.UpdateJobStatus(ctx, job.ID, jobs.StatusRunning, "", jobs.Counters{}); err != nil {
		t.Fatalf("UpdateJobStatus running error = %v", err)
	}
	record := jobs.DocumentRecord{JobID: job.ID, Reference: "https://example.com"}
	if err := store.RecordDocument(ctx, record); err != nil {
		t.Fatalf("RecordDocument() error = %v", err)
	}
	docs, err := store.ListDocuments(ctx, job.ID)
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments() unexpected result: docs=%v err=%v", docs, err)
	}
	docs[0].Reference = "modified"
	if store.documents[job.ID][0].Reference != "https://example.com" {
		t.Fatal("expected ListDocuments to return a copy")
	}

	err = store.UpdateJobStatus(ctx, job.ID, jobs.StatusSucceeded, "done", jobs.Counters{Accepted: 1})
	if err != nil {
		t.Fatalf("UpdateJobStatus succeeded error = %v", err)
	}
	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != jobs.StatusSucceeded || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.ErrorText != "done" || final.Counters.Accepted != 1 {
		t.Fatalf("expected counters/error text to persist, got %+v", final)
	}
}

func TestJobStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	if _, err := store.GetJob(context.Background(), "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := store.UpdateJobStatus(context.Background(), "nope", jobs.StatusFailed, "", jobs.Counters{})
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
