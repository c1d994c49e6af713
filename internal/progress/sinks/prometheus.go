package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/webimporter/internal/progress"
)

// PrometheusSink exports import progress via Prometheus. It owns its
// collectors and registers them against the supplied registry, so several
// sinks can coexist in tests.
type PrometheusSink struct {
	jobsStarted     prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	jobRuntime      *prometheus.HistogramVec
	fetchRequests   *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	importDocuments *prometheus.CounterVec
	commitErrors    prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webimporter_jobs_started_total",
			Help: "Total import jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webimporter_jobs_completed_total",
			Help: "Total import jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webimporter_jobs_running",
			Help: "Current number of running import jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webimporter_job_runtime_seconds",
			Help:    "Wall time per completed import job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webimporter_progress_fetches_total",
			Help: "Fetch completions partitioned by fetcher and status class.",
		}, []string{"fetcher", "status_class"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webimporter_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by fetcher.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"fetcher"}),
		importDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webimporter_progress_documents_total",
			Help: "Documents that went through the import pipeline partitioned by outcome.",
		}, []string{"outcome"}),
		commitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webimporter_progress_commit_errors_total",
			Help: "Documents whose commit failed.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.fetchRequests,
		s.fetchDuration,
		s.importDocuments,
		s.commitErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
			s.handleJobEvent(evt)
		case progress.StageFetchDone:
			s.handleFetchEvent(evt)
		case progress.StageImportDone:
			s.importDocuments.WithLabelValues(evt.Outcome).Inc()
		case progress.StageCommitError:
			s.commitErrors.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case progress.StageJobDone:
		s.observeCompletion(evt, "success")
	case progress.StageJobError:
		s.observeCompletion(evt, "error")
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeCompletion(evt progress.Event, label string) {
	s.jobsCompleted.WithLabelValues(label).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	fetcher := evt.Fetcher
	if fetcher == "" {
		fetcher = "unknown"
	}
	s.fetchRequests.WithLabelValues(fetcher, string(evt.StatusClass)).Inc()
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(fetcher).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *jobTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
