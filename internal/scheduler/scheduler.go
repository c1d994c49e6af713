// Package scheduler submits configured import templates on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/jobs"
)

// Schedule binds a cron expression to a job template.
type Schedule struct {
	Name     string `mapstructure:"name"`
	Spec     string `mapstructure:"spec"`
	Template string `mapstructure:"template"`
	// Timezone is an IANA location name. Empty means UTC.
	Timezone string `mapstructure:"timezone"`
}

// Submitter creates and enqueues a job, returning its ID.
type Submitter func(ctx context.Context, params jobs.Parameters) (string, error)

// Parser accepts five-field expressions, an optional leading seconds field
// and descriptors such as "@hourly" or "@every 10m".
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type entry struct {
	schedule Schedule
	params   jobs.Parameters
	id       cron.EntryID
}

// Scheduler runs schedules until stopped.
type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New validates every schedule against templates and registers it. Nothing
// runs until Start.
func New(
	schedules []Schedule,
	templates map[string]jobs.Parameters,
	submit Submitter,
	logger *zap.Logger,
) (*Scheduler, error) {
	if submit == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
		),
		submit:  submit,
		logger:  logger,
		timeout: 30 * time.Second,
		entries: make(map[string]*entry, len(schedules)),
	}
	for _, sc := range schedules {
		if sc.Name == "" {
			sc.Name = sc.Template
		}
		if _, dup := s.entries[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		params, ok := templates[sc.Template]
		if !ok {
			return nil, fmt.Errorf("schedule %q: template %q not found", sc.Name, sc.Template)
		}
		spec := sc.Spec
		if sc.Timezone != "" {
			if _, err := time.LoadLocation(sc.Timezone); err != nil {
				return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
			}
			spec = "CRON_TZ=" + sc.Timezone + " " + spec
		}
		sched, err := Parser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: parse %q: %w", sc.Name, sc.Spec, err)
		}
		e := &entry{schedule: sc, params: params}
		e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(e) }))
		s.entries[sc.Name] = e
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.Int("schedules", len(s.entries)))
	s.cron.Start()
}

// Stop halts new runs and waits for in-flight submissions or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Trigger submits the named schedule immediately.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("schedule %q not found", name)
	}
	return s.submitEntry(ctx, e)
}

// Next returns the next activation of the named schedule. The zero time
// means the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

func (s *Scheduler) run(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.submitEntry(ctx, e); err != nil {
		s.logger.Error("scheduled import failed",
			zap.String("schedule", e.schedule.Name),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) submitEntry(ctx context.Context, e *entry) (string, error) {
	params := e.params
	params.References = append([]string(nil), e.params.References...)
	params.Tags = make(map[string]string, len(e.params.Tags)+1)
	for k, v := range e.params.Tags {
		params.Tags[k] = v
	}
	params.Tags["schedule"] = e.schedule.Name
	jobID, err := s.submit(ctx, params)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", e.schedule.Name, err)
	}
	s.logger.Info("scheduled import submitted",
		zap.String("schedule", e.schedule.Name),
		zap.String("job_id", jobID),
	)
	return jobID, nil
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
