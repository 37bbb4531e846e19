// Package scheduler triggers workflow runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arenstad/conduit/pkg/schema"
)

// WorkflowStarter is the interface the scheduler uses to launch runs.
// Satisfied by engine.Coordinator.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, templateName string, initial map[string]any) (string, error)
}

// Job binds a cron expression to a template and its initial context.
type Job struct {
	ID            string         `json:"id"`
	CronExpr      string         `json:"cron"`
	TemplateName  string         `json:"template"`
	Initial       map[string]any `json:"initial,omitempty"`
	Enabled       bool           `json:"enabled"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
	LastRunID     string         `json:"last_run_id,omitempty"`
}

// Scheduler holds the job table and runs due jobs on a fixed tick.
type Scheduler struct {
	starter WorkflowStarter
	parser  cron.Parser
	tickInt time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a scheduler. tickInterval <= 0 defaults to one
// minute, the resolution of standard five-field cron expressions.
func NewScheduler(starter WorkflowStarter, tickInterval time.Duration, logger *slog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tickInt:  tickInterval,
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// AddJob validates the cron expression and registers the job. The next
// run time is computed immediately.
func (s *Scheduler) AddJob(job Job) error {
	if job.ID == "" || job.TemplateName == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires an id and a template")
	}
	next, err := s.CalculateNextRun(job.CronExpr, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", job.CronExpr).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	job.NextRunAt = &next
	s.jobs[job.ID] = &job
	return nil
}

// RemoveJob deletes a job from the table.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled flips a job's enabled flag.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	job.Enabled = enabled
	return nil
}

// ListJobs returns a snapshot of the job table sorted by ID.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tickInt))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInt)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled job whose next run time has arrived. Exported
// so callers can force a sweep without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job, now)
		s.release(job.ID)
	}
}

// runJob launches the job's workflow and updates its bookkeeping.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("template", job.TemplateName),
	)

	runID, err := s.starter.StartWorkflow(ctx, job.TemplateName, job.Initial)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed to start",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.CalculateNextRun(job.CronExpr, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Job may have been removed while running.
	current, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	current.LastRunAt = &now
	current.LastRunStatus = status
	current.LastRunID = runID
	if nerr == nil {
		current.NextRunAt = &next
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
