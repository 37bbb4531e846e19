package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arenstad/conduit/internal/expressions"
	"github.com/arenstad/conduit/internal/logging"
	"github.com/arenstad/conduit/pkg/schema"
)

// executeRun drives one workflow to a terminal state. Scheduling is
// wavefront-based: every iteration collects the steps whose dependencies
// are satisfied, dispatches them through the run's bounded pool, and
// waits for the whole wave before computing the next frontier.
func (c *Coordinator) executeRun(run *workflowRun) {
	defer run.cancel()

	runCtx := logging.WithWorkflowID(run.baseCtx, run.id)

	if err := c.transition(runCtx, run, schema.WorkflowStatusPending, schema.WorkflowStatusRunning); err != nil {
		// Cancelled before the goroutine got going; Cancel finalized it.
		return
	}
	run.mu.Lock()
	now := time.Now()
	run.startedAt = &now
	run.mu.Unlock()

	c.logger.InfoContext(runCtx, "workflow started",
		slog.String("template", run.template.Name),
		slog.Int("steps", len(run.dag.Steps)),
		slog.Int("max_parallel", run.pool.Size()))

	for {
		if runCtx.Err() != nil {
			break
		}

		if run.paused.Load() {
			time.Sleep(c.config.PausePollInterval)
			continue
		}

		ready := c.collectFrontier(runCtx, run)
		if len(ready) == 0 {
			if c.rearmFailedSteps(runCtx, run) {
				continue
			}
			break
		}

		// Dispatch the wave. Marking steps running before Submit keeps
		// the frontier stable while the pool applies backpressure.
		for _, stepID := range ready {
			id := stepID
			if err := c.markStepRunning(runCtx, run, id); err != nil {
				continue
			}
			if err := run.pool.Submit(runCtx, func(ctx context.Context) error {
				return c.runStep(ctx, run, id)
			}); err != nil {
				if runCtx.Err() != nil {
					// Teardown raced the dispatch; the step is abandoned.
					continue
				}
				c.failStep(runCtx, run, id, schema.NewErrorf(schema.ErrCodeWorkflowFailed,
					"dispatch step %s: %s", id, err.Error()).WithCause(err))
			}
		}
		run.pool.Wait()

		if run.strategy == schema.FailureStop && run.failedCount() > 0 {
			break
		}
	}

	c.finishRun(runCtx, run)
}

// collectFrontier returns the waiting steps whose dependencies are all
// satisfied, cascade-skipping steps downstream of failed or skipped
// dependencies. Under retry_failed, steps below a failed dependency stay
// waiting until the re-arm pass has happened.
func (c *Coordinator) collectFrontier(ctx context.Context, run *workflowRun) []string {
	for {
		run.mu.Lock()
		var ready, toSkip []string
		skipReasons := make(map[string]string)

		for _, id := range run.dag.Sorted {
			st := run.steps[id]
			if st.Status != schema.StepStatusWaiting {
				continue
			}

			allTerminal := true
			var failedDep, skippedDep string
			for _, dep := range run.dag.Edges[id] {
				switch run.steps[dep].Status {
				case schema.StepStatusCompleted:
				case schema.StepStatusFailed:
					failedDep = dep
				case schema.StepStatusSkipped:
					skippedDep = dep
				default:
					allTerminal = false
				}
			}
			if !allTerminal {
				continue
			}

			if failedDep != "" && run.strategy == schema.FailureRetryFailed && !run.retriedPass {
				// The failed dependency may still succeed on the retry
				// pass; hold the dependent back.
				continue
			}
			if failedDep != "" {
				if run.strategy == schema.FailureStop {
					// The workflow is about to fail; dependents of a
					// failed step stay waiting.
					continue
				}
				toSkip = append(toSkip, id)
				skipReasons[id] = fmt.Sprintf("dependency %s failed", failedDep)
				continue
			}
			if skippedDep != "" {
				toSkip = append(toSkip, id)
				skipReasons[id] = fmt.Sprintf("dependency %s was skipped", skippedDep)
				continue
			}
			ready = append(ready, id)
		}
		run.mu.Unlock()

		for _, id := range toSkip {
			c.skipStep(ctx, run, id, skipReasons[id])
		}
		if len(toSkip) > 0 {
			// Cascade skips may have unblocked (or doomed) more steps.
			continue
		}

		// Gate the surviving frontier on step conditions.
		dispatch := ready[:0]
		for _, id := range ready {
			ok := c.evaluateCondition(ctx, run, id)
			if ok {
				dispatch = append(dispatch, id)
			}
		}
		if len(dispatch) == 0 && len(ready) > 0 {
			// Everything in this wave was skipped or failed its
			// condition; recompute downstream effects.
			continue
		}
		return dispatch
	}
}

// evaluateCondition runs a step's gating predicate against the current
// run context. True (or no condition) dispatches the step; false skips
// it; an evaluation error fails it without consuming a pool slot.
func (c *Coordinator) evaluateCondition(ctx context.Context, run *workflowRun, stepID string) bool {
	step := run.dag.Steps[stepID]
	if step.Condition == "" {
		return true
	}

	engineName := step.ConditionEngine
	if engineName == "" {
		engineName = "expr"
	}
	engine := c.engines[engineName]

	result, err := engine.Evaluate(ctx, step.Condition, run.data.Snapshot())
	if err != nil {
		c.failWaitingStep(ctx, run, stepID, schema.NewErrorf(schema.ErrCodeStepFailed,
			"condition evaluation failed: %s", err.Error()).WithStep(stepID).WithCause(err))
		return false
	}
	if !expressions.Truthy(result) {
		c.skipStep(ctx, run, stepID, "condition evaluated to false")
		return false
	}
	return true
}

// runStep executes one step with its retry budget. Attempt n waits
// 2^n seconds before retrying, so a step with retryAttempts=N that
// never succeeds ends failed with an attempt count of N+1.
func (c *Coordinator) runStep(ctx context.Context, run *workflowRun, stepID string) error {
	step := run.dag.Steps[stepID]
	ctx = logging.WithStepID(ctx, stepID)

	stepTimeout := c.config.DefaultStepTimeout
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			stepTimeout = d
		}
	}

	var lastErr error
	for attempt := 0; attempt <= step.RetryAttempts; attempt++ {
		run.mu.Lock()
		run.steps[stepID].AttemptCount = attempt + 1
		run.mu.Unlock()

		task := &schema.Task{
			ID:         uuid.NewString(),
			Type:       step.TaskType,
			Input:      run.data.ResolveMap(step.TaskData),
			CreatedAt:  time.Now(),
			RetryCount: attempt,
			MaxRetries: step.RetryAttempts,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		out, err := c.registry.Execute(attemptCtx, step.AgentName, task)
		cancel()

		if err == nil {
			c.completeStep(ctx, run, stepID, out)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Workflow-level cancel or global timeout; do not retry.
			break
		}
		if attempt < step.RetryAttempts && IsRetryableError(err) {
			delay := Backoff(attempt)
			c.logger.WarnContext(ctx, "step failed, retrying",
				slog.String("agent", step.AgentName),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()))
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				break
			}
			continue
		}
		break
	}

	if ctx.Err() != nil {
		// Workflow teardown (cancel or global timeout); the step is
		// abandoned with no further status update.
		return lastErr
	}
	c.failStep(ctx, run, stepID, lastErr)
	return lastErr
}

// markStepRunning transitions a step waiting → running.
func (c *Coordinator) markStepRunning(ctx context.Context, run *workflowRun, stepID string) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	st := run.steps[stepID]
	if err := c.stepFSM.Transition(ctx, run.id, stepID, st.Status, schema.StepStatusRunning); err != nil {
		return err
	}
	st.Status = schema.StepStatusRunning
	now := time.Now()
	st.StartedAt = &now
	return nil
}

// completeStep records a successful result and publishes it to the run
// context: the full map under step_<id>_result plus flattened
// non-underscore keys.
func (c *Coordinator) completeStep(ctx context.Context, run *workflowRun, stepID string, result map[string]any) {
	run.data.StoreStepResult(stepID, result)

	run.mu.Lock()
	st := run.steps[stepID]
	_ = c.stepFSM.Transition(ctx, run.id, stepID, st.Status, schema.StepStatusCompleted)
	st.Status = schema.StepStatusCompleted
	st.Result = result
	st.Error = ""
	now := time.Now()
	st.CompletedAt = &now
	attempts := st.AttemptCount
	run.mu.Unlock()

	atomic.AddInt64(&c.metrics.stepsExecuted, 1)
	c.logger.InfoContext(ctx, "step completed", slog.Int("attempts", attempts))
}

// failStep records a step failure after its retry budget is exhausted.
func (c *Coordinator) failStep(ctx context.Context, run *workflowRun, stepID string, cause error) {
	msg := "step failed"
	if cause != nil {
		msg = cause.Error()
	}

	run.mu.Lock()
	st := run.steps[stepID]
	_ = c.stepFSM.Transition(ctx, run.id, stepID, st.Status, schema.StepStatusFailed)
	st.Status = schema.StepStatusFailed
	st.Error = msg
	now := time.Now()
	st.CompletedAt = &now
	attempts := st.AttemptCount
	run.mu.Unlock()

	atomic.AddInt64(&c.metrics.stepsFailed, 1)
	c.logger.ErrorContext(ctx, "step failed",
		slog.Int("attempts", attempts), slog.String("error", msg))
}

// failWaitingStep fails a step that never dispatched (condition error).
func (c *Coordinator) failWaitingStep(ctx context.Context, run *workflowRun, stepID string, cause error) {
	run.mu.Lock()
	st := run.steps[stepID]
	_ = c.stepFSM.Transition(ctx, run.id, stepID, st.Status, schema.StepStatusFailed)
	st.Status = schema.StepStatusFailed
	st.AttemptCount = 0
	st.Error = cause.Error()
	now := time.Now()
	st.CompletedAt = &now
	run.mu.Unlock()

	atomic.AddInt64(&c.metrics.stepsFailed, 1)
	c.logger.ErrorContext(ctx, "step condition failed",
		slog.String("step_id", stepID), slog.String("error", cause.Error()))
}

// skipStep marks a step skipped with a reason.
func (c *Coordinator) skipStep(ctx context.Context, run *workflowRun, stepID, reason string) {
	run.mu.Lock()
	st := run.steps[stepID]
	if st.Status.Terminal() {
		run.mu.Unlock()
		return
	}
	_ = c.stepFSM.Transition(ctx, run.id, stepID, st.Status, schema.StepStatusSkipped)
	st.Status = schema.StepStatusSkipped
	st.Error = reason
	now := time.Now()
	st.CompletedAt = &now
	run.mu.Unlock()

	atomic.AddInt64(&c.metrics.stepsSkipped, 1)
	c.logger.InfoContext(ctx, "step skipped",
		slog.String("step_id", stepID), slog.String("reason", reason))
}

// rearmFailedSteps gives failed steps one extra pass under the
// retry_failed strategy. Returns true if any step was re-armed.
func (c *Coordinator) rearmFailedSteps(ctx context.Context, run *workflowRun) bool {
	if run.strategy != schema.FailureRetryFailed || run.retriedPass {
		return false
	}

	run.mu.Lock()
	var rearmed []string
	for id, st := range run.steps {
		if st.Status != schema.StepStatusFailed {
			continue
		}
		if err := c.stepFSM.Transition(ctx, run.id, id, st.Status, schema.StepStatusWaiting); err != nil {
			continue
		}
		st.Status = schema.StepStatusWaiting
		st.Error = ""
		st.CompletedAt = nil
		rearmed = append(rearmed, id)
	}
	run.retriedPass = true
	run.mu.Unlock()

	if len(rearmed) == 0 {
		return false
	}
	c.logger.InfoContext(ctx, "re-running failed steps",
		slog.Int("count", len(rearmed)))
	return true
}

func (r *workflowRun) failedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.steps {
		if st.Status == schema.StepStatusFailed {
			n++
		}
	}
	return n
}

// finishRun classifies the terminal outcome and finalizes the run.
// Steps that never dispatched keep their waiting state: dependents of a
// failed step under the stop strategy, and anything pending when the run
// was torn down.
func (c *Coordinator) finishRun(ctx context.Context, run *workflowRun) {
	var status schema.WorkflowStatus
	var errMsg string
	switch {
	case run.userStop.Load():
		status = schema.WorkflowStatusCancelled
		errMsg = "cancelled by request"
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		status = schema.WorkflowStatusFailed
		errMsg = fmt.Sprintf("global timeout %s exceeded", run.timeout)
	case ctx.Err() != nil:
		status = schema.WorkflowStatusCancelled
		errMsg = "cancelled"
	case run.failedCount() > 0 && run.strategy != schema.FailureContinue:
		status = schema.WorkflowStatusFailed
		errMsg = fmt.Sprintf("%d step(s) failed", run.failedCount())
	default:
		// Under the continue strategy the workflow completes even with
		// failed steps; they stay visible in the step states.
		status = schema.WorkflowStatusCompleted
	}

	c.finalizeRun(ctx, run, status, errMsg)
}

// finalizeRun applies the terminal transition, updates metrics, archives
// the snapshot and releases waiters. Idempotent: a run that is already
// terminal is left untouched.
func (c *Coordinator) finalizeRun(ctx context.Context, run *workflowRun, status schema.WorkflowStatus, errMsg string) {
	run.mu.Lock()
	if run.status.Terminal() {
		run.mu.Unlock()
		return
	}
	from := run.status
	if err := c.wfFSM.Transition(ctx, run.id, from, status); err != nil {
		// Transition table should always allow a terminal exit; log and
		// force the state so the run cannot wedge.
		c.logger.ErrorContext(ctx, "terminal transition rejected",
			slog.String("from", string(from)), slog.String("to", string(status)),
			slog.String("error", err.Error()))
	}
	run.status = status
	run.errMsg = errMsg
	now := time.Now()
	run.completedAt = &now
	var elapsed time.Duration
	if run.startedAt != nil {
		elapsed = now.Sub(*run.startedAt)
	}
	close(run.done)
	run.mu.Unlock()

	run.pool.Shutdown()

	switch status {
	case schema.WorkflowStatusCompleted:
		atomic.AddInt64(&c.metrics.completed, 1)
		atomic.AddInt64(&c.metrics.completionNanos, int64(elapsed))
	case schema.WorkflowStatusFailed:
		atomic.AddInt64(&c.metrics.failed, 1)
	case schema.WorkflowStatusCancelled:
		atomic.AddInt64(&c.metrics.cancelled, 1)
	}

	c.logger.InfoContext(ctx, "workflow finished",
		slog.String("workflow_id", run.id),
		slog.String("status", string(status)),
		slog.String("error", errMsg))

	if c.archiver != nil {
		archiveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.archiver.SaveRun(archiveCtx, run.snapshot()); err != nil {
			c.logger.ErrorContext(ctx, "archive workflow run",
				slog.String("workflow_id", run.id), slog.String("error", err.Error()))
		}
	}
}

// startWatchdog launches the background sweep that cancels runs stuck
// past their global timeout, covering dispatches blocked outside the
// run's own deadline context.
func (c *Coordinator) startWatchdog() {
	c.watchdogOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.config.MonitorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.sweepDeadlines()
				case <-c.watchdogStop:
					return
				}
			}
		}()
	})
}

func (c *Coordinator) sweepDeadlines() {
	c.mu.RLock()
	runs := make([]*workflowRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.mu.RUnlock()

	now := time.Now()
	for _, run := range runs {
		run.mu.Lock()
		deadline := run.deadline
		cancel := run.cancel
		terminal := run.status.Terminal()
		run.mu.Unlock()

		if deadline.IsZero() || terminal {
			continue
		}
		if now.After(deadline) && cancel != nil {
			c.logger.Warn("workflow exceeded global timeout",
				slog.String("workflow_id", run.id),
				slog.Duration("timeout", run.timeout))
			run.paused.Store(false)
			cancel()
		}
	}
}
