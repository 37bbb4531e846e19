// Package engine implements the workflow coordinator: template
// registration, DAG-driven wavefront scheduling with bounded
// parallelism, per-step retries with exponential backoff, shared run
// context with ${name} substitution, and workflow lifecycle control
// (pause, resume, cancel).
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/expressions"
	"github.com/arenstad/conduit/pkg/schema"
)

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	// MaxConcurrentWorkflows caps simultaneously executing workflows.
	MaxConcurrentWorkflows int
	// DefaultMaxParallelSteps applies when a template does not set its own.
	DefaultMaxParallelSteps int
	// DefaultStepTimeout applies to steps without an explicit timeout.
	DefaultStepTimeout time.Duration
	// PausePollInterval is how often a paused run re-checks its state.
	PausePollInterval time.Duration
	// MonitorInterval is how often the watchdog sweeps for runs past
	// their global timeout.
	MonitorInterval time.Duration
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxConcurrentWorkflows:  10,
		DefaultMaxParallelSteps: 4,
		DefaultStepTimeout:      30 * time.Second,
		PausePollInterval:       50 * time.Millisecond,
		MonitorInterval:         10 * time.Second,
	}
}

// Archiver persists terminal workflow snapshots. A nil archiver disables
// persistence.
type Archiver interface {
	SaveRun(ctx context.Context, snap *WorkflowSnapshot) error
}

// StepState is the observable state of one step in a run.
type StepState struct {
	ID           string            `json:"id"`
	Status       schema.StepStatus `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Result       map[string]any    `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// WorkflowSnapshot is a point-in-time view of a run. Snapshots of
// workflows that are not executing are stable across calls.
type WorkflowSnapshot struct {
	ID           string                `json:"id"`
	TemplateName string                `json:"template_name"`
	Status       schema.WorkflowStatus `json:"status"`
	Steps        map[string]StepState  `json:"steps"`
	Context      map[string]any        `json:"context"`
	Error        string                `json:"error,omitempty"`
	Progress     float64               `json:"progress"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Pool         PoolMetrics           `json:"pool"`
}

// CoordinatorMetrics aggregates run outcomes since startup.
type CoordinatorMetrics struct {
	TemplatesRegistered int   `json:"templates_registered"`
	WorkflowsStarted    int64 `json:"workflows_started"`
	WorkflowsCompleted  int64 `json:"workflows_completed"`
	WorkflowsFailed     int64 `json:"workflows_failed"`
	WorkflowsCancelled  int64 `json:"workflows_cancelled"`
	WorkflowsRunning    int   `json:"workflows_running"`
	StepsExecuted       int64 `json:"steps_executed"`
	StepsFailed         int64 `json:"steps_failed"`
	StepsSkipped        int64 `json:"steps_skipped"`
	// SuccessRate is completed / (completed + failed); 0 before any run
	// finishes. Cancelled runs are excluded.
	SuccessRate float64 `json:"success_rate"`
	// AvgCompletionMS is the mean wall-clock duration of completed runs.
	AvgCompletionMS float64 `json:"avg_completion_ms"`
}

type templateEntry struct {
	doc *schema.TemplateDocument
	dag *DAG
}

// workflowRun is the coordinator's internal state for one run.
type workflowRun struct {
	id       string
	template *schema.TemplateDocument
	dag      *DAG
	data     *RunContext
	pool     *WorkerPool

	baseCtx     context.Context
	cancel      context.CancelFunc
	paused      atomic.Bool
	userStop    atomic.Bool // Cancel() was called, distinguishes from timeout
	done        chan struct{}
	deadline    time.Time // zero when no global timeout
	timeout     time.Duration
	strategy    schema.FailureStrategy
	retriedPass bool

	mu          sync.Mutex
	started     bool // Execute was called
	status      schema.WorkflowStatus
	steps       map[string]*StepState
	errMsg      string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

// Coordinator orchestrates workflow runs against the agent registry.
type Coordinator struct {
	mu        sync.RWMutex
	templates map[string]*templateEntry
	runs      map[string]*workflowRun

	registry *agent.Registry
	engines  map[string]expressions.Engine
	wfFSM    *WorkflowFSM
	stepFSM  *StepFSM
	archiver Archiver
	config   CoordinatorConfig
	logger   *slog.Logger

	metrics struct {
		started, completed, failed, cancelled int64
		stepsExecuted, stepsFailed, stepsSkipped int64
		completionNanos int64 // sum of wall-clock time of completed runs
	}

	watchdogOnce sync.Once
	shutdownOnce sync.Once
	watchdogStop chan struct{}
}

// NewCoordinator creates a coordinator. recorder and archiver may be nil.
func NewCoordinator(registry *agent.Registry, config CoordinatorConfig, recorder TransitionRecorder, archiver Archiver, logger *slog.Logger) (*Coordinator, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCoordinatorConfig()
	if config.MaxConcurrentWorkflows <= 0 {
		config.MaxConcurrentWorkflows = def.MaxConcurrentWorkflows
	}
	if config.DefaultMaxParallelSteps <= 0 {
		config.DefaultMaxParallelSteps = def.DefaultMaxParallelSteps
	}
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = def.DefaultStepTimeout
	}
	if config.PausePollInterval <= 0 {
		config.PausePollInterval = def.PausePollInterval
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = def.MonitorInterval
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		templates: make(map[string]*templateEntry),
		runs:      make(map[string]*workflowRun),
		registry:  registry,
		engines: map[string]expressions.Engine{
			"expr": expressions.NewExprEngine(),
			"cel":  celEngine,
		},
		wfFSM:        NewWorkflowFSM(recorder),
		stepFSM:      NewStepFSM(recorder),
		archiver:     archiver,
		config:       config,
		logger:       logger,
		watchdogStop: make(chan struct{}),
	}, nil
}

// RegisterTemplate validates a template and makes it available for
// StartWorkflow. Registering an existing name is a conflict.
func (c *Coordinator) RegisterTemplate(doc *schema.TemplateDocument) error {
	if err := schema.ValidateTemplate(doc); err != nil {
		return err
	}

	clone := doc.Clone()
	dag, err := ParseDAG(clone)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.templates[clone.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "template %q already registered", clone.Name)
	}
	c.templates[clone.Name] = &templateEntry{doc: clone, dag: dag}
	c.logger.Info("template registered",
		slog.String("template", clone.Name), slog.Int("steps", len(clone.Steps)))
	return nil
}

// Template returns a deep copy of a registered template.
func (c *Coordinator) Template(name string) (*schema.TemplateDocument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.templates[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not registered", name)
	}
	return entry.doc.Clone(), nil
}

// Templates lists registered template names, sorted.
func (c *Coordinator) Templates() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstantiateFromTemplate deep-copies a registered template into a
// pending workflow seeded with the given context. workflowID may be
// empty, in which case one is minted. The run does not execute until
// Execute is called and occupies no concurrency slot until then.
func (c *Coordinator) InstantiateFromTemplate(templateName, workflowID string, seed map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.templates[templateName]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "template %q not registered", templateName)
	}
	return c.addRun(entry, workflowID, seed)
}

// CreateWorkflow builds a pending workflow directly from step
// definitions, without registering the document as a template. The
// document is validated and DAG-checked the same way RegisterTemplate
// validates it.
func (c *Coordinator) CreateWorkflow(doc *schema.TemplateDocument, workflowID string, seed map[string]any) (string, error) {
	if err := schema.ValidateTemplate(doc); err != nil {
		return "", err
	}
	clone := doc.Clone()
	dag, err := ParseDAG(clone)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRun(&templateEntry{doc: clone, dag: dag}, workflowID, seed)
}

// addRun registers a pending run. Caller holds c.mu.
func (c *Coordinator) addRun(entry *templateEntry, workflowID string, seed map[string]any) (string, error) {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	if _, exists := c.runs[workflowID]; exists {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow %s already exists", workflowID)
	}
	run := c.newRun(entry, workflowID, seed)
	c.runs[workflowID] = run
	return workflowID, nil
}

// Execute begins asynchronous execution of an instantiated workflow,
// merging extra into its context first. Fails on an unknown id, a
// workflow that already executed, or with CAPACITY_EXCEEDED when the
// concurrent-workflow ceiling is reached.
func (c *Coordinator) Execute(ctx context.Context, workflowID string, extra map[string]any) error {
	run, err := c.run(workflowID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	active := 0
	for _, other := range c.runs {
		if other.executing() {
			active++
		}
	}
	if active >= c.config.MaxConcurrentWorkflows {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeCapacity,
			"max concurrent workflows reached (%d)", c.config.MaxConcurrentWorkflows).
			WithDetails(map[string]any{"limit": c.config.MaxConcurrentWorkflows})
	}

	run.mu.Lock()
	if run.started || run.status != schema.WorkflowStatusPending {
		status := run.status
		run.mu.Unlock()
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s is already %s", workflowID, status)
	}
	run.started = true
	// The global-timeout clock starts at execution, not instantiation.
	if run.timeout > 0 {
		run.deadline = time.Now().Add(run.timeout)
		dctx, dcancel := context.WithDeadline(run.baseCtx, run.deadline)
		cancelRun := run.cancel
		run.baseCtx = dctx
		run.cancel = func() { dcancel(); cancelRun() }
	}
	run.mu.Unlock()
	c.mu.Unlock()

	for k, v := range extra {
		run.data.Set(k, v)
	}

	atomic.AddInt64(&c.metrics.started, 1)
	c.startWatchdog()
	go c.executeRun(run)
	return nil
}

// StartWorkflow instantiates a template and immediately executes it.
// Returns the new workflow ID.
func (c *Coordinator) StartWorkflow(ctx context.Context, templateName string, initial map[string]any) (string, error) {
	id, err := c.InstantiateFromTemplate(templateName, "", initial)
	if err != nil {
		return "", err
	}
	if err := c.Execute(ctx, id, nil); err != nil {
		c.mu.Lock()
		delete(c.runs, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

func (c *Coordinator) newRun(entry *templateEntry, workflowID string, initial map[string]any) *workflowRun {
	doc := entry.doc
	maxParallel := doc.MaxParallelSteps
	if maxParallel <= 0 {
		maxParallel = c.config.DefaultMaxParallelSteps
	}

	var timeout time.Duration
	if doc.GlobalTimeout != "" {
		timeout, _ = time.ParseDuration(doc.GlobalTimeout) // validated at registration
	}

	strategy := doc.FailureStrategy
	if strategy == "" {
		strategy = schema.FailureStop
	}

	steps := make(map[string]*StepState, len(entry.dag.Steps))
	for id := range entry.dag.Steps {
		steps[id] = &StepState{ID: id, Status: schema.StepStatusWaiting}
	}

	run := &workflowRun{
		id:        workflowID,
		template:  doc,
		dag:       entry.dag,
		data:      NewRunContext(initial),
		pool:      NewWorkerPool(maxParallel),
		done:      make(chan struct{}),
		timeout:   timeout,
		strategy:  strategy,
		status:    schema.WorkflowStatusPending,
		steps:     steps,
		createdAt: time.Now(),
	}

	// The run context exists before execution starts so Cancel can
	// always interrupt it, never racing with executeRun. Execute layers
	// the global-timeout deadline on top.
	run.baseCtx, run.cancel = context.WithCancel(context.Background())

	return run
}

// Pause suspends scheduling of new steps. In-flight steps run to
// completion; the run resumes from the same frontier on Resume.
func (c *Coordinator) Pause(ctx context.Context, workflowID string) error {
	run, err := c.run(workflowID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, run, schema.WorkflowStatusRunning, schema.WorkflowStatusPaused); err != nil {
		return err
	}
	run.paused.Store(true)
	c.logger.InfoContext(ctx, "workflow paused", slog.String("workflow_id", workflowID))
	return nil
}

// Resume restarts scheduling of a paused workflow.
func (c *Coordinator) Resume(ctx context.Context, workflowID string) error {
	run, err := c.run(workflowID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, run, schema.WorkflowStatusPaused, schema.WorkflowStatusRunning); err != nil {
		return err
	}
	run.paused.Store(false)
	c.logger.InfoContext(ctx, "workflow resumed", slog.String("workflow_id", workflowID))
	return nil
}

// Cancel stops a workflow. In-flight steps are interrupted through
// context cancellation; pending steps are skipped. Cancelling a
// workflow that already reached a terminal state is an error.
func (c *Coordinator) Cancel(ctx context.Context, workflowID string) error {
	run, err := c.run(workflowID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	status := run.status
	cancel := run.cancel
	run.mu.Unlock()
	if status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s is already %s", workflowID, status)
	}

	run.userStop.Store(true)
	run.paused.Store(false) // a paused run must observe the cancel
	if cancel != nil {
		cancel()
	}

	// Pending runs never started their goroutine's context; finalize here.
	if status == schema.WorkflowStatusPending {
		c.finalizeRun(ctx, run, schema.WorkflowStatusCancelled, "cancelled before start")
	}

	c.logger.InfoContext(ctx, "workflow cancel requested", slog.String("workflow_id", workflowID))
	return nil
}

// Status returns a snapshot of a run.
func (c *Coordinator) Status(workflowID string) (*WorkflowSnapshot, error) {
	run, err := c.run(workflowID)
	if err != nil {
		return nil, err
	}
	return run.snapshot(), nil
}

// ListWorkflows returns snapshots of all known runs, newest first.
func (c *Coordinator) ListWorkflows() []*WorkflowSnapshot {
	c.mu.RLock()
	runs := make([]*workflowRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.mu.RUnlock()

	snaps := make([]*WorkflowSnapshot, 0, len(runs))
	for _, run := range runs {
		snaps = append(snaps, run.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, workflowID string) (*WorkflowSnapshot, error) {
	run, err := c.run(workflowID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Metrics returns aggregate coordinator metrics.
func (c *Coordinator) Metrics() CoordinatorMetrics {
	c.mu.RLock()
	templates := len(c.templates)
	running := 0
	for _, run := range c.runs {
		if !run.Status().Terminal() {
			running++
		}
	}
	c.mu.RUnlock()

	completed := atomic.LoadInt64(&c.metrics.completed)
	failed := atomic.LoadInt64(&c.metrics.failed)

	var successRate, avgMS float64
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		avgMS = float64(atomic.LoadInt64(&c.metrics.completionNanos)) / float64(completed) / float64(time.Millisecond)
	}

	return CoordinatorMetrics{
		TemplatesRegistered: templates,
		WorkflowsStarted:    atomic.LoadInt64(&c.metrics.started),
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		WorkflowsCancelled:  atomic.LoadInt64(&c.metrics.cancelled),
		WorkflowsRunning:    running,
		StepsExecuted:       atomic.LoadInt64(&c.metrics.stepsExecuted),
		StepsFailed:         atomic.LoadInt64(&c.metrics.stepsFailed),
		StepsSkipped:        atomic.LoadInt64(&c.metrics.stepsSkipped),
		SuccessRate:         successRate,
		AvgCompletionMS:     avgMS,
	}
}

// Shutdown cancels every active run and waits for their goroutines.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.watchdogStop) })

	c.mu.RLock()
	runs := make([]*workflowRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.mu.RUnlock()

	for _, run := range runs {
		run.mu.Lock()
		terminal := run.status.Terminal()
		cancel := run.cancel
		run.mu.Unlock()
		if terminal {
			continue
		}
		run.userStop.Store(true)
		run.paused.Store(false)
		if cancel != nil {
			cancel()
		}
	}
	for _, run := range runs {
		// Dormant instantiations have no goroutine to wait for.
		run.mu.Lock()
		started := run.started
		run.mu.Unlock()
		if !started {
			continue
		}
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) run(workflowID string) (*workflowRun, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.runs[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	return run, nil
}

// transition validates a workflow transition through the FSM and applies
// it to the run under its lock.
func (c *Coordinator) transition(ctx context.Context, run *workflowRun, from, to schema.WorkflowStatus) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.status != from {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s is %s, not %s", run.id, run.status, from)
	}
	if err := c.wfFSM.Transition(ctx, run.id, from, to); err != nil {
		return err
	}
	run.status = to
	return nil
}

// Status returns the run's current workflow status.
func (r *workflowRun) Status() schema.WorkflowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// executing reports whether the run occupies a concurrency slot:
// executed but not yet terminal. Dormant instantiations don't count.
func (r *workflowRun) executing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.status.Terminal()
}

func (r *workflowRun) snapshot() *WorkflowSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make(map[string]StepState, len(r.steps))
	terminal := 0
	for id, st := range r.steps {
		steps[id] = *st
		if st.Status.Terminal() {
			terminal++
		}
	}
	var progress float64
	if len(steps) > 0 {
		progress = float64(terminal) / float64(len(steps))
	}

	return &WorkflowSnapshot{
		ID:           r.id,
		TemplateName: r.template.Name,
		Status:       r.status,
		Steps:        steps,
		Context:      r.data.Snapshot(),
		Error:        r.errMsg,
		Progress:     progress,
		CreatedAt:    r.createdAt,
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
		Pool:         r.pool.Metrics(),
	}
}
