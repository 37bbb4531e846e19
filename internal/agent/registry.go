package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arenstad/conduit/internal/logging"
	"github.com/arenstad/conduit/pkg/schema"
)

// DefaultTaskTimeout is applied to Execute calls whose context carries no
// deadline and whose task specifies no override.
const DefaultTaskTimeout = 30 * time.Second

// RegistryConfig tunes the registry.
type RegistryConfig struct {
	// QueueSize is the per-instance task queue capacity.
	QueueSize int
	// TaskTimeout is the default per-task timeout.
	TaskTimeout time.Duration
	// Breaker configures the per-instance circuit breakers.
	Breaker BreakerConfig
	// Health configures the background health monitor.
	Health HealthConfig
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		QueueSize:   16,
		TaskTimeout: DefaultTaskTimeout,
		Breaker:     DefaultBreakerConfig(),
		Health:      DefaultHealthConfig(),
	}
}

// Registry manages agent types and their running instances. Types are
// registered once; instances are spawned from types by name and each
// owns a serialized task queue.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]*instance
	metrics   map[string]*instanceMetrics

	breakers *BreakerRegistry
	monitor  *healthMonitor
	config   RegistryConfig
	logger   *slog.Logger
}

// NewRegistry creates a registry. Call StartHealthMonitor to enable
// background probing and Shutdown to stop everything.
func NewRegistry(config RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultTaskTimeout
	}
	r := &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]*instance),
		metrics:   make(map[string]*instanceMetrics),
		breakers:  NewBreakerRegistry(config.Breaker),
		config:    config,
		logger:    logger,
	}
	r.monitor = newHealthMonitor(r, config.Health, logger)
	return r
}

// RegisterType registers an agent factory under a type name.
// Re-registering an existing type is a conflict.
func (r *Registry) RegisterType(typeName string, factory Factory) error {
	if typeName == "" || factory == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent type name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent type %q already registered", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// CreateInstance builds a named instance of a registered type without
// starting it. Instance names are unique across types; Start launches
// the runner.
func (r *Registry) CreateInstance(instanceName, typeName string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[typeName]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent type %q not registered", typeName)
	}
	if _, exists := r.instances[instanceName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent instance %q already exists", instanceName)
	}

	impl, err := factory(instanceName, config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTaskFailed,
			"create agent %q of type %q: %s", instanceName, typeName, err.Error()).WithCause(err)
	}

	r.instances[instanceName] = newInstance(instanceName, typeName, config, impl, r.config.QueueSize, r.logger)
	r.metrics[instanceName] = newInstanceMetrics()
	r.logger.Info("agent instance created",
		slog.String("agent", instanceName), slog.String("type", typeName))
	return nil
}

// Start launches a created instance's runner goroutine. Starting an
// instance twice is a conflict.
func (r *Registry) Start(instanceName string) error {
	r.mu.RLock()
	in, ok := r.instances[instanceName]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent instance %q not found", instanceName)
	}
	if !in.start() {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent instance %q already started", instanceName)
	}
	r.logger.Info("agent instance started", slog.String("agent", instanceName))
	return nil
}

// StartInstance creates and starts an instance in one call.
func (r *Registry) StartInstance(instanceName, typeName string, config map[string]any) error {
	if err := r.CreateInstance(instanceName, typeName, config); err != nil {
		return err
	}
	return r.Start(instanceName)
}

// StopInstance gracefully stops an instance: no new tasks are accepted,
// queued and in-flight work drains, then the runner exits. Stopping an
// instance that is not registered is a no-op, so a second stop is safe.
func (r *Registry) StopInstance(ctx context.Context, instanceName string) error {
	r.mu.Lock()
	in, ok := r.instances[instanceName]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, instanceName)
	r.mu.Unlock()

	close(in.quit)
	if in.isRunning() {
		select {
		case <-in.done:
		case <-ctx.Done():
			return schema.NewErrorf(schema.ErrCodeTimeout,
				"agent instance %q did not drain before deadline", instanceName).WithCause(ctx.Err())
		}
	}

	r.breakers.Remove(instanceName)
	r.logger.Info("agent instance stopped", slog.String("agent", instanceName))
	return nil
}

// Execute dispatches a task to the named instance and waits for the
// result. The circuit breaker gates the dispatch; outcome and latency
// feed the instance metrics either way. A default timeout is applied
// when the caller's context has no deadline.
func (r *Registry) Execute(ctx context.Context, instanceName string, task *schema.Task) (map[string]any, error) {
	r.mu.RLock()
	in, ok := r.instances[instanceName]
	metrics := r.metrics[instanceName]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent instance %q not found", instanceName)
	}
	if !in.isRunning() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "agent instance %q is not started", instanceName)
	}

	if err := r.breakers.AllowRequest(instanceName); err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.TaskTimeout)
		defer cancel()
	}
	ctx = logging.WithAgent(ctx, instanceName)

	now := time.Now()
	if task.StartedAt == nil {
		task.StartedAt = &now
	}

	req := taskRequest{ctx: ctx, task: task, resp: make(chan taskResult, 1)}
	select {
	case in.queue <- req:
	case <-ctx.Done():
		return nil, r.finish(instanceName, metrics, task, now, ctx.Err())
	case <-in.quit:
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "agent instance %q is stopping", instanceName)
	}

	select {
	case res := <-req.resp:
		if res.err != nil {
			return nil, r.finish(instanceName, metrics, task, now, res.err)
		}
		return res.output, r.finish(instanceName, metrics, task, now, nil)
	case <-ctx.Done():
		// The runner still sees ctx.Done and will abandon the task; the
		// buffered resp channel lets it complete without a reader.
		return nil, r.finish(instanceName, metrics, task, now, ctx.Err())
	}
}

// finish records outcome metrics, breaker state and task bookkeeping,
// and normalizes the error.
func (r *Registry) finish(instanceName string, metrics *instanceMetrics, task *schema.Task, started time.Time, outcome error) error {
	latency := time.Since(started)
	done := time.Now()
	task.CompletedAt = &done

	if outcome == nil {
		if metrics != nil {
			metrics.recordSuccess(latency)
		}
		r.breakers.RecordSuccess(instanceName)
		return nil
	}

	timedOut := errors.Is(outcome, context.DeadlineExceeded)
	if metrics != nil {
		metrics.recordFailure(latency, timedOut)
	}
	r.breakers.RecordFailure(instanceName)

	var err error
	switch {
	case timedOut:
		err = schema.NewErrorf(schema.ErrCodeTimeout,
			"task %s timed out on agent %q", task.ID, instanceName).WithCause(outcome)
	case errors.Is(outcome, context.Canceled):
		err = schema.NewErrorf(schema.ErrCodeCancelled,
			"task %s cancelled on agent %q", task.ID, instanceName).WithCause(outcome)
	default:
		var cerr *schema.ConduitError
		if errors.As(outcome, &cerr) {
			err = outcome
		} else {
			err = schema.NewErrorf(schema.ErrCodeTaskFailed,
				"task %s failed on agent %q: %s", task.ID, instanceName, outcome.Error()).WithCause(outcome)
		}
	}
	task.Error = err.Error()
	return err
}

// ExecuteWithRetry runs Execute up to task.MaxRetries+1 times with
// exponential backoff (2^attempt seconds) between attempts. Permanent
// errors and caller cancellation stop the loop early.
func (r *Registry) ExecuteWithRetry(ctx context.Context, instanceName string, task *schema.Task) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		task.RetryCount = attempt
		out, err := r.Execute(ctx, instanceName, task)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var cerr *schema.ConduitError
		if errors.As(err, &cerr) && !cerr.IsRetryable() {
			return nil, err
		}
		if attempt == task.MaxRetries {
			break
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		r.logger.WarnContext(ctx, "task failed, retrying",
			slog.String("agent", instanceName),
			slog.String("task_id", task.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeCancelled,
				"retry wait cancelled for task %s", task.ID).WithCause(ctx.Err())
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"task %s failed after %d attempts on agent %q", task.ID, task.MaxRetries+1, instanceName).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": task.MaxRetries + 1, "agent": instanceName})
}

// ListInstances returns snapshots of all running instances, sorted by name.
func (r *Registry) ListInstances() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]InstanceInfo, 0, len(r.instances))
	for name, in := range r.instances {
		var snap MetricsSnapshot
		if m := r.metrics[name]; m != nil {
			snap = m.Snapshot()
		}
		infos = append(infos, in.snapshot(snap))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// InstanceInfo returns a snapshot of one instance.
func (r *Registry) InstanceInfo(instanceName string) (InstanceInfo, error) {
	r.mu.RLock()
	in, ok := r.instances[instanceName]
	m := r.metrics[instanceName]
	r.mu.RUnlock()
	if !ok {
		return InstanceInfo{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent instance %q not found", instanceName)
	}
	var snap MetricsSnapshot
	if m != nil {
		snap = m.Snapshot()
	}
	return in.snapshot(snap), nil
}

// BreakerState exposes the circuit state for an instance.
func (r *Registry) BreakerState(instanceName string) CircuitState {
	return r.breakers.GetState(instanceName)
}

// StartHealthMonitor begins background probing of instances.
func (r *Registry) StartHealthMonitor() {
	r.monitor.Start()
}

// Shutdown stops the health monitor and drains every instance.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.monitor.Stop()

	r.mu.Lock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := r.StopInstance(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// restartInstance rebuilds an unhealthy instance's agent from its factory
// and swaps it in. The queue and metrics survive the swap.
func (r *Registry) restartInstance(in *instance) error {
	r.mu.RLock()
	factory, ok := r.factories[in.typeName]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent type %q not registered", in.typeName)
	}

	impl, err := factory(in.name, in.config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeHealthCheck,
			"restart agent %q: factory failed: %s", in.name, err.Error()).WithCause(err)
	}

	in.swapImpl(impl)
	r.logger.Info("agent instance restarted after failed health checks",
		slog.String("agent", in.name), slog.String("type", in.typeName))
	return nil
}
