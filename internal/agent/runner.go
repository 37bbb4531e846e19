package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenstad/conduit/pkg/schema"
)

type taskRequest struct {
	ctx  context.Context
	task *schema.Task
	resp chan taskResult
}

type taskResult struct {
	output map[string]any
	err    error
}

// instance is an agent with a serialized task queue. Once started, one
// goroutine drains the queue, so the wrapped Agent never sees concurrent
// Execute calls. Restart swaps the impl in place; the queue and its
// backlog survive the swap.
type instance struct {
	name     string
	typeName string
	config   map[string]any
	logger   *slog.Logger

	queue chan taskRequest
	quit  chan struct{}
	done  chan struct{}

	mu          sync.Mutex
	impl        Agent
	running     bool // runner goroutine launched
	status      schema.AgentStatus
	health      schema.HealthState
	currentTask string
	startedAt   time.Time

	probeFailures int  // consecutive failed probes
	restartFired  bool // restart already issued for this unhealthy episode
	restarts      int64
}

func newInstance(name, typeName string, config map[string]any, impl Agent, queueSize int, logger *slog.Logger) *instance {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &instance{
		name:      name,
		typeName:  typeName,
		config:    config,
		logger:    logger,
		impl:      impl,
		queue:     make(chan taskRequest, queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    schema.AgentStatusCreated,
		health:    schema.HealthHealthy,
		startedAt: time.Now(),
	}
}

// start launches the runner goroutine once. Returns false if the
// instance was already started.
func (in *instance) start() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return false
	}
	in.running = true
	in.status = schema.AgentStatusIdle
	in.startedAt = time.Now()
	go in.run()
	return true
}

func (in *instance) isRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// run is the instance's single worker goroutine. On quit it drains the
// requests already queued before exiting, so accepted work is never
// silently dropped.
func (in *instance) run() {
	defer close(in.done)
	for {
		select {
		case req := <-in.queue:
			in.process(req)
		case <-in.quit:
			for {
				select {
				case req := <-in.queue:
					in.process(req)
				default:
					in.setStatus(schema.AgentStatusStopped)
					return
				}
			}
		}
	}
}

func (in *instance) process(req taskRequest) {
	// Caller may have given up while the request sat in the queue.
	if err := req.ctx.Err(); err != nil {
		req.resp <- taskResult{err: err}
		return
	}

	in.mu.Lock()
	in.status = schema.AgentStatusRunning
	in.currentTask = req.task.ID
	impl := in.impl
	in.mu.Unlock()

	out, err := in.safeExecute(req.ctx, impl, req.task)

	in.mu.Lock()
	in.currentTask = ""
	if in.status == schema.AgentStatusRunning {
		in.status = schema.AgentStatusIdle
	}
	in.mu.Unlock()

	req.resp <- taskResult{output: out, err: err}
}

// safeExecute converts a panicking agent into a task failure instead of
// killing the runner goroutine.
func (in *instance) safeExecute(ctx context.Context, impl Agent, task *schema.Task) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeTaskFailed,
				"agent %q panicked on task %s: %v", in.name, task.ID, r).
				WithDetails(map[string]any{"agent": in.name, "task_id": task.ID, "panic": fmt.Sprint(r)})
			in.logger.ErrorContext(ctx, "agent panic recovered",
				slog.String("agent", in.name), slog.String("task_id", task.ID), slog.Any("panic", r))
		}
	}()
	return impl.Execute(ctx, task)
}

// swapImpl replaces the agent implementation after a health restart.
// The queue, metrics and breaker state are kept, and so is the probe
// episode: only a successful probe clears probeFailures and restartFired,
// which keeps a persistently failing agent from being restarted on every
// sweep.
func (in *instance) swapImpl(impl Agent) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.impl = impl
	in.startedAt = time.Now()
	atomic.AddInt64(&in.restarts, 1)
	if in.status == schema.AgentStatusError {
		in.status = schema.AgentStatusIdle
	}
}

func (in *instance) setStatus(s schema.AgentStatus) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

func (in *instance) snapshot(metrics MetricsSnapshot) InstanceInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	return InstanceInfo{
		Name:         in.name,
		Type:         in.typeName,
		Status:       in.status,
		Health:       in.health,
		Capabilities: in.impl.Capabilities(),
		CurrentTask:  in.currentTask,
		QueueDepth:   len(in.queue),
		StartedAt:    in.startedAt,
		Restarts:     atomic.LoadInt64(&in.restarts),
		Metrics:      metrics,
	}
}

// healthChecker returns the current impl as a HealthChecker, or nil if
// the agent does not support probing.
func (in *instance) healthChecker() HealthChecker {
	in.mu.Lock()
	defer in.mu.Unlock()
	hc, _ := in.impl.(HealthChecker)
	return hc
}
