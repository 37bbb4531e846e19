// Package agent implements the agent registry: typed agent factories,
// named instances with serialized task queues, per-instance metrics,
// circuit breakers and periodic health probing with automatic restart.
package agent

import (
	"context"
	"time"

	"github.com/arenstad/conduit/pkg/schema"
)

// Agent is a worker that processes tasks of the types it advertises.
// Implementations must be safe to call from a single goroutine at a time;
// the registry serializes task delivery per instance.
type Agent interface {
	// Name returns the agent type name (e.g. "classifier").
	Name() string
	// Capabilities lists the task types this agent can handle.
	Capabilities() []string
	// Execute processes a task and returns its result payload.
	Execute(ctx context.Context, task *schema.Task) (map[string]any, error)
}

// HealthChecker is optionally implemented by agents that support
// liveness probing. Instances whose agent does not implement it are
// always reported healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory builds a fresh agent for an instance. The registry calls it on
// instance start and again on health-triggered restart, so it must not
// share mutable state across invocations.
type Factory func(instanceName string, config map[string]any) (Agent, error)

// InstanceInfo is a point-in-time snapshot of a registered instance.
type InstanceInfo struct {
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Status       schema.AgentStatus `json:"status"`
	Health       schema.HealthState `json:"health"`
	Capabilities []string           `json:"capabilities"`
	CurrentTask  string             `json:"current_task,omitempty"`
	QueueDepth   int                `json:"queue_depth"`
	StartedAt    time.Time          `json:"started_at"`
	Restarts     int64              `json:"restarts"`
	Metrics      MetricsSnapshot    `json:"metrics"`
}
