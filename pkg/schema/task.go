package schema

import "time"

// Task is a single unit of work dispatched to an agent instance.
// Created per dispatch; only the outcome fields (Result, Error, the
// completion timestamp and RetryCount) change after creation, and only
// the agent processing the task touches them.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Input       map[string]any `json:"input,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
}

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	AgentStatusCreated AgentStatus = "created"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusStopped AgentStatus = "stopped"
	AgentStatusError   AgentStatus = "error"
)

// HealthState is the registry's view of an instance's probe history.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"  // one failed probe
	HealthUnhealthy HealthState = "unhealthy" // three consecutive failed probes
)
