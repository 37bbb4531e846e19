// Package store persists orchestrator state in libSQL: archived workflow
// runs with their step results, the lifecycle transition log, and
// registered templates.
package store

import (
	"database/sql"
	"time"

	"github.com/arenstad/conduit/pkg/schema"
)

// RunRecord is an archived workflow run.
type RunRecord struct {
	ID           string                `json:"id"`
	TemplateName string                `json:"template_name"`
	Status       schema.WorkflowStatus `json:"status"`
	Error        string                `json:"error,omitempty"`
	Context      map[string]any        `json:"context,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	ArchivedAt   time.Time             `json:"archived_at"`
	Steps        []StepRecord          `json:"steps,omitempty"`
}

// StepRecord is the archived outcome of one step.
type StepRecord struct {
	RunID        string            `json:"run_id"`
	StepID       string            `json:"step_id"`
	Status       schema.StepStatus `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Result       map[string]any    `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// TransitionRecord is one entry of the lifecycle audit log. StepID is
// empty for workflow-level transitions.
type TransitionRecord struct {
	ID         int64     `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	TemplateName string
	Status       *schema.WorkflowStatus
	Limit        int
}

// --- scan helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
