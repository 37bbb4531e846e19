package schema

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus is the lifecycle state of a step within a running workflow.
type StepStatus string

const (
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// FailureStrategy controls how a workflow reacts to failed steps.
type FailureStrategy string

const (
	// FailureStop marks the workflow failed if any step fails.
	FailureStop FailureStrategy = "stop"
	// FailureContinue completes the workflow even when steps failed.
	// Failed steps remain visible in the status snapshot.
	FailureContinue FailureStrategy = "continue"
	// FailureRetryFailed re-runs failed steps one extra pass before
	// classifying the workflow.
	FailureRetryFailed FailureStrategy = "retry_failed"
)

// TemplateDocument is the JSON/YAML-serializable workflow blueprint.
// It is the sole wire format between the orchestration core and its
// callers: templates registered with the coordinator, workflow files on
// disk, and definitions submitted over MCP all use this shape.
type TemplateDocument struct {
	Name             string           `json:"name" yaml:"name"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps            []StepDefinition `json:"steps" yaml:"steps"`
	MaxParallelSteps int              `json:"maxParallelSteps,omitempty" yaml:"maxParallelSteps,omitempty"`
	GlobalTimeout    string           `json:"globalTimeout,omitempty" yaml:"globalTimeout,omitempty"` // e.g. "5m"
	FailureStrategy  FailureStrategy  `json:"failureStrategy,omitempty" yaml:"failureStrategy,omitempty"`
}

// StepDefinition describes a single DAG node: a task bound to a target
// agent instance plus its upstream dependencies.
type StepDefinition struct {
	ID            string         `json:"id" yaml:"id"`
	AgentName     string         `json:"agentName" yaml:"agentName"`
	TaskType      string         `json:"taskType" yaml:"taskType"`
	TaskData      map[string]any `json:"taskData,omitempty" yaml:"taskData,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	RetryAttempts int            `json:"retryAttempts,omitempty" yaml:"retryAttempts,omitempty"`
	Timeout       string         `json:"timeout,omitempty" yaml:"timeout,omitempty"` // e.g. "30s"
	// Condition is an optional gating predicate evaluated against the
	// workflow context right before dispatch. False skips the step.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// ConditionEngine selects the predicate language: "expr" (default) or "cel".
	ConditionEngine string `json:"conditionEngine,omitempty" yaml:"conditionEngine,omitempty"`
}

// Clone returns a deep copy of the document. Instantiating a template
// must never alias the blueprint's maps or slices.
func (d *TemplateDocument) Clone() *TemplateDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Steps = make([]StepDefinition, len(d.Steps))
	for i, s := range d.Steps {
		out.Steps[i] = s.Clone()
	}
	return &out
}

// Clone returns a deep copy of the step definition.
func (s StepDefinition) Clone() StepDefinition {
	out := s
	if s.TaskData != nil {
		out.TaskData = deepCopyMap(s.TaskData)
	}
	if s.Dependencies != nil {
		out.Dependencies = append([]string(nil), s.Dependencies...)
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
