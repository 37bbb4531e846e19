package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/arenstad/conduit/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a
// workflow template. Built once per template registration, shared by
// every workflow instantiated from it.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step ID → definition
	Edges   map[string][]string               // step ID → dependencies
	Reverse map[string][]string               // step ID → dependents (who depends on me)
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
	Levels  [][]string                        // parallel execution levels
}

// ParseDAG parses a template into an executable DAG. It validates step
// definitions, builds adjacency lists, performs topological sorting
// using Kahn's algorithm, detects cycles, and computes parallel
// execution levels.
func ParseDAG(doc *schema.TemplateDocument) (*DAG, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template is nil")
	}

	if len(doc.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "template has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(doc.Steps)),
		Edges:   make(map[string][]string, len(doc.Steps)),
		Reverse: make(map[string][]string, len(doc.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range doc.Steps {
		step := &doc.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if err := validateStepConfig(step); err != nil {
			return nil, err
		}

		dag.Steps[step.ID] = step
	}

	// Second pass: build adjacency lists and validate dependencies.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.Dependencies))
		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	// Queue steps with in-degree 0 (roots).
	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sort.Strings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		// For each dependent of this node, decrement its in-degree.
		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "template contains a dependency cycle")
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// computeLevels groups steps into parallel execution levels.
// Steps at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))

	// Depth is max dependency depth + 1.
	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}

	return levels
}

// validateStepConfig checks per-step constraints: a target agent, a task
// type, parseable timeout and non-negative retry budget.
func validateStepConfig(step *schema.StepDefinition) error {
	if step.AgentName == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has no agent name", step.ID)
	}
	if step.TaskType == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has no task type", step.ID)
	}
	if step.RetryAttempts < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has negative retry attempts", step.ID)
	}
	if step.Timeout != "" {
		if _, err := time.ParseDuration(step.Timeout); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s has invalid timeout %q: %v", step.ID, step.Timeout, err)
		}
	}
	switch step.ConditionEngine {
	case "", "expr", "cel":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown condition engine %q", step.ID, step.ConditionEngine)
	}
	return nil
}
