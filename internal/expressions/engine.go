// Package expressions provides the expression engines used by the
// orchestrator: gating predicates over the workflow context (expr, CEL)
// and jq transformations for enrichment agents.
package expressions

import "context"

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
