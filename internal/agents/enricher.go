package agents

import (
	"context"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/expressions"
	"github.com/arenstad/conduit/pkg/schema"
)

// Enricher reshapes task data with a jq program. The query comes from
// the task input ("query") or, as a fallback, the instance config.
// Task input: {"query": string, "data": object}. Result:
// {"enriched": <jq output>}.
type Enricher struct {
	name         string
	engine       *expressions.GoJQEngine
	defaultQuery string
}

// NewEnricherFactory returns a Factory for enricher instances. Instance
// config may set {"query": "<jq program>"} as the default program.
func NewEnricherFactory() agent.Factory {
	return func(instanceName string, config map[string]any) (agent.Agent, error) {
		defaultQuery, _ := config["query"].(string)
		return &Enricher{
			name:         instanceName,
			engine:       expressions.NewGoJQEngine(),
			defaultQuery: defaultQuery,
		}, nil
	}
}

func (e *Enricher) Name() string           { return e.name }
func (e *Enricher) Capabilities() []string { return []string{"enrich"} }

func (e *Enricher) Execute(ctx context.Context, task *schema.Task) (map[string]any, error) {
	query, _ := task.Input["query"].(string)
	if query == "" {
		query = e.defaultQuery
	}
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `enricher requires a "query" input or a configured default`).
			WithDetails(map[string]any{"task_id": task.ID})
	}

	data, _ := task.Input["data"].(map[string]any)
	if data == nil {
		data = task.Input
	}

	out, err := e.engine.Evaluate(ctx, query, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"enriched": out}, nil
}

func (e *Enricher) HealthCheck(ctx context.Context) error { return nil }
