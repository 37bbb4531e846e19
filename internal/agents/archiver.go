package agents

import (
	"context"
	"time"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/store"
	"github.com/arenstad/conduit/pkg/schema"
)

// RunArchive is the slice of the store the archive agent needs.
type RunArchive interface {
	GetRun(ctx context.Context, id string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// Archiver exposes run-archive maintenance as an agent, so workflows can
// query history and prune old runs like any other step. Task types:
//
//	get_run:   {"run_id": string}              -> {"run": RunRecord}
//	list_runs: {"template": string?, "limit"?} -> {"runs": [...], "count": int}
//	prune:     {"older_than": duration string} -> {"pruned": int64}
type Archiver struct {
	name    string
	archive RunArchive
}

// NewArchiverFactory returns a Factory for archive agents backed by the
// given store.
func NewArchiverFactory(archive RunArchive) agent.Factory {
	return func(instanceName string, config map[string]any) (agent.Agent, error) {
		if archive == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"archiver %q requires a run store", instanceName)
		}
		return &Archiver{name: instanceName, archive: archive}, nil
	}
}

func (a *Archiver) Name() string           { return a.name }
func (a *Archiver) Capabilities() []string { return []string{"get_run", "list_runs", "prune"} }

func (a *Archiver) Execute(ctx context.Context, task *schema.Task) (map[string]any, error) {
	switch task.Type {
	case "get_run":
		id, _ := task.Input["run_id"].(string)
		if id == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, `get_run requires a "run_id" input`)
		}
		rec, err := a.archive.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"run": rec}, nil

	case "list_runs":
		filter := store.RunFilter{}
		if tpl, ok := task.Input["template"].(string); ok {
			filter.TemplateName = tpl
		}
		if limit, ok := task.Input["limit"].(float64); ok {
			filter.Limit = int(limit)
		}
		if raw, ok := task.Input["status"].(string); ok {
			status := schema.WorkflowStatus(raw)
			filter.Status = &status
		}
		runs, err := a.archive.ListRuns(ctx, filter)
		if err != nil {
			return nil, err
		}
		return map[string]any{"runs": runs, "count": len(runs)}, nil

	case "prune":
		raw, _ := task.Input["older_than"].(string)
		if raw == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, `prune requires an "older_than" duration input`)
		}
		age, err := time.ParseDuration(raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid older_than duration %q", raw).WithCause(err)
		}
		n, err := a.archive.PruneRuns(ctx, time.Now().Add(-age))
		if err != nil {
			return nil, err
		}
		return map[string]any{"pruned": n}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "archiver does not handle task type %q", task.Type)
	}
}

func (a *Archiver) HealthCheck(ctx context.Context) error {
	probe, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := a.archive.ListRuns(probe, store.RunFilter{Limit: 1})
	return err
}
