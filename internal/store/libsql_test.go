package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenstad/conduit/internal/engine"
	"github.com/arenstad/conduit/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "conduit-test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot(id string, status schema.WorkflowStatus) *engine.WorkflowSnapshot {
	created := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	started := created.Add(time.Second)
	completed := started.Add(30 * time.Second)
	return &engine.WorkflowSnapshot{
		ID:           id,
		TemplateName: "order-pipeline",
		Status:       status,
		Context:      map[string]any{"count": float64(3), "category": "books"},
		Error:        "",
		CreatedAt:    created,
		StartedAt:    &started,
		CompletedAt:  &completed,
		Steps: map[string]engine.StepState{
			"classify": {
				ID:           "classify",
				Status:       schema.StepStatusCompleted,
				AttemptCount: 1,
				Result:       map[string]any{"category": "books"},
				StartedAt:    &started,
				CompletedAt:  &completed,
			},
			"enrich": {
				ID:           "enrich",
				Status:       schema.StepStatusFailed,
				AttemptCount: 3,
				Error:        "upstream unavailable",
			},
		},
	}
}

func TestLibSQLStore_SaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("run-1", schema.WorkflowStatusCompleted)))

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "order-pipeline", rec.TemplateName)
	assert.Equal(t, schema.WorkflowStatusCompleted, rec.Status)
	assert.Equal(t, map[string]any{"count": float64(3), "category": "books"}, rec.Context)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)

	require.Len(t, rec.Steps, 2)
	assert.Equal(t, "classify", rec.Steps[0].StepID)
	assert.Equal(t, schema.StepStatusCompleted, rec.Steps[0].Status)
	assert.Equal(t, map[string]any{"category": "books"}, rec.Steps[0].Result)
	assert.Equal(t, "enrich", rec.Steps[1].StepID)
	assert.Equal(t, 3, rec.Steps[1].AttemptCount)
	assert.Equal(t, "upstream unavailable", rec.Steps[1].Error)
}

func TestLibSQLStore_SaveRunUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("run-1", schema.WorkflowStatusFailed)))
	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("run-1", schema.WorkflowStatusCompleted)))

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, rec.Status)

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestLibSQLStore_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestLibSQLStore_ListRunsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("run-1", schema.WorkflowStatusCompleted)))
	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("run-2", schema.WorkflowStatusFailed)))
	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("run-3", schema.WorkflowStatusCompleted)))

	failed := schema.WorkflowStatusFailed
	runs, err := s.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{TemplateName: "order-pipeline", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{TemplateName: "other"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLibSQLStore_PruneRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, sampleSnapshot("old", schema.WorkflowStatusCompleted)))

	n, err := s.PruneRuns(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRun(ctx, "old")
	require.Error(t, err)
}

func TestLibSQLStore_TransitionLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTransition(ctx, "wf-1", "", "pending", "running"))
	require.NoError(t, s.RecordTransition(ctx, "wf-1", "step-a", "waiting", "running"))
	require.NoError(t, s.RecordTransition(ctx, "wf-1", "step-a", "running", "completed"))
	require.NoError(t, s.RecordTransition(ctx, "wf-2", "", "pending", "running"))

	recs, err := s.ListTransitions(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "pending", recs[0].From)
	assert.Equal(t, "running", recs[0].To)
	assert.Empty(t, recs[0].StepID)
	assert.Equal(t, "step-a", recs[1].StepID)
	assert.Equal(t, "completed", recs[2].To)
}

func TestLibSQLStore_Templates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &schema.TemplateDocument{
		Name:        "etl",
		Description: "extract transform load",
		Steps: []schema.StepDefinition{
			{ID: "extract", AgentName: "worker-1", TaskType: "extract"},
			{ID: "load", AgentName: "worker-1", TaskType: "load", Dependencies: []string{"extract"}},
		},
		MaxParallelSteps: 2,
		FailureStrategy:  schema.FailureStop,
	}
	require.NoError(t, s.SaveTemplate(ctx, doc))

	got, err := s.GetTemplate(ctx, "etl")
	require.NoError(t, err)
	assert.Equal(t, doc.Name, got.Name)
	assert.Equal(t, doc.Steps, got.Steps)
	assert.Equal(t, doc.FailureStrategy, got.FailureStrategy)

	// Upsert replaces the definition.
	doc.Description = "updated"
	require.NoError(t, s.SaveTemplate(ctx, doc))
	got, err = s.GetTemplate(ctx, "etl")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	docs, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, s.DeleteTemplate(ctx, "etl"))
	_, err = s.GetTemplate(ctx, "etl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")

	err = s.DeleteTemplate(ctx, "etl")
	require.Error(t, err)
}

func TestLibSQLStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
