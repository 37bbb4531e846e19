package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/engine"
	"github.com/arenstad/conduit/internal/store"
	"github.com/arenstad/conduit/pkg/schema"
)

func mustAgent(t *testing.T, f agent.Factory, name string, config map[string]any) agent.Agent {
	t.Helper()
	a, err := f(name, config)
	require.NoError(t, err)
	return a
}

func task(taskType string, input map[string]any) *schema.Task {
	return &schema.Task{ID: "t-1", Type: taskType, Input: input, CreatedAt: time.Now()}
}

func TestClassifier_DefaultCategories(t *testing.T) {
	c := mustAgent(t, NewClassifierFactory(), "class-1", nil)

	result, err := c.Execute(context.Background(), task("classify", map[string]any{
		"text": "A new laptop with a spare battery and charger",
	}))
	require.NoError(t, err)
	assert.Equal(t, "electronics", result["category"])
	assert.Equal(t, []string{"laptop", "battery", "charger"}, result["matches"])
	assert.InDelta(t, 0.6, result["confidence"], 0.001)
}

func TestClassifier_CustomCategories(t *testing.T) {
	c := mustAgent(t, NewClassifierFactory(), "class-1", map[string]any{
		"categories": map[string]any{
			"urgent":  []any{"outage", "down", "critical"},
			"routine": []any{"question", "request"},
		},
	})

	result, err := c.Execute(context.Background(), task("classify", map[string]any{
		"text": "Production is DOWN, this is critical",
	}))
	require.NoError(t, err)
	assert.Equal(t, "urgent", result["category"])
}

func TestClassifier_NoMatch(t *testing.T) {
	c := mustAgent(t, NewClassifierFactory(), "class-1", nil)

	result, err := c.Execute(context.Background(), task("classify", map[string]any{"text": "zzz"}))
	require.NoError(t, err)
	assert.Equal(t, "unknown", result["category"])
	assert.Equal(t, 0.0, result["confidence"])
}

func TestClassifier_MissingText(t *testing.T) {
	c := mustAgent(t, NewClassifierFactory(), "class-1", nil)

	_, err := c.Execute(context.Background(), task("classify", map[string]any{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestClassifier_BadConfig(t *testing.T) {
	_, err := NewClassifierFactory()("class-1", map[string]any{
		"categories": map[string]any{"urgent": "not-a-list"},
	})
	require.Error(t, err)
}

func TestEnricher_QueryFromTask(t *testing.T) {
	e := mustAgent(t, NewEnricherFactory(), "enrich-1", nil)

	result, err := e.Execute(context.Background(), task("enrich", map[string]any{
		"query": "{total: (.items | length), first: .items[0]}",
		"data":  map[string]any{"items": []any{"a", "b", "c"}},
	}))
	require.NoError(t, err)
	enriched, ok := result["enriched"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, enriched["total"])
	assert.Equal(t, "a", enriched["first"])
}

func TestEnricher_DefaultQuery(t *testing.T) {
	e := mustAgent(t, NewEnricherFactory(), "enrich-1", map[string]any{"query": ".value * 2"})

	result, err := e.Execute(context.Background(), task("enrich", map[string]any{
		"data": map[string]any{"value": 21},
	}))
	require.NoError(t, err)
	assert.Equal(t, 42, result["enriched"])
}

func TestEnricher_NoQuery(t *testing.T) {
	e := mustAgent(t, NewEnricherFactory(), "enrich-1", nil)

	_, err := e.Execute(context.Background(), task("enrich", map[string]any{"data": map[string]any{}}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestEnricher_BadQuery(t *testing.T) {
	e := mustAgent(t, NewEnricherFactory(), "enrich-1", nil)

	_, err := e.Execute(context.Background(), task("enrich", map[string]any{
		"query": ".items |",
		"data":  map[string]any{},
	}))
	require.Error(t, err)
}

const orderSchema = `{
	"type": "object",
	"required": ["sku", "quantity"],
	"properties": {
		"sku": {"type": "string", "minLength": 1},
		"quantity": {"type": "integer", "minimum": 1}
	}
}`

func TestValidator_ValidDocument(t *testing.T) {
	v := mustAgent(t, NewValidatorFactory(), "check-1", nil)

	var schemaDoc map[string]any
	require.NoError(t, jsonUnmarshal(orderSchema, &schemaDoc))

	result, err := v.Execute(context.Background(), task("validate", map[string]any{
		"document": map[string]any{"sku": "A-1", "quantity": 2},
		"schema":   schemaDoc,
	}))
	require.NoError(t, err)
	assert.Equal(t, true, result["valid"])
	assert.Empty(t, result["violations"])
}

func TestValidator_InvalidDocumentReportsViolations(t *testing.T) {
	v := mustAgent(t, NewValidatorFactory(), "check-1", nil)

	var schemaDoc map[string]any
	require.NoError(t, jsonUnmarshal(orderSchema, &schemaDoc))

	result, err := v.Execute(context.Background(), task("validate", map[string]any{
		"document": map[string]any{"quantity": 0},
		"schema":   schemaDoc,
	}))
	require.NoError(t, err)
	assert.Equal(t, false, result["valid"])
	violations, ok := result["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}

func TestValidator_ConfiguredDefaultSchema(t *testing.T) {
	var schemaDoc map[string]any
	require.NoError(t, jsonUnmarshal(orderSchema, &schemaDoc))

	v := mustAgent(t, NewValidatorFactory(), "check-1", map[string]any{"schema": schemaDoc})

	result, err := v.Execute(context.Background(), task("validate", map[string]any{
		"document": map[string]any{"sku": "A-1", "quantity": 1},
	}))
	require.NoError(t, err)
	assert.Equal(t, true, result["valid"])
}

func TestValidator_MissingSchema(t *testing.T) {
	v := mustAgent(t, NewValidatorFactory(), "check-1", nil)

	_, err := v.Execute(context.Background(), task("validate", map[string]any{
		"document": map[string]any{},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

func saveArchivedRun(t *testing.T, s *store.LibSQLStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.SaveRun(context.Background(), &engine.WorkflowSnapshot{
		ID:           id,
		TemplateName: "archived-pipeline",
		Status:       schema.WorkflowStatusCompleted,
		CreatedAt:    now.Add(-time.Minute),
		StartedAt:    &now,
		CompletedAt:  &now,
	}))
}

func newArchiveStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + t.TempDir() + "/agents-test.db")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestArchiver_ListAndPrune(t *testing.T) {
	s := newArchiveStore(t)
	a := mustAgent(t, NewArchiverFactory(s), "arch-1", nil)
	ctx := context.Background()

	saveArchivedRun(t, s, "run-1")
	saveArchivedRun(t, s, "run-2")

	result, err := a.Execute(ctx, task("list_runs", map[string]any{"limit": float64(10)}))
	require.NoError(t, err)
	assert.Equal(t, 2, result["count"])

	result, err = a.Execute(ctx, task("get_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	rec, ok := result["run"].(*store.RunRecord)
	require.True(t, ok)
	assert.Equal(t, "run-1", rec.ID)

	result, err = a.Execute(ctx, task("prune", map[string]any{"older_than": "0s"}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), result["pruned"])
}

func TestArchiver_Validation(t *testing.T) {
	s := newArchiveStore(t)
	a := mustAgent(t, NewArchiverFactory(s), "arch-1", nil)
	ctx := context.Background()

	_, err := a.Execute(ctx, task("get_run", map[string]any{}))
	require.Error(t, err)

	_, err = a.Execute(ctx, task("prune", map[string]any{"older_than": "soon"}))
	require.Error(t, err)

	_, err = a.Execute(ctx, task("teleport", map[string]any{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")

	require.NoError(t, a.(*Archiver).HealthCheck(ctx))
}

func TestRegisterBuiltins(t *testing.T) {
	reg := agent.NewRegistry(agent.DefaultRegistryConfig(), nil)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	require.NoError(t, RegisterBuiltins(reg, newArchiveStore(t)))

	require.NoError(t, reg.StartInstance("class-1", TypeClassifier, nil))
	require.NoError(t, reg.StartInstance("enrich-1", TypeEnricher, nil))
	require.NoError(t, reg.StartInstance("check-1", TypeValidator, nil))
	require.NoError(t, reg.StartInstance("arch-1", TypeArchiver, nil))

	assert.Len(t, reg.ListInstances(), 4)

	// Registering twice is a conflict.
	require.Error(t, RegisterBuiltins(reg, nil))
}
