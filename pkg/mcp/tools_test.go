package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/engine"
	"github.com/arenstad/conduit/internal/store"
	"github.com/arenstad/conduit/pkg/schema"
)

// --- Mock orchestrator ---

type mockOrchestrator struct {
	templates map[string]*schema.TemplateDocument

	startedTemplate string
	startedInitial  map[string]any
	startErr        error

	snapshot  *engine.WorkflowSnapshot
	statusErr error

	paused, resumed, cancelled []string
	controlErr                 error

	metrics engine.CoordinatorMetrics
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{templates: make(map[string]*schema.TemplateDocument)}
}

func (m *mockOrchestrator) RegisterTemplate(doc *schema.TemplateDocument) error {
	if _, exists := m.templates[doc.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "template %q already registered", doc.Name)
	}
	m.templates[doc.Name] = doc
	return nil
}

func (m *mockOrchestrator) Template(name string) (*schema.TemplateDocument, error) {
	doc, ok := m.templates[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", name)
	}
	return doc, nil
}

func (m *mockOrchestrator) Templates() []string {
	names := make([]string, 0, len(m.templates))
	for name := range m.templates {
		names = append(names, name)
	}
	return names
}

func (m *mockOrchestrator) StartWorkflow(_ context.Context, templateName string, initial map[string]any) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}
	m.startedTemplate = templateName
	m.startedInitial = initial
	return "wf-123", nil
}

func (m *mockOrchestrator) Pause(_ context.Context, id string) error {
	m.paused = append(m.paused, id)
	return m.controlErr
}

func (m *mockOrchestrator) Resume(_ context.Context, id string) error {
	m.resumed = append(m.resumed, id)
	return m.controlErr
}

func (m *mockOrchestrator) Cancel(_ context.Context, id string) error {
	m.cancelled = append(m.cancelled, id)
	return m.controlErr
}

func (m *mockOrchestrator) Status(id string) (*engine.WorkflowSnapshot, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.snapshot, nil
}

func (m *mockOrchestrator) ListWorkflows() []*engine.WorkflowSnapshot {
	if m.snapshot == nil {
		return nil
	}
	return []*engine.WorkflowSnapshot{m.snapshot}
}

func (m *mockOrchestrator) Wait(_ context.Context, id string) (*engine.WorkflowSnapshot, error) {
	return m.snapshot, m.statusErr
}

func (m *mockOrchestrator) Metrics() engine.CoordinatorMetrics { return m.metrics }

// --- Mock registry ---

type mockRegistry struct {
	instances []agent.InstanceInfo
	started   []string
	stopped   []string
	err       error
}

func (m *mockRegistry) ListInstances() []agent.InstanceInfo { return m.instances }

func (m *mockRegistry) InstanceInfo(name string) (agent.InstanceInfo, error) {
	for _, in := range m.instances {
		if in.Name == name {
			return in, nil
		}
	}
	return agent.InstanceInfo{}, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", name)
}

func (m *mockRegistry) StartInstance(instanceName, typeName string, config map[string]any) error {
	if m.err != nil {
		return m.err
	}
	m.started = append(m.started, instanceName)
	return nil
}

func (m *mockRegistry) StopInstance(_ context.Context, instanceName string) error {
	if m.err != nil {
		return m.err
	}
	m.stopped = append(m.stopped, instanceName)
	return nil
}

// --- Mock run store ---

type mockRunStore struct {
	runs      []*store.RunRecord
	templates []*schema.TemplateDocument
	saveErr   error
}

func (m *mockRunStore) GetRun(_ context.Context, id string) (*store.RunRecord, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
}

func (m *mockRunStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	result := make([]*store.RunRecord, 0)
	for _, r := range m.runs {
		if filter.TemplateName != "" && r.TemplateName != filter.TemplateName {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockRunStore) ListTemplates(_ context.Context) ([]*schema.TemplateDocument, error) {
	return m.templates, nil
}

func (m *mockRunStore) SaveTemplate(_ context.Context, doc *schema.TemplateDocument) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.templates = append(m.templates, doc)
	return nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(orc *mockOrchestrator, reg *mockRegistry, archive RunStore) *ConduitServer {
	return NewConduitServer(ConduitServerDeps{
		Coordinator: orc,
		Registry:    reg,
		Archive:     archive,
		WaitTimeout: time.Second,
	})
}

func resultText(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	orc := newMockOrchestrator()
	s := newTestServer(orc, &mockRegistry{}, nil)

	req := buildRequest("conduit.run", map[string]any{
		"template_name": "deploy",
		"initial":       map[string]any{"env": "prod"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Equal(t, "wf-123", out["workflow_id"])
	assert.Equal(t, "deploy", orc.startedTemplate)
	assert.Equal(t, "prod", orc.startedInitial["env"])
}

func TestRunToolWait(t *testing.T) {
	orc := newMockOrchestrator()
	orc.snapshot = &engine.WorkflowSnapshot{
		ID:           "wf-123",
		TemplateName: "deploy",
		Status:       schema.WorkflowStatusCompleted,
	}
	s := newTestServer(orc, &mockRegistry{}, nil)

	req := buildRequest("conduit.run", map[string]any{
		"template_name": "deploy",
		"wait":          true,
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Equal(t, "completed", out["status"])
}

func TestRunToolMissingTemplateName(t *testing.T) {
	s := newTestServer(newMockOrchestrator(), &mockRegistry{}, nil)

	result, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolStartError(t *testing.T) {
	orc := newMockOrchestrator()
	orc.startErr = schema.NewError(schema.ErrCodeCapacity, "too many concurrent workflows")
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
		"template_name": "deploy",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineTool(t *testing.T) {
	orc := newMockOrchestrator()
	archive := &mockRunStore{}
	s := newTestServer(orc, &mockRegistry{}, archive)

	req := buildRequest("conduit.define", map[string]any{
		"definition": map[string]any{
			"name": "etl",
			"steps": []any{
				map[string]any{"id": "extract", "agentName": "worker-1", "taskType": "extract"},
			},
		},
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Equal(t, "etl", out["name"])
	require.Contains(t, orc.templates, "etl")
	assert.Len(t, archive.templates, 1)
}

func TestDefineToolDuplicate(t *testing.T) {
	orc := newMockOrchestrator()
	s := newTestServer(orc, &mockRegistry{}, nil)

	def := map[string]any{
		"definition": map[string]any{
			"name":  "etl",
			"steps": []any{map[string]any{"id": "s1", "agentName": "w", "taskType": "t"}},
		},
	}
	result, err := s.handleDefine(context.Background(), buildRequest("conduit.define", def))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleDefine(context.Background(), buildRequest("conduit.define", def))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	orc := newMockOrchestrator()
	orc.snapshot = &engine.WorkflowSnapshot{
		ID:     "wf-123",
		Status: schema.WorkflowStatusRunning,
		Steps: map[string]engine.StepState{
			"s1": {ID: "s1", Status: schema.StepStatusRunning},
		},
	}
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleStatus(context.Background(), buildRequest("conduit.status", map[string]any{
		"workflow_id": "wf-123",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Equal(t, "running", out["status"])
}

func TestStatusToolNotFound(t *testing.T) {
	orc := newMockOrchestrator()
	orc.statusErr = schema.NewError(schema.ErrCodeNotFound, "workflow not found")
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleStatus(context.Background(), buildRequest("conduit.status", map[string]any{
		"workflow_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestControlTool(t *testing.T) {
	orc := newMockOrchestrator()
	s := newTestServer(orc, &mockRegistry{}, nil)
	ctx := context.Background()

	for _, action := range []string{"pause", "resume", "cancel"} {
		result, err := s.handleControl(ctx, buildRequest("conduit.control", map[string]any{
			"workflow_id": "wf-123",
			"action":      action,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError, action)
	}

	assert.Equal(t, []string{"wf-123"}, orc.paused)
	assert.Equal(t, []string{"wf-123"}, orc.resumed)
	assert.Equal(t, []string{"wf-123"}, orc.cancelled)

	result, err := s.handleControl(ctx, buildRequest("conduit.control", map[string]any{
		"workflow_id": "wf-123",
		"action":      "explode",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestControlToolError(t *testing.T) {
	orc := newMockOrchestrator()
	orc.controlErr = schema.NewError(schema.ErrCodeValidation, "workflow is terminal")
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleControl(context.Background(), buildRequest("conduit.control", map[string]any{
		"workflow_id": "wf-123",
		"action":      "cancel",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryWorkflows(t *testing.T) {
	orc := newMockOrchestrator()
	orc.snapshot = &engine.WorkflowSnapshot{
		ID:           "wf-123",
		TemplateName: "deploy",
		Status:       schema.WorkflowStatusRunning,
	}
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	out := resultText(t, result)
	assert.Len(t, out["workflows"], 1)

	// Status filter excludes the running workflow.
	result, err = s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"status": "failed"},
	}))
	require.NoError(t, err)
	out = resultText(t, result)
	assert.Empty(t, out["workflows"])
}

func TestQueryRuns(t *testing.T) {
	archive := &mockRunStore{runs: []*store.RunRecord{
		{ID: "run-1", TemplateName: "deploy", Status: schema.WorkflowStatusCompleted},
		{ID: "run-2", TemplateName: "etl", Status: schema.WorkflowStatusFailed},
	}}
	s := newTestServer(newMockOrchestrator(), &mockRegistry{}, archive)
	ctx := context.Background()

	result, err := s.handleQuery(ctx, buildRequest("conduit.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"template": "etl"},
	}))
	require.NoError(t, err)
	out := resultText(t, result)
	assert.Len(t, out["runs"], 1)

	result, err = s.handleQuery(ctx, buildRequest("conduit.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"run_id": "run-1"},
	}))
	require.NoError(t, err)
	out = resultText(t, result)
	run, ok := out["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", run["id"])
}

func TestQueryRunsWithoutArchive(t *testing.T) {
	s := newTestServer(newMockOrchestrator(), &mockRegistry{}, nil)

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "runs",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTemplates(t *testing.T) {
	orc := newMockOrchestrator()
	require.NoError(t, orc.RegisterTemplate(&schema.TemplateDocument{
		Name:  "etl",
		Steps: []schema.StepDefinition{{ID: "s1", AgentName: "w", TaskType: "t"}},
	}))
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "templates",
	}))
	require.NoError(t, err)
	out := resultText(t, result)
	assert.Len(t, out["templates"], 1)
}

func TestAgentsTool(t *testing.T) {
	reg := &mockRegistry{instances: []agent.InstanceInfo{
		{Name: "class-1", Type: "classifier", Status: schema.AgentStatusIdle, Health: schema.HealthHealthy},
	}}
	s := newTestServer(newMockOrchestrator(), reg, nil)
	ctx := context.Background()

	result, err := s.handleAgents(ctx, buildRequest("conduit.agents", map[string]any{"action": "list"}))
	require.NoError(t, err)
	out := resultText(t, result)
	assert.Len(t, out["instances"], 1)

	result, err = s.handleAgents(ctx, buildRequest("conduit.agents", map[string]any{
		"action": "info", "instance": "class-1",
	}))
	require.NoError(t, err)
	out = resultText(t, result)
	assert.Equal(t, "classifier", out["type"])

	result, err = s.handleAgents(ctx, buildRequest("conduit.agents", map[string]any{
		"action": "start", "instance": "class-2", "type": "classifier",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"class-2"}, reg.started)

	result, err = s.handleAgents(ctx, buildRequest("conduit.agents", map[string]any{
		"action": "stop", "instance": "class-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"class-1"}, reg.stopped)

	// Missing instance for info.
	result, err = s.handleAgents(ctx, buildRequest("conduit.agents", map[string]any{"action": "info"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMetricsTool(t *testing.T) {
	orc := newMockOrchestrator()
	orc.metrics = engine.CoordinatorMetrics{WorkflowsStarted: 7, StepsExecuted: 21}
	s := newTestServer(orc, &mockRegistry{}, nil)

	result, err := s.handleMetrics(context.Background(), buildRequest("conduit.metrics", nil))
	require.NoError(t, err)
	out := resultText(t, result)
	coord, ok := out["coordinator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), coord["workflows_started"])
}

func TestServerRegistersAllTools(t *testing.T) {
	s := newTestServer(newMockOrchestrator(), &mockRegistry{}, nil)
	require.NotNil(t, s.MCPServer())
	assert.Len(t, s.tools(), 7)
}
