// Package mcp exposes the orchestrator's control surface as MCP tools
// over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/engine"
	"github.com/arenstad/conduit/internal/store"
	"github.com/arenstad/conduit/pkg/schema"
)

// Orchestrator is the coordinator surface the MCP tools drive.
// Satisfied by engine.Coordinator.
type Orchestrator interface {
	RegisterTemplate(doc *schema.TemplateDocument) error
	Template(name string) (*schema.TemplateDocument, error)
	Templates() []string
	StartWorkflow(ctx context.Context, templateName string, initial map[string]any) (string, error)
	Pause(ctx context.Context, workflowID string) error
	Resume(ctx context.Context, workflowID string) error
	Cancel(ctx context.Context, workflowID string) error
	Status(workflowID string) (*engine.WorkflowSnapshot, error)
	ListWorkflows() []*engine.WorkflowSnapshot
	Wait(ctx context.Context, workflowID string) (*engine.WorkflowSnapshot, error)
	Metrics() engine.CoordinatorMetrics
}

// AgentManager is the registry surface the MCP tools drive.
// Satisfied by agent.Registry.
type AgentManager interface {
	ListInstances() []agent.InstanceInfo
	InstanceInfo(instanceName string) (agent.InstanceInfo, error)
	StartInstance(instanceName, typeName string, config map[string]any) error
	StopInstance(ctx context.Context, instanceName string) error
}

// RunStore is the slice of the archive store the query tool reads and
// the define tool writes. Satisfied by store.LibSQLStore.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error)
	ListTemplates(ctx context.Context) ([]*schema.TemplateDocument, error)
	SaveTemplate(ctx context.Context, doc *schema.TemplateDocument) error
}

// ConduitServerDeps holds the dependencies for creating a ConduitServer.
// Archive is optional; without it the query tool only serves live state
// and defined templates are not persisted.
type ConduitServerDeps struct {
	Coordinator Orchestrator
	Registry    AgentManager
	Archive     RunStore
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

// ConduitServer wraps an MCP server with orchestrator tool handlers.
type ConduitServer struct {
	coordinator Orchestrator
	registry    AgentManager
	archive     RunStore
	waitTimeout time.Duration
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewConduitServer creates a ConduitServer with all tools registered.
func NewConduitServer(deps ConduitServerDeps) *ConduitServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	waitTimeout := deps.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Minute
	}

	s := &ConduitServer{
		coordinator: deps.Coordinator,
		registry:    deps.Registry,
		archive:     deps.Archive,
		waitTimeout: waitTimeout,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"conduit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conduit orchestrates agent workflows as dependency DAGs. Use conduit.define to register templates, conduit.run to start workflows, conduit.status to inspect progress, conduit.control to pause/resume/cancel, conduit.query to browse live and archived runs, conduit.agents to manage agent instances, and conduit.metrics for aggregate counters."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConduitServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConduitServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConduitServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: agentsTool(), Handler: s.handleAgents},
		{Tool: metricsTool(), Handler: s.handleMetrics},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("conduit.run",
		mcp.WithDescription("Start a workflow from a registered template"),
		mcp.WithString("template_name", mcp.Required(), mcp.Description("Name of the workflow template to run")),
		mcp.WithObject("initial", mcp.Description("Initial workflow context variables")),
		mcp.WithBoolean("wait", mcp.Description("Block until the workflow reaches a terminal state and return the final snapshot")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("conduit.define",
		mcp.WithDescription("Register a reusable workflow template"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Template document: name, steps (id, agentName, taskType, taskData, dependencies, condition, retryAttempts, timeout), maxParallelSteps, failureStrategy, globalTimeout")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conduit.status",
		mcp.WithDescription("Get a workflow's status, per-step states and context"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("conduit.control",
		mcp.WithDescription("Pause, resume or cancel a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Control action to apply"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("conduit.query",
		mcp.WithDescription("Query live workflows, archived runs, or templates"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "templates"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, template, limit, run_id)")),
	)
}

func agentsTool() mcp.Tool {
	return mcp.NewTool("conduit.agents",
		mcp.WithDescription("List, inspect, start or stop agent instances"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("list", "info", "start", "stop"),
			mcp.Description("Registry action"),
		),
		mcp.WithString("instance", mcp.Description("Instance name (required for info/start/stop)")),
		mcp.WithString("type", mcp.Description("Registered agent type (required for start)")),
		mcp.WithObject("config", mcp.Description("Instance configuration (start only)")),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("conduit.metrics",
		mcp.WithDescription("Aggregate coordinator counters and per-instance agent metrics"),
	)
}
