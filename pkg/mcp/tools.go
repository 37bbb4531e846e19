package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/arenstad/conduit/internal/store"
	"github.com/arenstad/conduit/pkg/schema"
)

// handleRun starts a workflow from a registered template.
func (s *ConduitServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := req.RequireString("template_name")
	if err != nil {
		return mcp.NewToolResultError("template_name is required"), nil
	}
	initial := mcp.ParseStringMap(req, "initial", nil)
	wait := req.GetBool("wait", false)

	workflowID, startErr := s.coordinator.StartWorkflow(ctx, templateName, initial)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", startErr)), nil
	}

	if !wait {
		return marshalResult(map[string]any{
			"workflow_id": workflowID,
			"template":    templateName,
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	snap, waitErr := s.coordinator.Wait(waitCtx, workflowID)
	if waitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s started but wait failed: %v", workflowID, waitErr)), nil
	}
	return marshalResult(snap)
}

// handleDefine registers a workflow template and persists it when an
// archive store is configured.
func (s *ConduitServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var doc schema.TemplateDocument
	if unmarshalErr := json.Unmarshal(defBytes, &doc); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if regErr := s.coordinator.RegisterTemplate(&doc); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register template: %v", regErr)), nil
	}

	if s.archive != nil {
		if saveErr := s.archive.SaveTemplate(ctx, &doc); saveErr != nil {
			s.logger.Warn("template registered but not persisted",
				"template", doc.Name, "error", saveErr)
		}
	}

	return marshalResult(map[string]any{
		"name":  doc.Name,
		"steps": len(doc.Steps),
	})
}

// handleStatus returns the current snapshot of a workflow.
func (s *ConduitServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	snap, statusErr := s.coordinator.Status(workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snap)
}

// handleControl applies a pause/resume/cancel action.
func (s *ConduitServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	var ctlErr error
	switch action {
	case "pause":
		ctlErr = s.coordinator.Pause(ctx, workflowID)
	case "resume":
		ctlErr = s.coordinator.Resume(ctx, workflowID)
	case "cancel":
		ctlErr = s.coordinator.Cancel(ctx, workflowID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if ctlErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, ctlErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"action":      action,
	})
}

// handleQuery lists live workflows, archived runs, or templates.
func (s *ConduitServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "templates":
		return s.queryTemplates()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *ConduitServer) queryWorkflows(filter map[string]any) (*mcp.CallToolResult, error) {
	snaps := s.coordinator.ListWorkflows()

	status, _ := filter["status"].(string)
	template, _ := filter["template"].(string)
	limit := extractInt(filter, "limit", 50)

	out := snaps[:0:0]
	for _, snap := range snaps {
		if status != "" && string(snap.Status) != status {
			continue
		}
		if template != "" && snap.TemplateName != template {
			continue
		}
		out = append(out, snap)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *ConduitServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.archive == nil {
		return mcp.NewToolResultError("no archive store configured"), nil
	}

	if runID, ok := filter["run_id"].(string); ok && runID != "" {
		rec, err := s.archive.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"run": rec})
	}

	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if template, ok := filter["template"].(string); ok {
		rf.TemplateName = template
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		rf.Status = &ws
	}

	runs, err := s.archive.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *ConduitServer) queryTemplates() (*mcp.CallToolResult, error) {
	names := s.coordinator.Templates()
	docs := make([]*schema.TemplateDocument, 0, len(names))
	for _, name := range names {
		if doc, err := s.coordinator.Template(name); err == nil {
			docs = append(docs, doc)
		}
	}
	return marshalResult(map[string]any{"templates": docs})
}

// handleAgents drives the agent registry.
func (s *ConduitServer) handleAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "list":
		return marshalResult(map[string]any{"instances": s.registry.ListInstances()})

	case "info":
		instance := req.GetString("instance", "")
		if instance == "" {
			return mcp.NewToolResultError("instance is required for info"), nil
		}
		info, infoErr := s.registry.InstanceInfo(instance)
		if infoErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("info failed: %v", infoErr)), nil
		}
		return marshalResult(info)

	case "start":
		instance := req.GetString("instance", "")
		typeName := req.GetString("type", "")
		if instance == "" || typeName == "" {
			return mcp.NewToolResultError("instance and type are required for start"), nil
		}
		config := mcp.ParseStringMap(req, "config", nil)
		if startErr := s.registry.StartInstance(instance, typeName, config); startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "instance": instance, "type": typeName})

	case "stop":
		instance := req.GetString("instance", "")
		if instance == "" {
			return mcp.NewToolResultError("instance is required for stop"), nil
		}
		if stopErr := s.registry.StopInstance(ctx, instance); stopErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", stopErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "instance": instance})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleMetrics reports coordinator counters and per-instance metrics.
func (s *ConduitServer) handleMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"coordinator": s.coordinator.Metrics(),
		"agents":      s.registry.ListInstances(),
	})
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
