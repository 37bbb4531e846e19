package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, StepID(ctx))
	assert.Empty(t, Agent(ctx))

	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithStepID(ctx, "step-a")
	ctx = WithAgent(ctx, "classifier-1")

	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "step-a", StepID(ctx))
	assert.Equal(t, "classifier-1", Agent(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithAgent(WithStepID(WithWorkflowID(context.Background(), "wf-1"), "step-a"), "classifier-1")
	logger.InfoContext(ctx, "step dispatched")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-1")
	assert.Contains(t, out, "step_id=step-a")
	assert.Contains(t, out, "agent=classifier-1")
}

func TestCorrelationHandlerPlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no correlation")

	out := buf.String()
	require.Contains(t, out, "no correlation")
	assert.NotContains(t, out, "workflow_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).
		With(slog.String("component", "engine")).
		WithGroup("run")

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-1"), "started", slog.Int("steps", 3))

	out := buf.String()
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "run.steps=3")
	assert.Contains(t, out, "workflow_id=wf-1")
}
