package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"confidence": 0.92,
		"category":   "electronics",
		"count":      3,
	}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"comparison true", `confidence > 0.8`, true},
		{"comparison false", `confidence > 0.95`, false},
		{"string equality", `category == "electronics"`, true},
		{"combined", `confidence > 0.8 && count >= 3`, true},
		{"arithmetic", `count * 2`, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	got, err := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestExprEngine_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `x > 1`, map[string]any{"x": 2})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[`x > 1`]
	e.mu.RUnlock()
	assert.True(t, cached)

	got, err := e.Evaluate(ctx, `x > 1`, map[string]any{"x": 0})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestExprEngine_ConcurrentEvaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := e.Evaluate(ctx, `x + 1`, map[string]any{"x": n})
			assert.NoError(t, err)
			assert.Equal(t, n+1, got)
		}(i)
	}
	wg.Wait()
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"confidence": 0.92,
		"category":   "books",
	}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"numeric comparison", `ctx.confidence > 0.8`, true},
		{"string comparison", `ctx.category == "books"`, true},
		{"negative", `ctx.confidence < 0.5`, false},
		{"membership", `"category" in ctx`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `ctx.(`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestCELEngine_MissingKeyIsEvalError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `ctx.nope > 1`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASK_FAILED")
}

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	data := map[string]any{
		"items": []any{
			map[string]any{"name": "a", "price": 10.0},
			map[string]any{"name": "b", "price": 20.0},
		},
	}

	got, err := e.Evaluate(ctx, `[.items[].price] | add`, data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, got)

	got, err = e.Evaluate(ctx, `.items | length`, data)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestGoJQEngine_NoOutput(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `.items[]?`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"true", true, true},
		{"false", false, false},
		{"empty string", "", false},
		{"string", "yes", true},
		{"zero int", 0, false},
		{"int", 7, true},
		{"zero float", 0.0, false},
		{"float", 0.1, true},
		{"map", map[string]any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truthy(tt.in))
		})
	}
}
