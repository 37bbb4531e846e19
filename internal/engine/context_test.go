package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunContext_ResolveWholeTokenKeepsType(t *testing.T) {
	rc := NewRunContext(map[string]any{
		"count":  42,
		"score":  0.97,
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"k": "v"},
	})

	assert.Equal(t, 42, rc.Resolve("${count}"))
	assert.Equal(t, 0.97, rc.Resolve("${score}"))
	assert.Equal(t, []any{"a", "b"}, rc.Resolve("${tags}"))
	assert.Equal(t, map[string]any{"k": "v"}, rc.Resolve("${nested}"))
}

func TestRunContext_ResolveEmbeddedRendersString(t *testing.T) {
	rc := NewRunContext(map[string]any{"name": "orders", "count": 7})

	assert.Equal(t, "processing orders (7 items)", rc.Resolve("processing ${name} (${count} items)"))
}

func TestRunContext_ResolveUnknownPassesThrough(t *testing.T) {
	rc := NewRunContext(nil)

	assert.Equal(t, "${missing}", rc.Resolve("${missing}"))
	assert.Equal(t, "a ${missing} b", rc.Resolve("a ${missing} b"))
	assert.Equal(t, "plain text", rc.Resolve("plain text"))
}

func TestRunContext_ResolveMapRecurses(t *testing.T) {
	rc := NewRunContext(map[string]any{"region": "eu-west", "limit": 10})

	in := map[string]any{
		"target": "${region}",
		"query": map[string]any{
			"max":   "${limit}",
			"label": "region=${region}",
		},
		"list":    []any{"${limit}", "static"},
		"untyped": 3,
	}

	out := rc.ResolveMap(in)
	assert.Equal(t, "eu-west", out["target"])
	assert.Equal(t, 10, out["query"].(map[string]any)["max"])
	assert.Equal(t, "region=eu-west", out["query"].(map[string]any)["label"])
	assert.Equal(t, []any{10, "static"}, out["list"])
	assert.Equal(t, 3, out["untyped"])

	// Input is never mutated.
	assert.Equal(t, "${region}", in["target"])
}

func TestRunContext_StoreStepResult(t *testing.T) {
	rc := NewRunContext(nil)

	rc.StoreStepResult("classify", map[string]any{
		"category":    "electronics",
		"confidence":  0.9,
		"_debugTrace": "internal",
	})

	full, ok := rc.Get("step_classify_result")
	require.True(t, ok)
	assert.Equal(t, "electronics", full.(map[string]any)["category"])
	assert.Equal(t, "internal", full.(map[string]any)["_debugTrace"])

	// Non-underscore keys flatten into the context.
	v, ok := rc.Get("category")
	require.True(t, ok)
	assert.Equal(t, "electronics", v)

	// Underscore keys stay private to the full result.
	_, ok = rc.Get("_debugTrace")
	assert.False(t, ok)
}

func TestRunContext_LastWriteWins(t *testing.T) {
	rc := NewRunContext(map[string]any{"status": "initial"})

	rc.StoreStepResult("first", map[string]any{"status": "from-first"})
	rc.StoreStepResult("second", map[string]any{"status": "from-second"})

	v, _ := rc.Get("status")
	assert.Equal(t, "from-second", v)
}

func TestRunContext_ConcurrentWriters(t *testing.T) {
	rc := NewRunContext(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("step%d", n)
			rc.StoreStepResult(key, map[string]any{key + "_out": n})
		}(i)
	}
	wg.Wait()

	// Disjoint keys from concurrent writers are all present.
	snap := rc.Snapshot()
	for i := 0; i < 10; i++ {
		assert.Contains(t, snap, fmt.Sprintf("step%d_out", i))
		assert.Contains(t, snap, fmt.Sprintf("step_step%d_result", i))
	}
}

func TestRunContext_SnapshotIsCopy(t *testing.T) {
	rc := NewRunContext(map[string]any{"a": 1})
	snap := rc.Snapshot()
	snap["a"] = 99

	v, _ := rc.Get("a")
	assert.Equal(t, 1, v)
}
