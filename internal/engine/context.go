package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// RunContext is the shared key-value state of one workflow run. Steps
// read it through ${name} substitution in their task data and write it
// through their results. Concurrent writers follow last-write-wins;
// steps in the same wavefront should therefore write disjoint keys.
type RunContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunContext creates a run context seeded with the given initial values.
func NewRunContext(initial map[string]any) *RunContext {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &RunContext{values: values}
}

// Get returns the value for a key.
func (c *RunContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value. Last write wins.
func (c *RunContext) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Snapshot returns a shallow copy of the current values. Used for
// condition evaluation and status reporting.
func (c *RunContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// StoreStepResult records a completed step's result: the full result map
// lands under "step_<id>_result", and every result key not prefixed with
// an underscore is flattened into the context for downstream ${name}
// references. Underscore keys stay private to the full result.
func (c *RunContext) StoreStepResult(stepID string, result map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values["step_"+stepID+"_result"] = result
	for k, v := range result {
		if strings.HasPrefix(k, "_") {
			continue
		}
		c.values[k] = v
	}
}

// Resolve substitutes ${name} references in a string. A string that is
// exactly one reference resolves to the raw context value, preserving
// its type; references embedded in a larger string render via fmt.
// Unknown references pass through unchanged.
func (c *RunContext) Resolve(s string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveLocked(s)
}

func (c *RunContext) resolveLocked(s string) any {
	// Whole-string reference keeps the raw value (maps, numbers, bools).
	if m := varPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := c.values[m[1]]; ok {
			return v
		}
		return s
	}

	return varPattern.ReplaceAllStringFunc(s, func(token string) string {
		key := token[2 : len(token)-1]
		v, ok := c.values[key]
		if !ok {
			return token
		}
		return fmt.Sprintf("%v", v)
	})
}

// ResolveMap returns a deep copy of m with ${name} references resolved
// in every string value, recursing into nested maps and slices.
func (c *RunContext) ResolveMap(m map[string]any) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveMapLocked(m)
}

func (c *RunContext) resolveMapLocked(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = c.resolveValueLocked(v)
	}
	return out
}

func (c *RunContext) resolveValueLocked(v any) any {
	switch val := v.(type) {
	case string:
		return c.resolveLocked(val)
	case map[string]any:
		return c.resolveMapLocked(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.resolveValueLocked(item)
		}
		return out
	default:
		return v
	}
}
