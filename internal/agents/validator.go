package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/pkg/schema"
)

// Validator checks a document against a JSON Schema (Draft 2020-12).
// Task input: {"document": any, "schema": object}; the schema may also
// come from the instance config. Result: {"valid": bool,
// "violations": []string}.
type Validator struct {
	name          string
	defaultSchema []byte

	// mu guards the compiled-schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidatorFactory returns a Factory for validator instances.
// Instance config may set {"schema": {...}} as the default schema.
func NewValidatorFactory() agent.Factory {
	return func(instanceName string, config map[string]any) (agent.Agent, error) {
		var defaultSchema []byte
		if raw, ok := config["schema"]; ok {
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"validator %q: configured schema is not serializable", instanceName).WithCause(err)
			}
			defaultSchema = b
		}
		return &Validator{
			name:          instanceName,
			defaultSchema: defaultSchema,
			cache:         make(map[string]*jsonschema.Schema),
		}, nil
	}
}

func (v *Validator) Name() string           { return v.name }
func (v *Validator) Capabilities() []string { return []string{"validate"} }

func (v *Validator) Execute(ctx context.Context, task *schema.Task) (map[string]any, error) {
	doc, ok := task.Input["document"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, `validator requires a "document" input`).
			WithDetails(map[string]any{"task_id": task.ID})
	}

	schemaBytes := v.defaultSchema
	if raw, ok := task.Input["schema"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "task schema is not serializable").WithCause(err)
		}
		schemaBytes = b
	}
	if len(schemaBytes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, `validator requires a "schema" input or a configured default`)
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number, which the
	// jsonschema library requires.
	value, err := toJSONValue(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "document is not serializable").WithCause(err)
	}

	if err := compiled.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return map[string]any{"valid": false, "violations": []string{err.Error()}}, nil
		}
		return map[string]any{"valid": false, "violations": collectViolations(verr)}, nil
	}
	return map[string]any{"valid": true, "violations": []string{}}, nil
}

func (v *Validator) HealthCheck(ctx context.Context) error { return nil }

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("conduit://task-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
