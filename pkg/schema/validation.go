package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// templateSchemaJSON is the JSON Schema for TemplateDocument validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conduit.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "maxParallelSteps": { "type": "integer", "minimum": 0 },
    "globalTimeout": {
      "type": "string",
      "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
    },
    "failureStrategy": {
      "type": "string",
      "enum": ["stop", "continue", "retry_failed"]
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "agentName", "taskType"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "agentName": { "type": "string", "minLength": 1 },
        "taskType": { "type": "string", "minLength": 1 },
        "taskData": { "type": "object" },
        "dependencies": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retryAttempts": { "type": "integer", "minimum": 0 },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        },
        "condition": { "type": "string" },
        "conditionEngine": {
          "type": "string",
          "enum": ["expr", "cel"]
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	templateSchemaOnce sync.Once
	templateSchema     *jsonschema.Schema
	templateSchemaErr  error
)

func compiledTemplateSchema() (*jsonschema.Schema, error) {
	templateSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
		if err != nil {
			templateSchemaErr = fmt.Errorf("unmarshal template schema: %w", err)
			return
		}
		if err := c.AddResource("https://conduit.dev/schemas/template.json", doc); err != nil {
			templateSchemaErr = fmt.Errorf("add template schema resource: %w", err)
			return
		}
		templateSchema, templateSchemaErr = c.Compile("https://conduit.dev/schemas/template.json")
	})
	return templateSchema, templateSchemaErr
}

// ValidateTemplate validates a TemplateDocument against the embedded JSON
// Schema, plus the structural checks the schema cannot express (duplicate
// step IDs, dependencies on unknown steps).
func ValidateTemplate(doc *TemplateDocument) error {
	if doc == nil {
		return NewError(ErrCodeValidation, "template document is nil")
	}

	compiled, err := compiledTemplateSchema()
	if err != nil {
		return NewError(ErrCodeValidation, "template schema unavailable").WithCause(err)
	}

	val, err := toJSONValue(doc)
	if err != nil {
		return NewError(ErrCodeValidation, "failed to serialize template document").WithCause(err)
	}
	if err := compiled.Validate(val); err != nil {
		return toConduitError(err)
	}

	seen := make(map[string]struct{}, len(doc.Steps))
	for _, step := range doc.Steps {
		if _, exists := seen[step.ID]; exists {
			return NewErrorf(ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	for _, step := range doc.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := seen[dep]; !ok {
				return NewErrorf(ErrCodeValidation, "step %q depends on unknown step %q", step.ID, dep)
			}
		}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toConduitError converts a jsonschema.ValidationError into a ConduitError
// with a flat list of violations.
func toConduitError(err error) *ConduitError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewError(ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return NewError(ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return NewError(ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("template validation failed with %d errors", len(violations))
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
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
