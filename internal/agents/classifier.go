// Package agents ships the built-in agent implementations: keyword
// classification, jq-based enrichment, JSON Schema validation and run
// archive maintenance. Each exposes a Factory for registry registration.
package agents

import (
	"context"
	"strings"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/pkg/schema"
)

// defaultCategories is used when the instance config carries no
// "categories" map.
var defaultCategories = map[string][]string{
	"electronics": {"phone", "laptop", "camera", "battery", "charger"},
	"books":       {"book", "novel", "author", "paperback", "hardcover"},
	"clothing":    {"shirt", "jacket", "shoes", "dress", "jeans"},
}

// Classifier assigns a category to free text by keyword matching.
// Task input: {"text": string}. Result: {"category": string,
// "confidence": float64, "matches": []string}.
type Classifier struct {
	name       string
	categories map[string][]string
}

// NewClassifierFactory returns a Factory for classifier instances.
// Instance config may override the keyword table with
// {"categories": {"<category>": ["kw", ...], ...}}.
func NewClassifierFactory() agent.Factory {
	return func(instanceName string, config map[string]any) (agent.Agent, error) {
		categories := defaultCategories
		if raw, ok := config["categories"].(map[string]any); ok {
			categories = make(map[string][]string, len(raw))
			for cat, kws := range raw {
				list, ok := kws.([]any)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"classifier %q: category %q keywords must be a list", instanceName, cat)
				}
				words := make([]string, 0, len(list))
				for _, kw := range list {
					s, ok := kw.(string)
					if !ok {
						return nil, schema.NewErrorf(schema.ErrCodeValidation,
							"classifier %q: category %q has a non-string keyword", instanceName, cat)
					}
					words = append(words, strings.ToLower(s))
				}
				categories[cat] = words
			}
		}
		return &Classifier{name: instanceName, categories: categories}, nil
	}
}

func (c *Classifier) Name() string           { return c.name }
func (c *Classifier) Capabilities() []string { return []string{"classify"} }

func (c *Classifier) Execute(ctx context.Context, task *schema.Task) (map[string]any, error) {
	text, ok := task.Input["text"].(string)
	if !ok || text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `classifier requires a non-empty "text" input`).
			WithDetails(map[string]any{"task_id": task.ID})
	}

	lowered := strings.ToLower(text)
	bestCategory := "unknown"
	var bestMatches []string
	for cat, keywords := range c.categories {
		var matches []string
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				matches = append(matches, kw)
			}
		}
		if len(matches) > len(bestMatches) {
			bestCategory = cat
			bestMatches = matches
		}
	}

	confidence := 0.0
	if len(bestMatches) > 0 {
		confidence = float64(len(bestMatches)) / float64(len(c.categories[bestCategory]))
	}

	return map[string]any{
		"category":   bestCategory,
		"confidence": confidence,
		"matches":    bestMatches,
	}, nil
}

func (c *Classifier) HealthCheck(ctx context.Context) error { return nil }
