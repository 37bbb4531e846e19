package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadTemplateFile reads a TemplateDocument from a JSON or YAML file,
// chosen by extension, and validates it.
func LoadTemplateFile(path string) (*TemplateDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}

	var doc TemplateDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "parse template yaml %s: %s", filepath.Base(path), err.Error()).WithCause(err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "parse template json %s: %s", filepath.Base(path), err.Error()).WithCause(err)
		}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unsupported template extension %q", filepath.Ext(path))
	}

	if err := ValidateTemplate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadTemplateDir loads every *.json, *.yaml and *.yml template under dir.
// Non-template files are ignored; a malformed template aborts the load.
func LoadTemplateDir(dir string) ([]*TemplateDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	var docs []*TemplateDocument
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		doc, err := LoadTemplateFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
