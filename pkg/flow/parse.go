package flow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// documentSchema is the structural contract for raw flow documents, checked
// before binding so that shape errors surface with schema paths instead of
// decoder panics. YAML is normalized to JSON first; JSON documents are a
// YAML subset and take the same path.
const documentSchema = `{
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"inputs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"enum": ["string", "number", "boolean", "object", "array", "any"]},
					"required": {"type": "boolean"}
				}
			}
		},
		"outputs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1}
				}
			}
		},
		"steps": {"type": "array", "items": {"type": "object"}},
		"connections": {"type": "object"},
		"triggers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string"},
					"cron": {"type": "string"}
				}
			}
		},
		"on_cancel": {"type": "array", "items": {"type": "object"}}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Parse decodes, schema-checks and validates a YAML or JSON flow document.
func Parse(data []byte) (*Flow, error) {
	var raw any

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode flow document: %w", err)
	}

	if err := checkSchema(raw); err != nil {
		return nil, err
	}

	var f Flow

	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to bind flow document: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// ParseFile reads and parses a flow document from disk.
func ParseFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow document %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return f, nil
}

func checkSchema(raw any) error {
	normalized, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to normalize flow document: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(normalized))
	if err != nil {
		return fmt.Errorf("failed to run schema validation: %w", err)
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}

		return &ValidationError{Issues: issues}
	}

	return nil
}
