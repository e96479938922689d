package consensus

import (
	"encoding/json"
	"fmt"
)

// Schema is the minimal JSON-schema subset honored by the evaluator: a
// top-level "type": "object" plus a "required" key list. Anything richer is
// accepted but ignored.
type Schema struct {
	Type     string   `json:"type"`
	Required []string `json:"required"`
}

// ParseSchema decodes a schema document.
func ParseSchema(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// Validate checks a candidate response text against the schema. The text
// must parse as JSON; when the schema declares an object, the top level must
// be an object carrying every required key.
func (s *Schema) Validate(text string) error {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return fmt.Errorf("response is not valid JSON: %v", err)
	}
	obj, isObject := v.(map[string]any)
	if s.Type != "" && s.Type != "object" {
		return nil
	}
	if !isObject {
		return fmt.Errorf("response is not a JSON object")
	}
	for _, key := range s.Required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("missing required key %q", key)
		}
	}
	return nil
}
