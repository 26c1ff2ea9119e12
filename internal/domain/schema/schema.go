// Package schema implements the declarative-schema half of the Tool
// Dispatcher's argument validation (spec.md §4.6 step 2): a small subset of
// JSON Schema covering object/array/string/number/integer/boolean types,
// required properties, and enum constraints — enough to enforce the tool
// input schemas registered in internal/service/catalog.go. Grounded on the
// shape (not the code, which lives under another module's internal/ and
// cannot be imported) of golang-tools' gopls MCP jsonschema package: a
// typed Schema tree walked recursively against a decoded instance value.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Schema is a JSON-Schema-equivalent declarative shape (spec.md §3 Tool
// Descriptor "inputSchema"). Unset fields are not enforced.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
}

// Parse decodes raw into a *Schema. raw is the Tool Descriptor's
// InputSchema field.
func Parse(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return &Schema{}, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("schema: parsing input schema: %w", err)
	}
	return &s, nil
}

// Validate checks instance (already json.Unmarshal'd into any — map[string]any,
// []any, string, float64, bool, or nil) against s, returning a list of
// human-readable violations in deterministic order. An empty result means
// instance is valid.
func Validate(s *Schema, instance any) []string {
	return validatePath(s, instance, "")
}

func validatePath(s *Schema, instance any, path string) []string {
	if s == nil {
		return nil
	}
	var violations []string

	if s.Type != "" {
		if !matchesType(s.Type, instance) {
			violations = append(violations, fmt.Sprintf("%s: expected type %q, got %s", label(path), s.Type, describe(instance)))
			// A type mismatch makes deeper structural checks meaningless.
			return violations
		}
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, instance) {
		violations = append(violations, fmt.Sprintf("%s: value not in enum", label(path)))
	}

	switch s.Type {
	case "object":
		obj, _ := instance.(map[string]any)
		for _, name := range sortedRequired(s.Required) {
			if _, ok := obj[name]; !ok {
				violations = append(violations, fmt.Sprintf("%s: missing required property %q", label(path), name))
			}
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, present := obj[name]
			if !present {
				continue
			}
			violations = append(violations, validatePath(s.Properties[name], val, childPath(path, name))...)
		}
	case "array":
		if s.Items != nil {
			arr, _ := instance.([]any)
			for i, v := range arr {
				violations = append(violations, validatePath(s.Items, v, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	}

	return violations
}

func sortedRequired(required []string) []string {
	out := append([]string(nil), required...)
	sort.Strings(out)
	return out
}

func childPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func label(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

func matchesType(t string, instance any) bool {
	switch t {
	case "object":
		_, ok := instance.(map[string]any)
		return ok
	case "array":
		_, ok := instance.([]any)
		return ok
	case "string":
		_, ok := instance.(string)
		return ok
	case "boolean":
		_, ok := instance.(bool)
		return ok
	case "number":
		_, ok := instance.(float64)
		return ok
	case "integer":
		f, ok := instance.(float64)
		return ok && f == float64(int64(f))
	case "null":
		return instance == nil
	default:
		return true
	}
}

func describe(instance any) string {
	switch instance.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	default:
		return fmt.Sprintf("%T", instance)
	}
}

func inEnum(enum []any, instance any) bool {
	encoded, err := json.Marshal(instance)
	if err != nil {
		return false
	}
	for _, candidate := range enum {
		candEncoded, err := json.Marshal(candidate)
		if err != nil {
			continue
		}
		if string(candEncoded) == string(encoded) {
			return true
		}
	}
	return false
}
