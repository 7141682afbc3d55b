// Package processor transforms function parameter schemas and caller input:
// visibility filtering, default injection for invisible required fields,
// null stripping, and JSON-Schema validation of the visible surface.
package processor

import (
	"fmt"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// FilterVisible returns a copy of the schema containing only visible
// properties. The "visible" key itself is removed and "required" is
// intersected with it. An object level without a "visible" annotation keeps
// all of its properties, so filtering an already filtered schema changes
// nothing. Non-object schemas pass through unchanged; the input schema is
// never mutated.
func FilterVisible(schema map[string]any) map[string]any {
	out := models.CopyDocument(schema)
	filterVisible(out)
	return out
}

func filterVisible(schema map[string]any) {
	if schema["type"] != "object" {
		return
	}
	raw, annotated := schema["visible"]
	visible := stringList(raw)
	delete(schema, "visible")

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	filtered := make(map[string]any, len(props))
	for key, sub := range props {
		if annotated && !contains(visible, key) {
			continue
		}
		if m, ok := sub.(map[string]any); ok {
			filterVisible(m)
		}
		filtered[key] = sub
	}
	schema["properties"] = filtered

	if required := stringList(schema["required"]); schema["required"] != nil {
		kept := make([]any, 0, len(required))
		for _, key := range required {
			if !annotated || contains(visible, key) {
				kept = append(kept, key)
			}
		}
		schema["required"] = kept
	}
}

// InjectInvisibleDefaults fills input with defaults for properties that are
// required but not visible and absent from the input. Object properties
// without a default initialize to {} and recurse; anything else without a
// default fails. The original (unfiltered) schema drives this pass.
func InjectInvisibleDefaults(schema, input map[string]any) error {
	props, _ := schema["properties"].(map[string]any)
	required := stringList(schema["required"])
	visible := stringList(schema["visible"])

	for prop, rawSub := range props {
		sub, _ := rawSub.(map[string]any)
		if _, set := input[prop]; !set && contains(required, prop) && !contains(visible, prop) {
			switch {
			case sub != nil && hasKey(sub, "default"):
				input[prop] = models.CopyValue(sub["default"])
			case sub != nil && sub["type"] == "object":
				input[prop] = map[string]any{}
			default:
				return fmt.Errorf("no default value found for property %s", prop)
			}
		}
		if nested, ok := input[prop].(map[string]any); ok && sub != nil {
			if err := InjectInvisibleDefaults(sub, nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveNone recursively drops null values from maps and arrays.
func RemoveNone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if e == nil {
				continue
			}
			out[k] = RemoveNone(e)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, RemoveNone(e))
		}
		return out
	default:
		return v
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
