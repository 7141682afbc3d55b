package processor

import (
	"fmt"

	"github.com/toolbridge/toolbridge/pkg/models"
)

var restRootKeys = map[string]bool{
	"path":   true,
	"query":  true,
	"header": true,
	"cookie": true,
	"body":   true,
}

// ValidateParametersSchema checks the structural rules every function
// parameter schema must satisfy before it is accepted into the catalog:
//
//   - every object level declares additionalProperties=false (unless it
//     explicitly opens itself with additionalProperties=true),
//   - required and visible entries reference declared properties,
//   - a required-but-invisible non-object property defines a default,
//   - an object property is only visible when at least one child is
//     visible, unless additionalProperties is true,
//   - for REST functions the root buckets are path/query/header/cookie/body.
func ValidateParametersSchema(schema map[string]any, protocol models.Protocol) error {
	if schema["type"] != "object" {
		return fmt.Errorf("root schema must be an object")
	}
	if protocol == models.ProtocolREST {
		props, _ := schema["properties"].(map[string]any)
		for key := range props {
			if !restRootKeys[key] {
				return fmt.Errorf("rest root property %q is not one of path/query/header/cookie/body", key)
			}
		}
	}
	return validateObjectSchema(schema, "$")
}

func validateObjectSchema(schema map[string]any, path string) error {
	if schema["type"] != "object" {
		return nil
	}
	if _, declared := schema["additionalProperties"]; !declared {
		return fmt.Errorf("%s: additionalProperties must be declared on object schemas", path)
	}

	props, _ := schema["properties"].(map[string]any)
	required := stringList(schema["required"])
	visible := stringList(schema["visible"])

	for _, key := range required {
		if _, ok := props[key]; !ok {
			return fmt.Errorf("%s: required property %q not defined", path, key)
		}
	}
	for _, key := range visible {
		if _, ok := props[key]; !ok {
			return fmt.Errorf("%s: visible property %q not defined", path, key)
		}
	}

	for key, rawSub := range props {
		sub, ok := rawSub.(map[string]any)
		if !ok {
			return fmt.Errorf("%s.%s: property schema must be an object", path, key)
		}
		subPath := path + "." + key
		isObject := sub["type"] == "object"

		if contains(required, key) && !contains(visible, key) && !isObject {
			if !hasKey(sub, "default") {
				return fmt.Errorf("%s: required invisible property %q has no default", path, key)
			}
		}
		if isObject && contains(visible, key) {
			childVisible := stringList(sub["visible"])
			additional, _ := sub["additionalProperties"].(bool)
			if len(childVisible) == 0 && !additional {
				return fmt.Errorf("%s: visible object %q has no visible children", path, key)
			}
		}
		if err := validateObjectSchema(sub, subPath); err != nil {
			return err
		}
	}
	return nil
}
