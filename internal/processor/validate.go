package processor

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Validate checks input against a JSON schema (draft-7).
func Validate(schema map[string]any, input map[string]any) error {
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("schema.json", schema); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return compiled.Validate(any(input))
}

// Preprocess runs the full input pipeline for a function execution:
// validate the caller input against the visible schema, inject invisible
// required defaults against the original schema, and strip nulls.
// The caller's input map is not mutated.
func Preprocess(schema, input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	visibleSchema := FilterVisible(schema)
	if err := Validate(visibleSchema, input); err != nil {
		return nil, errs.InvalidFunctionInput("%v", err)
	}
	work := models.CopyDocument(input)
	if err := InjectInvisibleDefaults(schema, work); err != nil {
		return nil, errs.InvalidFunctionInput("%v", err)
	}
	return RemoveNone(work).(map[string]any), nil
}
