package discovery

import (
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/processor"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// FormatFunction renders a function definition in the requested format.
// Every format that carries a parameter schema gets the visible-filtered
// one, so invisible parameters never reach an LLM.
func FormatFunction(fn *models.Function, format models.FunctionFormat) (map[string]any, error) {
	switch format {
	case models.FormatBasic:
		return map[string]any{
			"name":        fn.Name,
			"description": fn.Description,
		}, nil
	case models.FormatOpenAI:
		return map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        fn.Name,
				"description": fn.Description,
				"parameters":  processor.FilterVisible(fn.Parameters),
			},
		}, nil
	case models.FormatOpenAIResponses:
		return map[string]any{
			"type":        "function",
			"name":        fn.Name,
			"description": fn.Description,
			"parameters":  processor.FilterVisible(fn.Parameters),
		}, nil
	case models.FormatAnthropic:
		return map[string]any{
			"name":         fn.Name,
			"description":  fn.Description,
			"input_schema": processor.FilterVisible(fn.Parameters),
		}, nil
	}
	return nil, errs.InvalidFunctionDefinitionFormat("unknown function definition format %q", format)
}
