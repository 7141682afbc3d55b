// Package policy enforces per-function custom instructions with an LLM
// judge. Inference failures never block execution.
package policy

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/pkg/models"
)

const judgeSystemPrompt = "You are assigned the role of a judge to determine whether a function request should be executed. " +
	"Each function in our system is defined by a name, a description, and a custom instruction. " +
	"When a user submits a request along with specific input arguments, your task is to evaluate the request " +
	"against the custom instruction of the chosen function. " +
	"Always follow the custom instruction, do not make any assumptions. If the custom instruction does not apply, let the request pass. " +
	"Based on this evaluation, decide if the request violates the custom instruction, and provide a clear and concise justification for your decision."

var verdictSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"is_violated":   map[string]any{"type": "boolean"},
		"justification": map[string]any{"type": "string"},
	},
	"required": []string{"is_violated", "justification"},
}

type verdict struct {
	IsViolated    bool   `json:"is_violated"`
	Justification string `json:"justification"`
}

// Judge asks a structured-output chat model whether a call violates the
// agent's custom instruction for the function.
type Judge struct {
	api   openai.Client
	model string
}

// NewJudge creates a judge. baseURL overrides the API endpoint when
// non-empty.
func NewJudge(apiKey, baseURL, model string) *Judge {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Judge{api: openai.NewClient(opts...), model: model}
}

// Enforce returns CustomInstructionViolation when the model judges the
// call violated. Inference errors are logged and let the call pass.
func (j *Judge) Enforce(ctx context.Context, fn *models.Function, input map[string]any, instruction string) error {
	subject, err := json.Marshal(map[string]any{
		"function_name":        fn.Name,
		"function_description": fn.Description,
		"function_input":       input,
		"custom_instruction":   instruction,
	})
	if err != nil {
		log.Error().Err(err).Str("function", fn.Name).Msg("failed to encode violation check subject, letting the request pass")
		return nil
	}

	resp, err := j.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(j.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(judgeSystemPrompt),
			openai.UserMessage(string(subject)),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "violation_check_result",
					Strict: openai.Bool(true),
					Schema: verdictSchema,
				},
			},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("function", fn.Name).Msg("failed inference for violation check, letting the request pass")
		return nil
	}
	if len(resp.Choices) == 0 {
		log.Error().Str("function", fn.Name).Msg("empty violation check response, letting the request pass")
		return nil
	}

	var v verdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &v); err != nil {
		log.Error().Err(err).Str("function", fn.Name).Msg("unparsable violation check response, letting the request pass")
		return nil
	}

	if v.IsViolated {
		log.Error().
			Str("function", fn.Name).
			Str("justification", v.Justification).
			Msg("custom instruction violated")
		return errs.CustomInstructionViolation(
			"%s execution has been rejected because of custom instruction: %s. justification: %s",
			fn.Name, instruction, v.Justification)
	}

	log.Info().Str("function", fn.Name).Str("justification", v.Justification).Msg("custom instruction not violated")
	return nil
}
