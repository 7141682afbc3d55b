// Package embeddings turns apps, functions, and search intents into
// fixed-dimension vectors via the OpenAI embeddings API.
package embeddings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps the embeddings API with the model and dimension the catalog
// is indexed under. Safe for concurrent use.
type Client struct {
	api        openai.Client
	model      string
	dimensions int
}

// NewClient creates an embeddings client. baseURL overrides the API
// endpoint when non-empty (proxies, fakes in tests).
func NewClient(apiKey, baseURL, model string, dimensions int) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		api:        openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the vector width this client produces.
func (c *Client) Dimensions() int { return c.dimensions }

// Embed returns the embedding for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: openai.Int(int64(c.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// AppText is the canonical text an app is embedded under: a JSON document
// of its descriptive fields, so re-embedding is deterministic.
func AppText(name, displayName, provider, description string, categories []string) string {
	doc := map[string]any{
		"name":         name,
		"display_name": displayName,
		"provider":     provider,
		"description":  description,
		"categories":   categories,
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// FunctionText is the canonical text a function is embedded under.
func FunctionText(name, description string) string {
	doc := map[string]any{
		"name":        name,
		"description": description,
	}
	b, _ := json.Marshal(doc)
	return string(b)
}
