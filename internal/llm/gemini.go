package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

type geminiCompleter struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func newGemini(ctx context.Context, cfg Config) (*geminiCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is required for gemini")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm.model is required for gemini")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &geminiCompleter{client: client, model: cfg.Model, maxTokens: int32(cfg.MaxTokens)}, nil
}

func (g *geminiCompleter) complete(ctx context.Context, system, user string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(0)),
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}},
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = g.maxTokens
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(user)}},
	}, config)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
