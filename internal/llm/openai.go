package llm

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type openAICompleter struct {
	client    llms.Model
	maxTokens int
}

func newOpenAI(cfg Config) (*openAICompleter, error) {
	opts := []openai.Option{openai.WithToken(tokenOrNone(cfg.APIKey))}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &openAICompleter{client: client, maxTokens: cfg.MaxTokens}, nil
}

func (o *openAICompleter) complete(ctx context.Context, system, user string) (string, error) {
	content := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}
	opts := []llms.CallOption{llms.WithTemperature(0)}
	if o.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(o.maxTokens))
	}
	resp, err := o.client.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// Local OpenAI-compatible servers accept any token.
func tokenOrNone(key string) string {
	if key == "" {
		return "none"
	}
	return key
}
