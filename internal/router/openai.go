package router

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentops/dispatch/internal/config"
)

// OpenAIProvider adapts an OpenAI-compatible chat completion endpoint
// (OpenAI, Ollama, vLLM, LM Studio) to the Provider interface. It is
// the reference provider implementation; the router itself never
// depends on it.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAIProvider builds a provider from its static configuration.
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &OpenAIProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Invoke sends the request prompt as a single-turn chat completion.
func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion: empty response")
	}

	choice := resp.Choices[0]

	// A truncated or filtered completion is usable but suspect; score
	// it below any clean stop so low-confidence fallback can kick in.
	confidence := 1.0
	if choice.FinishReason != openai.FinishReasonStop {
		confidence = 0.5
	}

	return Response{
		Content:    choice.Message.Content,
		Confidence: confidence,
	}, nil
}
