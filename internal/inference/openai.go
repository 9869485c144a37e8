package inference

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dshills/knowledge-engine/pkg/types"
)

const (
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderExtractive = "extractive"

	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOllamaModel = "llama3.1"
	DefaultOllamaURL   = "http://localhost:11434/v1"
	DefaultMaxTokens   = 1024
)

// OpenAIReasoner implements Reasoner with the Chat Completions API. Any
// OpenAI-compatible server works through the base URL.
type OpenAIReasoner struct {
	client      *openai.Client
	name        string
	model       string
	maxTokens   int
	temperature float32
}

// OpenAIConfig configures an OpenAIReasoner.
type OpenAIConfig struct {
	Name        string // reported provider name; defaults to "openai"
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// NewOpenAIReasoner creates a chat completion reasoner.
func NewOpenAIReasoner(cfg OpenAIConfig) *OpenAIReasoner {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Name == "" {
		cfg.Name = ProviderOpenAI
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &OpenAIReasoner{
		client:      openai.NewClientWithConfig(clientCfg),
		name:        cfg.Name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Name implements Namer.
func (p *OpenAIReasoner) Name() string {
	return p.name
}

// Infer implements Reasoner.
func (p *OpenAIReasoner) Infer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	apiReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.TaskType)},
			{Role: openai.ChatMessageRoleUser, Content: contextBlock(req)},
		},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s chat completion: %w", types.ErrProvider, p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", types.ErrProvider, p.name)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Response{
		Answer:       resp.Choices[0].Message.Content,
		TaskType:     req.TaskType,
		Provider:     p.name,
		Model:        model,
		Sources:      sourcesOf(req.Chunks),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}
