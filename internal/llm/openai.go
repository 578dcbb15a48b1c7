package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/engramlabs/engram/internal/config"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openaiClient struct {
	client    *openai.Client
	name      string
	model     string
	maxTokens int
}

func newOpenAIClient(cfg config.LLMConfig) (*openaiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openaiClient{
		client:    openai.NewClientWithConfig(clientCfg),
		name:      "openai",
		model:     model,
		maxTokens: maxTokensOrDefault(cfg.MaxTokens),
	}, nil
}

// newLocalClient talks to an OpenAI-compatible local server (ollama,
// llama.cpp, vllm) over the chat completions endpoint.
func newLocalClient(cfg config.LLMConfig) (*openaiClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("local: base URL is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "local" // local servers ignore the key but the SDK requires one
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = cfg.BaseURL
	model := cfg.Model
	if model == "" {
		model = "default"
	}
	return &openaiClient{
		client:    openai.NewClientWithConfig(clientCfg),
		name:      "local",
		model:     model,
		maxTokens: maxTokensOrDefault(cfg.MaxTokens),
	}, nil
}

func (c *openaiClient) Name() string { return c.name }

func (c *openaiClient) Generate(ctx context.Context, req Request) (string, error) {
	return generateWithRetry(ctx, func(ctx context.Context) (string, error) {
		var messages []openai.ChatCompletionMessage
		if req.System != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     c.model,
			Messages:  messages,
			MaxTokens: maxTokensOrDefault(req.MaxTokens),
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("empty completion response")
		}
		return resp.Choices[0].Message.Content, nil
	})
}
