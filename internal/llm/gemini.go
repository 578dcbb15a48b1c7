package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/engramlabs/engram/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

type geminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int
}

func newGeminiClient(cfg config.LLMConfig) (*geminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiClient{
		client:    client,
		model:     model,
		maxTokens: maxTokensOrDefault(cfg.MaxTokens),
	}, nil
}

func (c *geminiClient) Name() string { return "gemini" }

func (c *geminiClient) Generate(ctx context.Context, req Request) (string, error) {
	return generateWithRetry(ctx, func(ctx context.Context) (string, error) {
		genCfg := &genai.GenerateContentConfig{
			MaxOutputTokens: int32(maxTokensOrDefault(req.MaxTokens)),
		}
		if req.System != "" {
			genCfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: req.System}},
			}
		}

		resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), genCfg)
		if err != nil {
			return "", err
		}
		text := resp.Text()
		if text == "" {
			return "", errors.New("empty completion response")
		}
		return text, nil
	})
}
