package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// RemoteConfig configures a hosted embedding API.
type RemoteConfig struct {
	Provider  string // "openai", "cohere", or "generic"
	URL       string // optional override; providers have sane defaults
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// NewRemoteProvider returns a provider for one of the recognised hosted
// APIs. The three shapes differ only in request/response framing:
// OpenAI sends input+model and reads data[i].embedding, Cohere sends
// texts+model and reads embeddings[i], and generic POSTs input+model to
// an arbitrary URL accepting any of the known response shapes.
func NewRemoteProvider(cfg RemoteConfig) (Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAIProvider(cfg)
	case "cohere":
		return newCohereProvider(cfg)
	case "generic":
		return newGenericProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Provider)
	}
}

// openaiProvider wraps the OpenAI embeddings endpoint, or any
// API-compatible server when URL overrides the base URL.
type openaiProvider struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Provider = (*openaiProvider)(nil)

func newOpenAIProvider(cfg RemoteConfig) (*openaiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL != "" {
		clientConfig.BaseURL = cfg.URL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &openaiProvider{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		dim:    cfg.Dimension,
	}, nil
}

func (p *openaiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

func (p *openaiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	results := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	return results, nil
}

func (p *openaiProvider) Name() string      { return "openai" }
func (p *openaiProvider) Dimension() int    { return p.dim }
func (p *openaiProvider) MaxBatchSize() int { return 2048 }

// cohereProvider wraps the Cohere embed endpoint.
type cohereProvider struct {
	url    string
	apiKey string
	model  string
	dim    int
	client *http.Client
}

var _ Provider = (*cohereProvider)(nil)

func newCohereProvider(cfg RemoteConfig) (*cohereProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere API key is required")
	}
	url := cfg.URL
	if url == "" {
		url = "https://api.cohere.ai/v1/embed"
	}
	model := cfg.Model
	if model == "" {
		model = "embed-multilingual-v3.0"
	}
	return &cohereProvider{
		url:    url,
		apiKey: cfg.APIKey,
		model:  model,
		dim:    cfg.Dimension,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *cohereProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

func (p *cohereProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := map[string]any{"texts": texts, "model": p.model}
	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := postBearerJSON(ctx, p.client, p.url, p.apiKey, payload, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("server returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

func (p *cohereProvider) Name() string      { return "cohere" }
func (p *cohereProvider) Dimension() int    { return p.dim }
func (p *cohereProvider) MaxBatchSize() int { return 96 }

// genericProvider POSTs to an arbitrary endpoint and accepts whichever of
// the known response shapes comes back. Lets self-hosted gateways serve
// embeddings without pretending to be a specific vendor.
type genericProvider struct {
	url    string
	apiKey string
	model  string
	dim    int
	client *http.Client
}

var _ Provider = (*genericProvider)(nil)

func newGenericProvider(cfg RemoteConfig) (*genericProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("generic provider requires a URL")
	}
	return &genericProvider{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		dim:    cfg.Dimension,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *genericProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

func (p *genericProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := map[string]any{"input": texts}
	if p.model != "" {
		payload["model"] = p.model
	}
	var result localHTTPResponse
	if err := postBearerJSON(ctx, p.client, p.url, p.apiKey, payload, &result); err != nil {
		return nil, err
	}

	var embeddings [][]float32
	switch {
	case len(result.Embeddings) > 0:
		embeddings = result.Embeddings
	case len(result.Data) > 0:
		embeddings = make([][]float32, len(result.Data))
		for i, d := range result.Data {
			embeddings[i] = d.Embedding
		}
	case len(result.Embedding) > 0 && len(texts) == 1:
		embeddings = [][]float32{result.Embedding}
	default:
		return nil, fmt.Errorf("no embeddings in response")
	}

	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("server returned %d embeddings for %d texts", len(embeddings), len(texts))
	}
	return embeddings, nil
}

func (p *genericProvider) Name() string      { return "generic" }
func (p *genericProvider) Dimension() int    { return p.dim }
func (p *genericProvider) MaxBatchSize() int { return 256 }

// postBearerJSON POSTs payload as JSON with optional bearer auth and
// decodes the response into out.
func postBearerJSON(ctx context.Context, client *http.Client, url, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("embedding API returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
