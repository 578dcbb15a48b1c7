package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalHTTPProvider talks to a local inference server (an Ollama-style
// sidecar or any OpenAI-compatible shim) over plain HTTP. Single texts
// are POSTed as {"text": ...}, batches as {"texts": [...]}; both the
// bare {"embedding": [...]} shape and the OpenAI-style
// {"data": [{"embedding": [...]}]} shape are accepted in responses.
type LocalHTTPProvider struct {
	url    string
	model  string
	dim    int
	client *http.Client
}

var _ Provider = (*LocalHTTPProvider)(nil)

// NewLocalHTTPProvider returns a provider POSTing to url. Dimension is
// taken from configuration; the server is trusted to match it.
func NewLocalHTTPProvider(url, model string, dim int, timeout time.Duration) *LocalHTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalHTTPProvider{
		url:    url,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: timeout},
	}
}

type localHTTPResponse struct {
	Embedding  []float32   `json:"embedding"`
	Embeddings [][]float32 `json:"embeddings"`
	Data       []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (p *LocalHTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.post(ctx, map[string]any{"text": text, "model": p.model})
	if err != nil {
		return nil, err
	}
	if len(result.Embedding) > 0 {
		return result.Embedding, nil
	}
	if len(result.Data) > 0 {
		return result.Data[0].Embedding, nil
	}
	return nil, fmt.Errorf("no embedding in response")
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (p *LocalHTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result, err := p.post(ctx, map[string]any{"texts": texts, "model": p.model})
	if err != nil {
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
	default:
		return nil, fmt.Errorf("no embeddings in response")
	}

	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("server returned %d embeddings for %d texts", len(embeddings), len(texts))
	}
	return embeddings, nil
}

func (p *LocalHTTPProvider) post(ctx context.Context, payload map[string]any) (*localHTTPResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return nil, fmt.Errorf("embedding server returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result localHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

// Name returns the backend name.
func (p *LocalHTTPProvider) Name() string {
	return "local-http"
}

// Dimension returns the embedding dimension.
func (p *LocalHTTPProvider) Dimension() int {
	return p.dim
}

// MaxBatchSize caps batches at 100 texts per request.
func (p *LocalHTTPProvider) MaxBatchSize() int {
	return 100
}
