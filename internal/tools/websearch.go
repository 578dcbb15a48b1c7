package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/engramlabs/engram/internal/config"
)

const (
	googleSearchEndpoint    = "https://www.googleapis.com/customsearch/v1"
	defaultSearchTimeout    = 15 * time.Second
	maxSearchResults        = 10
	defaultSearchResultSize = 5
)

// WebSearchResult is one hit returned to the model.
type WebSearchResult struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

// WebSearchResponse is the tool result shape. Failures come back in
// the same shape with Error set and an empty result list, never as a
// tool error.
type WebSearchResponse struct {
	Query        string            `json:"query"`
	Results      []WebSearchResult `json:"results"`
	TotalResults int               `json:"total_results"`
	Error        string            `json:"error,omitempty"`
}

// WebSearch queries Google Custom Search.
type WebSearch struct {
	apiKey   string
	engineID string
	endpoint string
	client   *http.Client
}

// NewWebSearch builds a searcher from config. Timeout defaults to 15s.
func NewWebSearch(cfg config.WebSearchConfig) *WebSearch {
	timeout := defaultSearchTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &WebSearch{
		apiKey:   cfg.APIKey,
		engineID: cfg.EngineID,
		endpoint: googleSearchEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type googleSearchPayload struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search runs one query, returning up to limit results.
func (w *WebSearch) Search(ctx context.Context, query string, limit int) ([]WebSearchResult, error) {
	if w.apiKey == "" || w.engineID == "" {
		return nil, errors.New("web search is not configured")
	}
	limit = clampInt(limit, 1, maxSearchResults)

	params := url.Values{}
	params.Set("key", w.apiKey)
	params.Set("cx", w.engineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload googleSearchPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]WebSearchResult, 0, len(payload.Items))
	for _, item := range payload.Items {
		results = append(results, WebSearchResult{
			Title:   item.Title,
			Content: item.Snippet,
			URL:     item.Link,
			Source:  "google",
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}
