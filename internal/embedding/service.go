package embedding

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/observability"
)

// cacheDirName is the subdirectory of the data dir holding per-model
// embedding caches.
const cacheDirName = "embedding_cache"

// ModelInfo describes the active embedding model.
type ModelInfo struct {
	Backend   string `json:"backend"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Device    string `json:"device"`
	CacheSize int    `json:"cache_size"`
}

// Service is the embedding front door for every memory tier. It wraps the
// configured Provider with a persistent content-hash cache and degrades to
// the deterministic random backend on any failure. Embed and EmbedBatch
// never fail: retrieval must always get some ranking, even a meaningless
// one, rather than an error.
type Service struct {
	mu       sync.RWMutex
	cfg      config.EmbeddingConfig
	provider Provider
	fallback *RandomProvider
	cache    *vectorCache
	dataDir  string

	group   singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewService builds the provider named by cfg and opens its cache under
// dataDir. If the provider cannot be constructed the service starts on
// the random fallback instead of failing.
func NewService(cfg config.EmbeddingConfig, dataDir string, logger *observability.Logger, metrics *observability.Metrics) *Service {
	provider, err := buildProvider(cfg)
	if err != nil {
		logger.Error(context.Background(), "embedding backend unavailable, using random fallback",
			"backend", cfg.Backend, "model", cfg.Model, "error", err)
		metrics.RecordEmbeddingFallback(cfg.Backend)
		provider = nil
	}
	return NewServiceWithProvider(cfg, provider, dataDir, logger, metrics)
}

// NewServiceWithProvider wires an explicit provider. A nil provider runs
// everything through the random fallback.
func NewServiceWithProvider(cfg config.EmbeddingConfig, provider Provider, dataDir string, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	fallback := NewRandomProvider(cfg.Dimension)
	if provider == nil {
		provider = fallback
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		fallback: fallback,
		cache:    newVectorCache(filepath.Join(dataDir, cacheDirName), cfg.Model, logger.Slog()),
		dataDir:  dataDir,
		logger:   logger,
		metrics:  metrics,
	}
}

func buildProvider(cfg config.EmbeddingConfig) (Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Backend {
	case config.BackendLocal:
		return NewLocalProvider(cfg.Model, cfg.Dimension, cfg.Device), nil
	case config.BackendLocalHTTP:
		if cfg.LocalHTTPURL == "" {
			return nil, fmt.Errorf("local-http backend requires a URL")
		}
		return NewLocalHTTPProvider(cfg.LocalHTTPURL, cfg.Model, cfg.Dimension, timeout), nil
	case config.BackendRemoteAPI:
		return NewRemoteProvider(RemoteConfig{
			Provider:  cfg.Remote.Provider,
			URL:       cfg.Remote.URL,
			APIKey:    cfg.Remote.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   timeout,
		})
	case config.BackendRandom:
		return NewRandomProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

// Embed returns the embedding for text, applying the prompt prefix for
// models that want one. Results come from the cache when possible;
// concurrent misses for the same text are coalesced. Never fails.
func (s *Service) Embed(ctx context.Context, text string, kind PromptKind) []float32 {
	s.mu.RLock()
	provider, cache, model := s.provider, s.cache, s.cfg.Model
	s.mu.RUnlock()

	effective := applyPrompt(model, kind, text)
	key := cacheKey(effective)

	if vec, ok := cache.get(key); ok {
		s.metrics.EmbeddingCacheHit()
		return vec
	}
	s.metrics.EmbeddingCacheMiss()

	result, _, _ := s.group.Do(model+":"+key, func() (any, error) {
		if vec, ok := cache.get(key); ok {
			return vec, nil
		}
		vec := s.embedOne(ctx, provider, cache, effective)
		return vec, nil
	})
	return result.([]float32)
}

// embedOne runs one provider call with timing, dimension validation, and
// the random fallback. Successful real-backend results are cached;
// fallback vectors are not, so recovered backends get asked again.
func (s *Service) embedOne(ctx context.Context, provider Provider, cache *vectorCache, effective string) []float32 {
	start := time.Now()
	vec, err := provider.Embed(ctx, effective)
	s.metrics.RecordEmbedding(provider.Name(), time.Since(start).Seconds())

	if err == nil && len(vec) != s.Dimension() {
		err = fmt.Errorf("backend returned dimension %d, want %d", len(vec), s.Dimension())
	}
	if err != nil {
		s.logger.Warn(ctx, "embedding failed, falling back to random vectors",
			"backend", provider.Name(), "error", err)
		s.metrics.RecordEmbeddingFallback(provider.Name())
		vec, _ = s.fallback.Embed(ctx, effective)
		return vec
	}

	cache.put(cacheKey(effective), vec)
	return vec
}

// EmbedBatch embeds texts in order, serving cached entries and batching
// the rest through the provider. A provider failure downgrades the whole
// uncached remainder to random vectors. Never fails.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, kind PromptKind) [][]float32 {
	if len(texts) == 0 {
		return nil
	}

	s.mu.RLock()
	provider, cache, model := s.provider, s.cache, s.cfg.Model
	s.mu.RUnlock()

	results := make([][]float32, len(texts))
	effective := make([]string, len(texts))
	var missing []int

	for i, text := range texts {
		effective[i] = applyPrompt(model, kind, text)
		if vec, ok := cache.get(cacheKey(effective[i])); ok {
			s.metrics.EmbeddingCacheHit()
			results[i] = vec
			continue
		}
		s.metrics.EmbeddingCacheMiss()
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return results
	}

	missingTexts := make([]string, len(missing))
	for j, i := range missing {
		missingTexts[j] = effective[i]
	}

	vectors, err := s.batchThroughProvider(ctx, provider, missingTexts)
	if err != nil {
		s.logger.Warn(ctx, "batch embedding failed, falling back to random vectors",
			"backend", provider.Name(), "count", len(missingTexts), "error", err)
		s.metrics.RecordEmbeddingFallback(provider.Name())
		for _, i := range missing {
			results[i], _ = s.fallback.Embed(ctx, effective[i])
		}
		return results
	}

	for j, i := range missing {
		results[i] = vectors[j]
		cache.put(cacheKey(effective[i]), vectors[j])
	}
	return results
}

// batchThroughProvider splits texts into provider-sized batches and
// validates dimensions. Any error fails the whole remainder.
func (s *Service) batchThroughProvider(ctx context.Context, provider Provider, texts []string) ([][]float32, error) {
	max := provider.MaxBatchSize()
	if max <= 0 {
		max = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += max {
		end := start + max
		if end > len(texts) {
			end = len(texts)
		}

		batchStart := time.Now()
		vectors, err := provider.EmbedBatch(ctx, texts[start:end])
		s.metrics.RecordEmbedding(provider.Name(), time.Since(batchStart).Seconds())
		if err != nil {
			return nil, err
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("backend returned %d embeddings for %d texts", len(vectors), end-start)
		}
		for _, vec := range vectors {
			if len(vec) != s.Dimension() {
				return nil, fmt.Errorf("backend returned dimension %d, want %d", len(vec), s.Dimension())
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// Similarity returns the cosine similarity of two vectors in [-1, 1].
func (s *Service) Similarity(a, b []float32) float64 {
	return Cosine(a, b)
}

// Dimension returns the dimension every vector from this service has.
func (s *Service) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Dimension
}

// ModelInfo reports the active backend, model, and cache size.
func (s *Service) ModelInfo() ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ModelInfo{
		Backend:   s.cfg.Backend,
		Model:     s.cfg.Model,
		Dimension: s.cfg.Dimension,
		Device:    s.cfg.Device,
		CacheSize: s.cache.size(),
	}
}

// ModelKey returns the active model's multi-model storage key,
// "<model>:<dimension>".
func (s *Service) ModelKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s:%d", s.cfg.Model, s.cfg.Dimension)
}

// ChangeModel swaps the active model and backend, re-initialising the
// cache for the new model's file. Returns false and keeps the current
// model if the new backend cannot be constructed. The dimension is kept:
// stored vectors across the tiers assume it.
func (s *Service) ChangeModel(name, backend string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	next.Model = name
	next.Backend = backend

	provider, err := buildProvider(next)
	if err != nil {
		s.logger.Error(context.Background(), "model change rejected",
			"model", name, "backend", backend, "error", err)
		return false
	}

	if err := s.cache.flush(); err != nil {
		s.logger.Warn(context.Background(), "failed to flush embedding cache before model change",
			"error", err)
	}

	s.cfg = next
	s.provider = provider
	s.fallback = NewRandomProvider(next.Dimension)
	s.cache = newVectorCache(filepath.Join(s.dataDir, cacheDirName), next.Model, s.logger.Slog())
	s.logger.Info(context.Background(), "embedding model changed", "model", name, "backend", backend)
	return true
}

// Flush forces the cache to disk. Called on shutdown.
func (s *Service) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.flush()
}

// applyPrompt prefixes text for models trained with instruction prefixes.
// The e5 family expects "passage: " on documents and "query: " on
// searches; other models embed text as-is.
func applyPrompt(model string, kind PromptKind, text string) string {
	if !strings.Contains(strings.ToLower(model), "e5") {
		return text
	}
	switch kind {
	case PromptQuery:
		return "query: " + text
	default:
		return "passage: " + text
	}
}
