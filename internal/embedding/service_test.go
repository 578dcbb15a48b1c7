package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/observability"
)

// countingProvider records calls and can be told to fail or return wrong
// dimensions.
type countingProvider struct {
	mu         sync.Mutex
	dim        int
	embedCalls int
	batchCalls int
	fail       bool
	wrongDim   bool
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.embedCalls++
	p.mu.Unlock()
	if p.fail {
		return nil, errors.New("backend down")
	}
	dim := p.dim
	if p.wrongDim {
		dim = p.dim + 1
	}
	vec := make([]float32, dim)
	vec[0] = 1
	return vec, nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batchCalls++
	p.mu.Unlock()
	if p.fail {
		return nil, errors.New("backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, p.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (p *countingProvider) Name() string      { return "counting" }
func (p *countingProvider) Dimension() int    { return p.dim }
func (p *countingProvider) MaxBatchSize() int { return 2 }

func (p *countingProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls, p.batchCalls
}

func newTestService(t *testing.T, provider Provider, cfg config.EmbeddingConfig) *Service {
	t.Helper()
	if cfg.Backend == "" {
		cfg.Backend = config.BackendLocal
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 8
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewServiceWithProvider(cfg, provider, t.TempDir(), observability.NopLogger(), metrics)
}

func TestServiceCachesEmbeddings(t *testing.T) {
	provider := &countingProvider{dim: 8}
	svc := newTestService(t, provider, config.EmbeddingConfig{})
	ctx := context.Background()

	first := svc.Embed(ctx, "repeated text", PromptPassage)
	second := svc.Embed(ctx, "repeated text", PromptPassage)

	if embeds, _ := provider.calls(); embeds != 1 {
		t.Errorf("provider called %d times, want 1", embeds)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached vector differs from original")
		}
	}
	if info := svc.ModelInfo(); info.CacheSize != 1 {
		t.Errorf("cache size = %d, want 1", info.CacheSize)
	}
}

func TestServiceNeverFails(t *testing.T) {
	provider := &countingProvider{dim: 8, fail: true}
	svc := newTestService(t, provider, config.EmbeddingConfig{})
	ctx := context.Background()

	vec := svc.Embed(ctx, "some text", PromptPassage)
	if len(vec) != 8 {
		t.Fatalf("fallback dimension = %d, want 8", len(vec))
	}

	// Fallback vectors are deterministic per text.
	again := svc.Embed(ctx, "some text", PromptPassage)
	for i := range vec {
		if vec[i] != again[i] {
			t.Fatal("fallback vectors for same text differ")
		}
	}

	// Fallback results are not cached, so a recovered backend is used.
	if info := svc.ModelInfo(); info.CacheSize != 0 {
		t.Errorf("fallback vector was cached: size = %d", info.CacheSize)
	}
	provider.fail = false
	recovered := svc.Embed(ctx, "some text", PromptPassage)
	if recovered[0] != 1 {
		t.Error("recovered backend not consulted after fallback")
	}
}

func TestServiceWrongDimensionFallsBack(t *testing.T) {
	provider := &countingProvider{dim: 8, wrongDim: true}
	svc := newTestService(t, provider, config.EmbeddingConfig{})

	vec := svc.Embed(context.Background(), "text", PromptPassage)
	if len(vec) != 8 {
		t.Errorf("dimension = %d, want configured 8", len(vec))
	}
}

func TestServiceBatchPartialCache(t *testing.T) {
	provider := &countingProvider{dim: 8}
	svc := newTestService(t, provider, config.EmbeddingConfig{})
	ctx := context.Background()

	svc.Embed(ctx, "alpha", PromptPassage)

	vectors := svc.EmbedBatch(ctx, []string{"alpha", "beta", "gamma", "delta", "epsilon"}, PromptPassage)
	if len(vectors) != 5 {
		t.Fatalf("got %d vectors, want 5", len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != 8 {
			t.Errorf("vectors[%d] dimension = %d", i, len(vec))
		}
	}

	// Four misses through a MaxBatchSize of 2 means two batch calls.
	if _, batches := provider.calls(); batches != 2 {
		t.Errorf("batch calls = %d, want 2", batches)
	}
}

func TestServiceBatchFailureFallsBack(t *testing.T) {
	provider := &countingProvider{dim: 8, fail: true}
	svc := newTestService(t, provider, config.EmbeddingConfig{})

	vectors := svc.EmbedBatch(context.Background(), []string{"a", "b"}, PromptQuery)
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != 8 {
			t.Errorf("vectors[%d] dimension = %d, want 8", i, len(vec))
		}
	}
}

func TestServicePromptPrefixForE5Models(t *testing.T) {
	cfg := config.EmbeddingConfig{Backend: config.BackendLocal, Model: "multilingual-e5-base", Dimension: 64}
	svc := newTestService(t, NewLocalProvider(cfg.Model, cfg.Dimension, "cpu"), cfg)
	ctx := context.Background()

	passage := svc.Embed(ctx, "tiered memory design", PromptPassage)
	query := svc.Embed(ctx, "tiered memory design", PromptQuery)
	if Cosine(passage, query) > 0.999999 {
		t.Error("passage and query prompts should embed differently for e5 models")
	}

	// Non-e5 models embed text as-is regardless of prompt kind.
	plainCfg := config.EmbeddingConfig{Backend: config.BackendLocal, Model: "plain-model", Dimension: 64}
	plain := newTestService(t, NewLocalProvider(plainCfg.Model, plainCfg.Dimension, "cpu"), plainCfg)
	a := plain.Embed(ctx, "tiered memory design", PromptPassage)
	b := plain.Embed(ctx, "tiered memory design", PromptQuery)
	if Cosine(a, b) < 0.999999 {
		t.Error("prompt kind changed embeddings for a non-prefixed model")
	}
}

func TestServiceChangeModel(t *testing.T) {
	cfg := config.EmbeddingConfig{Backend: config.BackendLocal, Model: "first-model", Dimension: 32}
	svc := newTestService(t, nil, cfg)
	ctx := context.Background()

	svc.Embed(ctx, "warm the cache", PromptPassage)
	if svc.ModelInfo().CacheSize != 1 {
		t.Fatal("expected one cached vector")
	}

	if ok := svc.ChangeModel("second-model", config.BackendRandom); !ok {
		t.Fatal("ChangeModel to random backend failed")
	}
	info := svc.ModelInfo()
	if info.Model != "second-model" || info.Backend != config.BackendRandom {
		t.Errorf("info = %+v", info)
	}
	if info.CacheSize != 0 {
		t.Errorf("cache not re-initialised: size = %d", info.CacheSize)
	}
	if info.Dimension != 32 {
		t.Errorf("dimension changed to %d", info.Dimension)
	}

	if ok := svc.ChangeModel("x", "no-such-backend"); ok {
		t.Error("ChangeModel accepted an unknown backend")
	}
	if got := svc.ModelInfo().Model; got != "second-model" {
		t.Errorf("failed change clobbered model: %q", got)
	}
}

func TestServiceModelKey(t *testing.T) {
	cfg := config.EmbeddingConfig{Backend: config.BackendLocal, Model: "bge-m3", Dimension: 1024}
	svc := newTestService(t, nil, cfg)
	if got := svc.ModelKey(); got != "bge-m3:1024" {
		t.Errorf("ModelKey = %q, want bge-m3:1024", got)
	}
}

func TestServiceConcurrentEmbeds(t *testing.T) {
	provider := &countingProvider{dim: 8}
	svc := newTestService(t, provider, config.EmbeddingConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec := svc.Embed(ctx, "contended text", PromptPassage)
			if len(vec) != 8 {
				t.Errorf("dimension = %d", len(vec))
			}
		}()
	}
	wg.Wait()

	// Coalescing keeps the provider call count well below the goroutine
	// count; exact dedupe depends on scheduling.
	if embeds, _ := provider.calls(); embeds > 8 {
		t.Errorf("provider called %d times for one text", embeds)
	}
}
