package embedding

import (
	"context"
	"math"
	"testing"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestLocalProviderDeterministic(t *testing.T) {
	ctx := context.Background()
	p := NewLocalProvider("multilingual-e5-base", 768, "cpu")

	first, err := p.Embed(ctx, "memory pages are evicted least recently used first")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := p.Embed(ctx, "memory pages are evicted least recently used first")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(first) != 768 {
		t.Fatalf("dimension = %d, want 768", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("vectors differ at index %d: %v != %v", i, first[i], second[i])
		}
	}
}

func TestLocalProviderDistinguishesTexts(t *testing.T) {
	ctx := context.Background()
	p := NewLocalProvider("multilingual-e5-base", 768, "cpu")

	a, _ := p.Embed(ctx, "the database connection pool is exhausted")
	b, _ := p.Embed(ctx, "sunsets over the pacific are orange")

	if sim := Cosine(a, b); sim > 0.9 {
		t.Errorf("unrelated texts too similar: %v", sim)
	}

	c, _ := p.Embed(ctx, "the database connection pool is exhausted again")
	if sim := Cosine(a, c); sim < 0.5 {
		t.Errorf("near-identical texts too dissimilar: %v", sim)
	}
}

func TestLocalProviderUnitNorm(t *testing.T) {
	ctx := context.Background()
	p := NewLocalProvider("multilingual-e5-base", 256, "cpu")

	for _, text := range []string{"hello world", "a", "", "!!! ??? ..."} {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
		if norm := vectorNorm(vec); math.Abs(norm-1) > 1e-5 {
			t.Errorf("norm of %q = %v, want 1", text, norm)
		}
	}
}

func TestLocalProviderBatchMatchesSingle(t *testing.T) {
	ctx := context.Background()
	p := NewLocalProvider("multilingual-e5-base", 128, "cpu")

	texts := []string{"first text", "second text", "third text"}
	batch, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch size = %d, want %d", len(batch), len(texts))
	}

	for i, text := range texts {
		single, _ := p.Embed(ctx, text)
		if Cosine(single, batch[i]) < 1-1e-6 {
			t.Errorf("batch[%d] differs from single embedding of %q", i, text)
		}
	}
}

func TestLocalProviderRespectsCancelledContext(t *testing.T) {
	p := NewLocalProvider("multilingual-e5-base", 64, "cpu")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Embed(ctx, "text"); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestRandomProviderDeterministic(t *testing.T) {
	ctx := context.Background()
	p := NewRandomProvider(768)

	first, err := p.Embed(ctx, "fallback ranking input")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, _ := p.Embed(ctx, "fallback ranking input")

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("random vectors for same text differ at index %d", i)
		}
	}

	other, _ := p.Embed(ctx, "different input")
	if sim := Cosine(first, other); sim > 0.5 {
		t.Errorf("random vectors for different texts too similar: %v", sim)
	}

	if norm := vectorNorm(first); math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm = %v, want 1", norm)
	}
}
