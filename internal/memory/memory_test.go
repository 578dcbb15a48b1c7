package memory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/engramlabs/engram/internal/embedding"
)

// stubEmbedder projects text onto a fixed vocabulary: dimension i counts
// occurrences of vocab word i, L2-normalised. Texts sharing vocabulary
// words score high; texts sharing none score zero. Deterministic, so
// tests can steer similarity by choosing words.
type stubEmbedder struct {
	vocab []string
	model string
}

func newStubEmbedder(model string, vocab ...string) *stubEmbedder {
	return &stubEmbedder{vocab: vocab, model: model}
}

func (s *stubEmbedder) Embed(_ context.Context, text string, _ embedding.PromptKind) []float32 {
	vec := make([]float32, len(s.vocab))
	lower := strings.ToLower(text)
	var sum float64
	for i, word := range s.vocab {
		vec[i] = float32(strings.Count(lower, word))
		sum += float64(vec[i]) * float64(vec[i])
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string, kind embedding.PromptKind) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = s.Embed(ctx, text, kind)
	}
	return out
}

func (s *stubEmbedder) Similarity(a, b []float32) float64 {
	return embedding.Cosine(a, b)
}

func (s *stubEmbedder) Dimension() int { return len(s.vocab) }

func (s *stubEmbedder) ModelInfo() embedding.ModelInfo {
	return embedding.ModelInfo{
		Backend:   "stub",
		Model:     s.model,
		Dimension: len(s.vocab),
	}
}

func (s *stubEmbedder) ModelKey() string {
	return fmt.Sprintf("%s:%d", s.model, len(s.vocab))
}

// words builds a message of n copies of word.
func words(word string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = word
	}
	return strings.Join(parts, " ")
}
