package memory

import (
	"context"

	"github.com/engramlabs/engram/internal/embedding"
)

// Embedder is the slice of the embedding service the memory tiers use.
// Embed and EmbedBatch never fail; the service degrades to deterministic
// random vectors internally.
type Embedder interface {
	Embed(ctx context.Context, text string, kind embedding.PromptKind) []float32
	EmbedBatch(ctx context.Context, texts []string, kind embedding.PromptKind) [][]float32
	Similarity(a, b []float32) float64
	Dimension() int
	ModelInfo() embedding.ModelInfo
	ModelKey() string
}

var _ Embedder = (*embedding.Service)(nil)
