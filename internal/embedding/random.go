package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// RandomProvider produces deterministic pseudo-random unit vectors seeded
// by the content hash of the input. It never fails, which makes it the
// fallback when a real backend is unreachable: rankings computed against
// it are meaningless but stable, so the same text always lands on the
// same vector across calls and restarts.
type RandomProvider struct {
	dim int
}

var _ Provider = (*RandomProvider)(nil)

// NewRandomProvider returns a random provider emitting vectors of dim.
func NewRandomProvider(dim int) *RandomProvider {
	if dim <= 0 {
		dim = 768
	}
	return &RandomProvider{dim: dim}
}

// Embed returns the content-seeded pseudo-random unit vector for text.
func (p *RandomProvider) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, p.dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (p *RandomProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Name returns the backend name.
func (p *RandomProvider) Name() string {
	return "random"
}

// Dimension returns the embedding dimension.
func (p *RandomProvider) Dimension() int {
	return p.dim
}

// MaxBatchSize returns 0; the generator has no batch limit.
func (p *RandomProvider) MaxBatchSize() int {
	return 0
}
