package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// LocalProvider is the in-process backend. It projects hashed word and
// character-trigram features onto a fixed-dimension space and
// L2-normalises the result. No model weights are loaded: the projection
// is fully deterministic, shares vocabulary-free behaviour across
// processes, and keeps lexically similar texts close together, which is
// what the tier searches need from a default that must work offline.
//
// The model name only selects prompt-prefix behaviour (see Service); two
// LocalProviders with the same dimension embed identically.
type LocalProvider struct {
	model  string
	dim    int
	device string
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider returns an in-process provider for the given model
// name and dimension. Device is informational only.
func NewLocalProvider(model string, dim int, device string) *LocalProvider {
	if dim <= 0 {
		dim = 768
	}
	if device == "" {
		device = "cpu"
	}
	return &LocalProvider{model: model, dim: dim, device: device}
}

// Embed generates the hashed-feature embedding for text.
func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dim)
	for _, tok := range tokenizeWords(text) {
		p.addFeature(vec, tok, 1.0)
		for _, gram := range charTrigrams(tok) {
			p.addFeature(vec, gram, 0.5)
		}
	}

	// Empty or all-punctuation input still gets a stable unit vector.
	allZero := true
	for _, x := range vec {
		if x != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		vec[0] = 1
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
func (p *LocalProvider) Name() string {
	return "local"
}

// Dimension returns the embedding dimension.
func (p *LocalProvider) Dimension() int {
	return p.dim
}

// MaxBatchSize returns 0; batches are embedded in-process.
func (p *LocalProvider) MaxBatchSize() int {
	return 0
}

// Device reports the configured device label.
func (p *LocalProvider) Device() string {
	return p.device
}

// addFeature folds a hashed feature into the vector. The hash picks the
// slot and a sign bit so collisions average out instead of piling up.
func (p *LocalProvider) addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(p.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func charTrigrams(token string) []string {
	runes := []rune(token)
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}
