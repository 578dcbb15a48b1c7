// Package embedding turns text into fixed-dimension unit vectors.
//
// Four backends implement the Provider interface: an in-process hashed
// n-gram model, a local HTTP inference server, hosted remote APIs, and a
// deterministic pseudo-random generator. The Service wraps one active
// Provider with a persistent content-hash cache and falls back to the
// random backend on any failure, so retrieval always gets some ranking.
package embedding

import "context"

// PromptKind tells asymmetric retrieval models which side of the search
// a text is on. Documents are embedded as passages, searches as queries.
type PromptKind string

const (
	PromptPassage PromptKind = "passage"
	PromptQuery   PromptKind = "query"
)

// Provider generates embeddings from a single backend.
type Provider interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the backend name for logging and metrics.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the largest batch the backend accepts in one
	// call, or 0 for no limit.
	MaxBatchSize() int
}
