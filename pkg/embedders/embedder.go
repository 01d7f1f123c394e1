// Package embedders turns text into vectors for indexing and retrieval.
// Every collection in the vector store shares one embedder, so all vectors
// in a deployment have the same dimensionality.
package embedders

import (
	"context"
	"fmt"
	"math"

	"github.com/kadirpekel/coda/pkg/config"
)

// Embedder produces L2-normalized embedding vectors.
type Embedder interface {
	// Embed embeds a batch of texts, preserving order. An empty batch
	// returns an empty slice without touching the backend.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle embeds one document text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// EmbedQuery embeds a retrieval query. Models with asymmetric task
	// prefixes (nomic) treat queries differently from documents.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// ModelName returns the embedding model identifier.
	ModelName() string

	Close() error
}

// New creates an embedder from configuration.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case config.EmbedderProviderOllama:
		return NewOllamaEmbedder(cfg)
	case config.EmbedderProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", cfg.Provider)
	}
}

// l2Normalize scales v to unit length in place and returns it. Zero vectors
// pass through unchanged.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
