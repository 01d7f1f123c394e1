package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/coda/pkg/embedders"
	"github.com/kadirpekel/coda/pkg/rag"
	"github.com/kadirpekel/coda/pkg/vector"
)

// KnowledgeRetriever answers queries from a module's knowledge collection.
// Content rides in the point payload, so no hydration step is needed.
type KnowledgeRetriever struct {
	vectors  vector.Provider
	embedder embedders.Embedder
	moduleID string
	logger   *slog.Logger
}

// NewKnowledgeRetriever creates a retriever over rag_<module>.
func NewKnowledgeRetriever(vectors vector.Provider, embedder embedders.Embedder, moduleID string, logger *slog.Logger) (*KnowledgeRetriever, error) {
	if vectors == nil || embedder == nil {
		return nil, fmt.Errorf("knowledge retriever requires vector provider and embedder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeRetriever{
		vectors:  vectors,
		embedder: embedder,
		moduleID: moduleID,
		logger:   logger.With("component", "knowledge_retriever"),
	}, nil
}

// Retrieve runs a similarity search over the module collection.
func (kr *KnowledgeRetriever) Retrieve(ctx context.Context, query string, limit int, scoreThreshold float64) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	queryVec, err := kr.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed knowledge query: %w", err)
	}

	hits, err := kr.vectors.Search(ctx, rag.ModuleCollection(kr.moduleID), queryVec, limit, float32(scoreThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		content := hit.Content
		if content == "" {
			content = vector.PayloadString(hit.Payload, "content")
		}
		if content == "" {
			continue
		}
		results = append(results, Result{
			Source:   "knowledge",
			FilePath: vector.PayloadString(hit.Payload, "source"),
			Content:  content,
			Score:    float64(hit.Score),
		})
	}
	return results, nil
}
