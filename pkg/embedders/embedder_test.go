package embedders

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kadirpekel/coda/pkg/config"
)

func TestL2Normalize(t *testing.T) {
	v := l2Normalize([]float32{3, 4})

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("norm^2 = %v, want 1.0", sum)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("normalized = %v, want [0.6 0.8]", v)
	}
}

func TestL2NormalizeZeroVector(t *testing.T) {
	v := l2Normalize([]float32{0, 0, 0})
	for _, x := range v {
		if x != 0 {
			t.Errorf("zero vector changed: %v", v)
		}
	}
}

func TestOllamaEmbedEmptyBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called for an empty batch")
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(&config.EmbedderConfig{
		Host: srv.URL, Model: "nomic-embed-text", Dimensions: 4, BatchSize: 8, MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil) error = %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("Embed(nil) returned %d vectors", len(vecs))
	}
}

func TestOllamaEmbedBatchAndPrefixes(t *testing.T) {
	var inputs [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		inputs = append(inputs, req.Input)

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range resp.Embeddings {
			resp.Embeddings[i] = []float32{1, 0, 0, 0}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(&config.EmbedderConfig{
		Host: srv.URL, Model: "nomic-embed-text", Dimensions: 4, BatchSize: 2, MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	// Batch size 2 splits 3 texts into 2 requests
	if len(inputs) != 2 {
		t.Fatalf("backend called %d times, want 2", len(inputs))
	}
	if inputs[0][0] != "search_document: a" {
		t.Errorf("document prefix missing: %q", inputs[0][0])
	}

	if _, err := e.EmbedQuery(context.Background(), "find me"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	last := inputs[len(inputs)-1]
	if last[0] != "search_query: find me" {
		t.Errorf("query prefix missing: %q", last[0])
	}
}

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deliberately out of order
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0, 1}, "index": 1},
				{"embedding": []float32{1, 0}, "index": 0},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(&config.EmbedderConfig{
		Host: srv.URL, APIKey: "test", Model: "text-embedding-3-small",
		Dimensions: 2, BatchSize: 16, MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not reordered by index: %v", vecs)
	}
}

func TestNewFactorySelectsProvider(t *testing.T) {
	cfg := &config.EmbedderConfig{Provider: config.EmbedderProviderOllama}
	cfg.SetDefaults()

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := e.(*OllamaEmbedder); !ok {
		t.Errorf("New() = %T, want *OllamaEmbedder", e)
	}

	if _, err := New(&config.EmbedderConfig{Provider: "mystery"}); err == nil {
		t.Error("New() with unknown provider expected error")
	}
}
