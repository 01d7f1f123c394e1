// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider implements Provider using chromem-go for embedded vector
// storage. This is the zero-config default: pure Go, vectors in memory,
// optional file persistence.
//
// chromem has no native scroll and no collection schema, so the provider
// keeps a small manifest (collection name to vector size) alongside the
// database and pages scroll results over sorted document IDs.
//
// For larger deployments use Qdrant.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool
	mu          sync.RWMutex

	collections map[string]*chromem.Collection
	sizes       map[string]int

	// embeddingFunc is required by chromem's API but never used: vectors
	// arrive pre-computed from the embedder package.
	embeddingFunc chromem.EmbeddingFunc
}

// NewChromemProvider creates a chromem-backed vector provider. An empty
// path keeps everything in memory.
func NewChromemProvider(path string, compress bool) (*ChromemProvider, error) {
	var db *chromem.DB

	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := chromemDBPath(path, compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, compress)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
			slog.Info("Created new vector database", "path", dbPath)
		}
	} else {
		db = chromem.NewDB()
		slog.Info("Created in-memory vector database (no persistence)")
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	p := &ChromemProvider{
		db:            db,
		persistPath:   path,
		compress:      compress,
		collections:   make(map[string]*chromem.Collection),
		sizes:         make(map[string]int),
		embeddingFunc: identityEmbed,
	}

	if err := p.loadManifest(); err != nil {
		slog.Warn("Failed to load vector manifest", "error", err)
	}

	return p, nil
}

// Name returns the provider name.
func (p *ChromemProvider) Name() string {
	return "chromem"
}

// CreateCollection ensures a collection exists with the given vector size.
func (p *ChromemProvider) CreateCollection(ctx context.Context, collection string, vectorSize int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, existed := p.sizes[collection]

	col, err := p.db.GetOrCreateCollection(collection, nil, p.embeddingFunc)
	if err != nil {
		return false, fmt.Errorf("failed to get/create collection %q: %w", collection, err)
	}

	p.collections[collection] = col
	p.sizes[collection] = vectorSize

	if !existed {
		if err := p.saveManifestLocked(); err != nil {
			slog.Warn("Failed to save vector manifest", "error", err)
		}
	}

	return !existed, nil
}

// DeleteCollection removes a collection and all its documents.
func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	delete(p.collections, collection)
	delete(p.sizes, collection)

	if err := p.saveManifestLocked(); err != nil {
		slog.Warn("Failed to save vector manifest", "error", err)
	}
	return p.persistLocked()
}

// GetCollectionInfo reports point count and vector size.
func (p *ChromemProvider) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	size := p.sizes[collection]
	p.mu.RUnlock()

	return &CollectionInfo{
		PointsCount: uint64(col.Count()),
		VectorSize:  size,
	}, nil
}

// Upsert inserts or replaces points.
func (p *ChromemProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, pt := range points {
		// chromem metadata values must be strings
		metadata := make(map[string]string, len(pt.Payload))
		content := ""
		for k, v := range pt.Payload {
			if k == "content" {
				if s, ok := v.(string); ok {
					content = s
					continue
				}
			}
			metadata[k] = stringifyPayloadValue(v)
		}

		docs = append(docs, chromem.Document{
			ID:        pt.ID,
			Content:   content,
			Metadata:  metadata,
			Embedding: pt.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.persistLocked(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}
	return nil
}

// Search finds similar vectors. chromem has no server-side threshold, so
// the provider applies score and payload filtering before returning.
func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filters map[string]any) ([]SearchResult, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if limit > count {
		limit = count
	}

	var whereFilter map[string]string
	if len(filters) > 0 {
		whereFilter = make(map[string]string, len(filters))
		for k, v := range filters {
			whereFilter[k] = stringifyPayloadValue(v)
		}
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, whereFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if scoreThreshold > 0 && r.Similarity < scoreThreshold {
			continue
		}
		out = append(out, SearchResult{
			ID:      r.ID,
			Score:   r.Similarity,
			Content: r.Content,
			Payload: chromemMetadataToPayload(r.Metadata, r.Content),
		})
	}
	return out, nil
}

// Scroll pages through a collection in document-ID order. The offset token
// is the last ID of the previous page.
func (p *ChromemProvider) Scroll(ctx context.Context, collection string, limit int, offset string) ([]SearchResult, string, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, "", err
	}

	count := col.Count()
	if count == 0 {
		return []SearchResult{}, "", nil
	}

	p.mu.RLock()
	size := p.sizes[collection]
	p.mu.RUnlock()
	if size == 0 {
		return nil, "", fmt.Errorf("unknown vector size for collection %q", collection)
	}

	// chromem can't enumerate documents, but a full-collection query with
	// a probe vector visits every one.
	probe := make([]float32, size)
	probe[0] = 1

	all, err := col.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("scroll query failed: %w", err)
	}

	byID := make(map[string]chromem.Result, len(all))
	ids := make([]string, 0, len(all))
	for _, r := range all {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)

	start := 0
	if offset != "" {
		start = sort.SearchStrings(ids, offset)
		if start < len(ids) && ids[start] == offset {
			start++
		}
	}

	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}

	page := make([]SearchResult, 0, end-start)
	for _, id := range ids[start:end] {
		r := byID[id]
		page = append(page, SearchResult{
			ID:      r.ID,
			Content: r.Content,
			Payload: chromemMetadataToPayload(r.Metadata, r.Content),
		})
	}

	next := ""
	if end < len(ids) && len(page) > 0 {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// DeletePoints removes points by ID. Missing IDs are ignored.
func (p *ChromemProvider) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.persistLocked(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

// DeleteByFilter removes all points matching the payload filters.
func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filters map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	if col.Count() == 0 {
		return nil
	}

	whereFilter := make(map[string]string, len(filters))
	for k, v := range filters {
		whereFilter[k] = stringifyPayloadValue(v)
	}

	if err := col.Delete(ctx, whereFilter, nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.persistLocked(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

// Close persists the database and releases resources.
func (p *ChromemProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistLocked()
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}

	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) persistLocked() error {
	if p.persistPath == "" {
		return nil
	}

	dbPath := chromemDBPath(p.persistPath, p.compress)
	//nolint:staticcheck // Using deprecated function for compatibility
	if err := p.db.Export(dbPath, p.compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

func (p *ChromemProvider) manifestPath() string {
	return filepath.Join(p.persistPath, "collections.json")
}

func (p *ChromemProvider) loadManifest() error {
	if p.persistPath == "" {
		return nil
	}

	data, err := os.ReadFile(p.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Unmarshal(data, &p.sizes)
}

func (p *ChromemProvider) saveManifestLocked() error {
	if p.persistPath == "" {
		return nil
	}

	data, err := json.Marshal(p.sizes)
	if err != nil {
		return err
	}
	return os.WriteFile(p.manifestPath(), data, 0o644)
}

func chromemDBPath(dir string, compress bool) string {
	path := filepath.Join(dir, "vectors.gob")
	if compress {
		path += ".gz"
	}
	return path
}

func stringifyPayloadValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, []any, []string:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
		return fmt.Sprint(val)
	default:
		return fmt.Sprint(val)
	}
}

func chromemMetadataToPayload(metadata map[string]string, content string) map[string]any {
	payload := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	if content != "" {
		payload["content"] = content
	}
	return payload
}

// Ensure ChromemProvider implements Provider.
var _ Provider = (*ChromemProvider)(nil)
