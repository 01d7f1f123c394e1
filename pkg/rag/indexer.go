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

package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/embedders"
	"github.com/kadirpekel/coda/pkg/store"
	"github.com/kadirpekel/coda/pkg/vector"
)

// WorkspaceCollection names the code collection for a workspace.
func WorkspaceCollection(workspaceID string) string {
	return "rag_workspace_" + workspaceID
}

// IndexStats summarizes one indexing pass.
type IndexStats struct {
	FilesIndexed  int           `json:"files_indexed"`
	FilesSkipped  int           `json:"files_skipped"`
	FilesFailed   int           `json:"files_failed"`
	ChunksCreated int           `json:"chunks_created"`
	CacheHits     int           `json:"cache_hits"`
	CacheMisses   int           `json:"cache_misses"`
	Duration      time.Duration `json:"duration"`
}

// FileResult reports the outcome of indexing a single file.
type FileResult struct {
	Path       string
	Skipped    bool
	Chunks     int
	Symbols    int
	CacheHits  int
	CacheMiss  int
}

// Indexer keeps a workspace's vector collection and relational mirror in
// sync with the filesystem. File cycles for the same workspace are
// serialized by a per-workspace mutex; the watcher and explicit reindex
// calls share it.
type Indexer struct {
	store    *store.Store
	vectors  vector.Provider
	embedder embedders.Embedder
	chunker  *Chunker
	ignore   *IgnoreMatcher
	cfg      *config.IndexingConfig
	moduleID string
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewIndexer wires an indexer from its collaborators.
func NewIndexer(st *store.Store, vectors vector.Provider, embedder embedders.Embedder, cfg *config.IndexingConfig, moduleID string, logger *slog.Logger) (*Indexer, error) {
	if st == nil || vectors == nil || embedder == nil {
		return nil, fmt.Errorf("indexer requires store, vector provider, and embedder")
	}
	if cfg == nil {
		cfg = &config.IndexingConfig{}
		cfg.SetDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}

	chunker, err := NewChunker(cfg.ChunkWindow, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	return &Indexer{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		chunker:  chunker,
		ignore:   NewIgnoreMatcher(cfg.IgnorePatterns),
		cfg:      cfg,
		moduleID: moduleID,
		logger:   logger.With("component", "indexer"),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// workspaceLock returns the mutex serializing index cycles for a workspace.
func (ix *Indexer) workspaceLock(workspaceID string) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[workspaceID] = l
	}
	return l
}

// IndexWorkspace walks the workspace root and indexes every eligible file.
// Individual file failures are logged and counted, not fatal.
func (ix *Indexer) IndexWorkspace(ctx context.Context, ws *store.Workspace) (*IndexStats, error) {
	ctx, span := otel.Tracer("coda.rag").Start(ctx, "rag.index_workspace",
		trace.WithAttributes(attribute.String("workspace.id", ws.ID)))
	defer span.End()

	start := time.Now()

	if _, err := ix.vectors.CreateCollection(ctx, WorkspaceCollection(ws.ID), ix.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("ensure workspace collection: %w", err)
	}

	stats := &IndexStats{}
	err := filepath.WalkDir(ws.RootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(ws.RootPath, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if ix.ignore.Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ix.ignore.Ignored(rel) || !Indexable(rel) {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil && info.Size() > ix.cfg.MaxFileSize {
			ix.logger.Debug("skipping oversized file", "path", rel, "size", info.Size())
			return nil
		}

		res, fileErr := ix.IndexFile(ctx, ws, rel)
		switch {
		case fileErr != nil:
			stats.FilesFailed++
			ix.logger.Warn("failed to index file", "path", rel, "error", fileErr)
		case res.Skipped:
			stats.FilesSkipped++
		default:
			stats.FilesIndexed++
			stats.ChunksCreated += res.Chunks
			stats.CacheHits += res.CacheHits
			stats.CacheMisses += res.CacheMiss
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.Duration = time.Since(start)
	ix.logger.Info("workspace indexed",
		"workspace", ws.ID,
		"indexed", stats.FilesIndexed,
		"skipped", stats.FilesSkipped,
		"failed", stats.FilesFailed,
		"chunks", stats.ChunksCreated,
		"cache_hits", stats.CacheHits,
		"duration", stats.Duration)
	return stats, nil
}

// IndexFile indexes one workspace-relative path. Unchanged content (same
// SHA-256 as the stored record) is skipped. The whole cycle runs under the
// workspace mutex so watcher and reindex calls never interleave on a file.
func (ix *Indexer) IndexFile(ctx context.Context, ws *store.Workspace, relPath string) (*FileResult, error) {
	lock := ix.workspaceLock(ws.ID)
	lock.Lock()
	defer lock.Unlock()

	return ix.indexFileLocked(ctx, ws, relPath)
}

func (ix *Indexer) indexFileLocked(ctx context.Context, ws *store.Workspace, relPath string) (*FileResult, error) {
	res := &FileResult{Path: relPath}
	absPath := filepath.Join(ws.RootPath, relPath)

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	content := decodeText(raw)
	if strings.TrimSpace(content) == "" {
		res.Skipped = true
		return res, nil
	}

	hash := hashContent(content)
	prior, err := ix.store.GetFileByPath(ctx, ws.ID, relPath)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.ContentHash == hash {
		res.Skipped = true
		return res, nil
	}

	collection := WorkspaceCollection(ws.ID)
	if _, err := ix.vectors.CreateCollection(ctx, collection, ix.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("ensure workspace collection: %w", err)
	}

	// Drop prior vectors before re-embedding so a crash mid-cycle leaves
	// the file unindexed rather than double-indexed.
	if prior != nil {
		if err := ix.vectors.DeleteByFilter(ctx, collection, map[string]any{
			"workspace_id": ws.ID,
			"file_path":    relPath,
		}); err != nil {
			return nil, fmt.Errorf("delete prior vectors for %s: %w", relPath, err)
		}
	}

	chunks, symbols, err := ix.chunker.Chunk(relPath, content)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", relPath, err)
	}

	vectors, hits, misses, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	res.CacheHits = hits
	res.CacheMiss = misses

	language := languageForPath(relPath)
	points := make([]vector.Point, 0, len(chunks))
	chunkRecords := make([]*store.ChunkRecord, 0, len(chunks))
	for i, ch := range chunks {
		vectorID := uuid.NewString()
		points = append(points, vector.Point{
			ID:     vectorID,
			Vector: vectors[i],
			Payload: map[string]any{
				"workspace_id": ws.ID,
				"module_id":    ix.moduleID,
				"file_path":    relPath,
				"chunk_index":  ch.Index,
				"chunk_type":   string(ch.Kind),
				"start_line":   ch.StartLine,
				"end_line":     ch.EndLine,
				"language":     language,
			},
		})
		chunkRecords = append(chunkRecords, &store.ChunkRecord{
			ID:             uuid.NewString(),
			WorkspaceID:    ws.ID,
			FilePath:       relPath,
			ChunkIndex:     ch.Index,
			StartLine:      ch.StartLine,
			EndLine:        ch.EndLine,
			StartByte:      ch.StartByte,
			EndByte:        ch.EndByte,
			Content:        ch.Content,
			ContentHash:    hashContent(ch.Content),
			ChunkType:      string(ch.Kind),
			VectorID:       vectorID,
			EmbeddingModel: ix.embedder.ModelName(),
		})
	}

	if len(points) > 0 {
		if err := ix.vectors.Upsert(ctx, collection, points); err != nil {
			return nil, fmt.Errorf("upsert vectors for %s: %w", relPath, err)
		}
	}

	symbolRecords := make([]*store.SymbolRecord, 0, len(symbols))
	for _, sym := range symbols {
		rec := &store.SymbolRecord{
			WorkspaceID:   ws.ID,
			Name:          sym.Name,
			QualifiedName: sym.QualifiedName,
			Kind:          sym.Kind,
			StartLine:     sym.StartLine,
			EndLine:       sym.EndLine,
			Signature:     sym.Signature,
			Parent:        sym.Parent,
		}
		if sym.ChunkIndex >= 0 && sym.ChunkIndex < len(chunkRecords) {
			rec.ChunkID = chunkRecords[sym.ChunkIndex].ID
		}
		symbolRecords = append(symbolRecords, rec)
	}

	file := &store.FileRecord{
		WorkspaceID: ws.ID,
		Path:        relPath,
		ContentHash: hash,
		SizeBytes:   int64(len(raw)),
		LineCount:   strings.Count(content, "\n") + 1,
		IndexStatus: "indexed",
	}
	if err := ix.store.ReplaceFileIndex(ctx, file, chunkRecords, symbolRecords); err != nil {
		return nil, fmt.Errorf("persist index for %s: %w", relPath, err)
	}

	res.Chunks = len(chunkRecords)
	res.Symbols = len(symbolRecords)
	return res, nil
}

// DeleteFile removes a file's vectors and records, tolerating files that
// were never indexed.
func (ix *Indexer) DeleteFile(ctx context.Context, ws *store.Workspace, relPath string) error {
	lock := ix.workspaceLock(ws.ID)
	lock.Lock()
	defer lock.Unlock()

	vectorIDs, err := ix.store.DeleteFileIndex(ctx, ws.ID, relPath)
	if err != nil {
		return err
	}
	if len(vectorIDs) > 0 {
		if err := ix.vectors.DeletePoints(ctx, WorkspaceCollection(ws.ID), vectorIDs); err != nil {
			return fmt.Errorf("delete vectors for %s: %w", relPath, err)
		}
	}
	return nil
}

// embedChunks resolves one vector per chunk, consulting the embedding
// cache by chunk content hash and batch-embedding the misses.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) (vectors [][]float32, hits, misses int, err error) {
	vectors = make([][]float32, len(chunks))

	var missIdx []int
	var missTexts []string
	for i, ch := range chunks {
		cached, hit, cacheErr := ix.store.GetCachedEmbedding(ctx, hashContent(ch.Content), ix.embedder.ModelName())
		if cacheErr != nil {
			return nil, 0, 0, cacheErr
		}
		if hit {
			vectors[i] = cached
			hits++
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, ch.Content)
	}
	misses = len(missIdx)

	batchSize := ix.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	for start := 0; start < len(missTexts); start += batchSize {
		end := start + batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		embedded, embedErr := ix.embedder.Embed(ctx, missTexts[start:end])
		if embedErr != nil {
			return nil, 0, 0, fmt.Errorf("embed batch: %w", embedErr)
		}
		for j, vec := range embedded {
			i := missIdx[start+j]
			vectors[i] = vec
			if putErr := ix.store.PutCachedEmbedding(ctx, hashContent(chunks[i].Content), ix.embedder.ModelName(), vec); putErr != nil {
				return nil, 0, 0, putErr
			}
		}
	}

	return vectors, hits, misses, nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// decodeText tolerates non-UTF-8 input by replacing invalid sequences.
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "�")
}

var languageByExt = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".ts": "typescript",
	".jsx": "javascript", ".tsx": "typescript", ".java": "java", ".c": "c",
	".h": "c", ".cc": "cpp", ".cpp": "cpp", ".hpp": "cpp", ".cs": "csharp",
	".rb": "ruby", ".rs": "rust", ".php": "php", ".swift": "swift",
	".kt": "kotlin", ".scala": "scala", ".sh": "shell", ".bash": "shell",
	".zsh": "shell", ".sql": "sql", ".proto": "protobuf", ".lua": "lua",
	".md": "markdown", ".txt": "text", ".rst": "text", ".yaml": "yaml",
	".yml": "yaml", ".json": "json", ".toml": "toml", ".html": "html",
	".css": "css", ".scss": "css", ".tf": "terraform", ".xml": "xml",
}

func languageForPath(path string) string {
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "text"
}
