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

package retrieval

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/coda/pkg/embedders"
	"github.com/kadirpekel/coda/pkg/rag"
	"github.com/kadirpekel/coda/pkg/store"
	"github.com/kadirpekel/coda/pkg/vector"
)

// Symbol match scores by match quality.
const (
	symbolScoreExact     = 0.95
	symbolScorePrefix    = 0.85
	symbolScoreSubstring = 0.70
	symbolScoreOther     = 0.50

	textMatchScore = 0.60
)

// WorkspaceRetriever runs hybrid search over an indexed workspace: vector
// similarity, symbol lookup, and plain text match, merged and re-ranked.
type WorkspaceRetriever struct {
	store    *store.Store
	vectors  vector.Provider
	embedder embedders.Embedder
	logger   *slog.Logger

	rgOnce sync.Once
	rgPath string
}

// NewWorkspaceRetriever creates a hybrid retriever.
func NewWorkspaceRetriever(st *store.Store, vectors vector.Provider, embedder embedders.Embedder, logger *slog.Logger) (*WorkspaceRetriever, error) {
	if st == nil || vectors == nil || embedder == nil {
		return nil, fmt.Errorf("workspace retriever requires store, vector provider, and embedder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceRetriever{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger.With("component", "workspace_retriever"),
	}, nil
}

// Retrieve runs the three search paths in parallel and merges their hits.
// A failing path degrades the result set instead of failing the query;
// only the vector path's errors are fatal since it is the primary signal.
func (wr *WorkspaceRetriever) Retrieve(ctx context.Context, ws *store.Workspace, query string, limit int, scoreThreshold float64) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	var vectorHits, symbolHits, textHits []Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := wr.vectorSearch(gctx, ws, query, limit, scoreThreshold)
		if err != nil {
			return err
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := wr.symbolSearch(gctx, ws, query, limit)
		if err != nil {
			wr.logger.Warn("symbol search failed", "error", err)
			return nil
		}
		symbolHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := wr.textSearch(gctx, ws, query, limit)
		if err != nil {
			wr.logger.Warn("text search failed", "error", err)
			return nil
		}
		textHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeResults(query, [][]Result{vectorHits, symbolHits, textHits}, limit), nil
}

// vectorSearch embeds the query, searches the workspace collection, and
// hydrates chunk content from the relational store by vector id.
func (wr *WorkspaceRetriever) vectorSearch(ctx context.Context, ws *store.Workspace, query string, limit int, scoreThreshold float64) ([]Result, error) {
	queryVec, err := wr.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed workspace query: %w", err)
	}

	hits, err := wr.vectors.Search(ctx, rag.WorkspaceCollection(ws.ID), queryVec, limit, float32(scoreThreshold), map[string]any{
		"workspace_id": ws.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ID)
	}
	chunks, err := wr.store.GetChunksByVectorIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := chunks[hit.ID]
		if !ok {
			// Point without a relational mirror, likely mid-reindex.
			continue
		}
		results = append(results, Result{
			Source:     "vector",
			FilePath:   chunk.FilePath,
			ChunkIndex: chunk.ChunkIndex,
			Line:       chunk.StartLine,
			EndLine:    chunk.EndLine,
			Content:    chunk.Content,
			Score:      float64(hit.Score),
		})
	}
	return results, nil
}

// symbolSearch matches each query identifier term against symbol names.
func (wr *WorkspaceRetriever) symbolSearch(ctx context.Context, ws *store.Workspace, query string, limit int) ([]Result, error) {
	var results []Result
	for _, term := range identifierTerms(query) {
		symbols, err := wr.store.SearchSymbols(ctx, ws.ID, term, limit)
		if err != nil {
			return nil, err
		}
		for _, sym := range symbols {
			content := sym.Signature
			chunkIndex := 0
			if chunk, err := wr.store.GetChunkForSymbol(ctx, sym); err == nil && chunk != nil {
				content = chunk.Content
				chunkIndex = chunk.ChunkIndex
			}
			if content == "" {
				content = sym.QualifiedName
			}
			results = append(results, Result{
				Source:     "symbol",
				FilePath:   symbolFilePath(ctx, wr.store, sym),
				ChunkIndex: chunkIndex,
				Line:       sym.StartLine,
				EndLine:    sym.EndLine,
				Content:    content,
				Score:      symbolScore(term, sym.Name),
			})
		}
	}
	return results, nil
}

func symbolFilePath(ctx context.Context, st *store.Store, sym *store.SymbolRecord) string {
	if chunk, err := st.GetChunkForSymbol(ctx, sym); err == nil && chunk != nil {
		return chunk.FilePath
	}
	return ""
}

func symbolScore(term, name string) float64 {
	lowerTerm := strings.ToLower(term)
	lowerName := strings.ToLower(name)
	switch {
	case lowerName == lowerTerm:
		return symbolScoreExact
	case strings.HasPrefix(lowerName, lowerTerm):
		return symbolScorePrefix
	case strings.Contains(lowerName, lowerTerm):
		return symbolScoreSubstring
	default:
		return symbolScoreOther
	}
}

// textSearch shells out to ripgrep when installed, falling back to a SQL
// LIKE scan over indexed chunks.
func (wr *WorkspaceRetriever) textSearch(ctx context.Context, ws *store.Workspace, query string, limit int) ([]Result, error) {
	wr.rgOnce.Do(func() {
		if path, err := exec.LookPath("rg"); err == nil {
			wr.rgPath = path
		}
	})

	if wr.rgPath != "" {
		return wr.ripgrepSearch(ctx, ws, query, limit)
	}
	return wr.likeSearch(ctx, ws, query, limit)
}

func (wr *WorkspaceRetriever) ripgrepSearch(ctx context.Context, ws *store.Workspace, query string, limit int) ([]Result, error) {
	cmd := exec.CommandContext(ctx, wr.rgPath,
		"--fixed-strings", "--ignore-case", "--line-number", "--no-heading",
		"--max-count", "3", "--max-filesize", "10M",
		query, ".")
	cmd.Dir = ws.RootPath

	out, err := cmd.Output()
	if err != nil {
		// Exit code 1 means no matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("ripgrep: %w", err)
	}

	var results []Result
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() && len(results) < limit {
		// path:line:text
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		line, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			continue
		}
		results = append(results, Result{
			Source:   "text",
			FilePath: strings.TrimPrefix(parts[0], "./"),
			Line:     line,
			Content:  strings.TrimSpace(parts[2]),
			Score:    textMatchScore,
		})
	}
	return results, scanner.Err()
}

func (wr *WorkspaceRetriever) likeSearch(ctx context.Context, ws *store.Workspace, query string, limit int) ([]Result, error) {
	chunks, err := wr.store.SearchChunksLike(ctx, ws.ID, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(chunks))
	for _, chunk := range chunks {
		results = append(results, Result{
			Source:     "text",
			FilePath:   chunk.FilePath,
			ChunkIndex: chunk.ChunkIndex,
			Line:       chunk.StartLine,
			EndLine:    chunk.EndLine,
			Content:    chunk.Content,
			Score:      textMatchScore,
		})
	}
	return results, nil
}
