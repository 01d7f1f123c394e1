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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/embedders"
	"github.com/kadirpekel/coda/pkg/vector"
)

// SharedCollection holds knowledge mirrored from every module flagged
// shared, so any module can retrieve from it.
const SharedCollection = "rag_shared"

// ModuleCollection names the knowledge collection for a module.
func ModuleCollection(moduleID string) string {
	return "rag_" + moduleID
}

// KnowledgeIndexer loads per-module documentation and training examples
// into rag_<module> collections. Unlike the workspace indexer there is no
// relational mirror, so chunk content rides in the point payload.
type KnowledgeIndexer struct {
	vectors  vector.Provider
	embedder embedders.Embedder
	chunker  *Chunker
	cfg      *config.IndexingConfig
	logger   *slog.Logger
}

// NewKnowledgeIndexer wires a knowledge indexer.
func NewKnowledgeIndexer(vectors vector.Provider, embedder embedders.Embedder, cfg *config.IndexingConfig, logger *slog.Logger) (*KnowledgeIndexer, error) {
	if vectors == nil || embedder == nil {
		return nil, fmt.Errorf("knowledge indexer requires vector provider and embedder")
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

	return &KnowledgeIndexer{
		vectors:  vectors,
		embedder: embedder,
		chunker:  chunker,
		cfg:      cfg,
		logger:   logger.With("component", "knowledge"),
	}, nil
}

// IndexModules indexes every configured module, then rebuilds the shared
// collection from the modules flagged shared.
func (ki *KnowledgeIndexer) IndexModules(ctx context.Context, cfg *config.KnowledgeConfig) error {
	if cfg == nil || len(cfg.Modules) == 0 {
		return nil
	}

	var shared []config.KnowledgeModuleConfig
	for i := range cfg.Modules {
		mod := &cfg.Modules[i]
		if err := ki.IndexModule(ctx, mod); err != nil {
			return fmt.Errorf("index knowledge module %s: %w", mod.ID, err)
		}
		if mod.Shared {
			shared = append(shared, *mod)
		}
	}

	return ki.rebuildShared(ctx, shared)
}

// IndexModule rebuilds rag_<module> from the module's configured paths.
func (ki *KnowledgeIndexer) IndexModule(ctx context.Context, mod *config.KnowledgeModuleConfig) error {
	collection := ModuleCollection(mod.ID)
	if err := ki.rebuildCollection(ctx, collection); err != nil {
		return err
	}

	points, err := ki.collectPoints(ctx, mod, mod.ID)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		ki.logger.Warn("knowledge module produced no content", "module", mod.ID)
		return nil
	}

	if err := ki.vectors.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("upsert knowledge points: %w", err)
	}

	ki.logger.Info("knowledge module indexed", "module", mod.ID, "points", len(points))
	return nil
}

// rebuildShared drops and refills rag_shared from the shared modules.
func (ki *KnowledgeIndexer) rebuildShared(ctx context.Context, shared []config.KnowledgeModuleConfig) error {
	if err := ki.rebuildCollection(ctx, SharedCollection); err != nil {
		return err
	}

	var all []vector.Point
	for i := range shared {
		points, err := ki.collectPoints(ctx, &shared[i], shared[i].ID)
		if err != nil {
			return fmt.Errorf("collect shared knowledge from %s: %w", shared[i].ID, err)
		}
		all = append(all, points...)
	}
	if len(all) == 0 {
		return nil
	}

	if err := ki.vectors.Upsert(ctx, SharedCollection, all); err != nil {
		return fmt.Errorf("upsert shared knowledge: %w", err)
	}
	ki.logger.Info("shared knowledge rebuilt", "points", len(all))
	return nil
}

func (ki *KnowledgeIndexer) rebuildCollection(ctx context.Context, collection string) error {
	created, err := ki.vectors.CreateCollection(ctx, collection, ki.embedder.Dimensions())
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}
	if !created {
		// Full rebuild keeps deleted source documents from lingering.
		if err := ki.vectors.DeleteCollection(ctx, collection); err != nil {
			return fmt.Errorf("reset collection %s: %w", collection, err)
		}
		if _, err := ki.vectors.CreateCollection(ctx, collection, ki.embedder.Dimensions()); err != nil {
			return fmt.Errorf("recreate collection %s: %w", collection, err)
		}
	}
	return nil
}

// collectPoints gathers embedded chunks from every file under the module's
// paths. JSONL files become one point per example; everything else is
// extracted and chunked.
func (ki *KnowledgeIndexer) collectPoints(ctx context.Context, mod *config.KnowledgeModuleConfig, moduleID string) ([]vector.Point, error) {
	files, err := ki.discoverFiles(mod)
	if err != nil {
		return nil, err
	}

	var texts []string
	var metas []map[string]any
	for _, path := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if strings.EqualFold(filepath.Ext(path), ".jsonl") {
			examples, err := readJSONLExamples(path)
			if err != nil {
				ki.logger.Warn("skipping malformed jsonl", "path", path, "error", err)
				continue
			}
			for i, example := range examples {
				texts = append(texts, example)
				metas = append(metas, map[string]any{
					"module_id":   moduleID,
					"source":      path,
					"chunk_index": i,
					"kind":        "training_example",
					"content":     example,
				})
			}
			continue
		}

		content, err := ExtractText(ctx, path)
		if err != nil {
			ki.logger.Warn("skipping unreadable document", "path", path, "error", err)
			continue
		}
		chunks, _, err := ki.chunker.Chunk(path, content)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			texts = append(texts, ch.Content)
			metas = append(metas, map[string]any{
				"module_id":   moduleID,
				"source":      path,
				"chunk_index": ch.Index,
				"start_line":  ch.StartLine,
				"end_line":    ch.EndLine,
				"kind":        "document",
				"content":     ch.Content,
			})
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	points := make([]vector.Point, 0, len(texts))
	batchSize := ki.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embedded, err := ki.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed knowledge batch: %w", err)
		}
		for j, vec := range embedded {
			points = append(points, vector.Point{
				ID:      uuid.NewString(),
				Vector:  vec,
				Payload: metas[start+j],
			})
		}
	}
	return points, nil
}

// discoverFiles resolves a module's paths to a sorted list of files,
// honoring the module's include globs.
func (ki *KnowledgeIndexer) discoverFiles(mod *config.KnowledgeModuleConfig) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(path string) {
		if seen[path] {
			return
		}
		if len(mod.Include) > 0 && !matchesAny(mod.Include, filepath.Base(path)) {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, root := range mod.Paths {
		info, err := os.Stat(root)
		if err != nil {
			ki.logger.Warn("knowledge path missing", "module", mod.ID, "path", root)
			continue
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// readJSONLExamples renders each JSONL object as "key: value" lines. A
// plain "text" field wins when present.
func readJSONLExamples(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var examples []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("invalid jsonl line: %w", err)
		}

		if text, ok := obj["text"].(string); ok && text != "" {
			examples = append(examples, text)
			continue
		}

		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		for _, k := range keys {
			v := obj[k]
			s, ok := v.(string)
			if !ok {
				encoded, err := json.Marshal(v)
				if err != nil {
					continue
				}
				s = string(encoded)
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(s)
		}
		if sb.Len() > 0 {
			examples = append(examples, sb.String())
		}
	}
	return examples, scanner.Err()
}
