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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetCachedEmbedding looks up a vector by chunk content hash, bumping the
// use count on hit. The use count exists for observability, not eviction.
func (s *Store) GetCachedEmbedding(ctx context.Context, contentHash, embeddingModel string) ([]float32, bool, error) {
	var vectorJSON string
	err := s.queryRow(ctx,
		`SELECT vector_json FROM embedding_cache WHERE content_hash = ? AND embedding_model = ?`,
		contentHash, embeddingModel).Scan(&vectorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedding cache lookup: %w", err)
	}

	var vector []float32
	if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}

	if _, err := s.exec(ctx,
		`UPDATE embedding_cache SET use_count = use_count + 1 WHERE content_hash = ?`, contentHash); err != nil {
		return nil, false, fmt.Errorf("bump embedding cache use count: %w", err)
	}

	return vector, true, nil
}

// PutCachedEmbedding stores a vector keyed by content hash. Replaces any
// prior entry for the hash (model upgrades change the vector).
func (s *Store) PutCachedEmbedding(ctx context.Context, contentHash, embeddingModel string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	if _, err := s.exec(ctx, `DELETE FROM embedding_cache WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("replace embedding cache entry: %w", err)
	}
	if _, err := s.exec(ctx,
		`INSERT INTO embedding_cache (content_hash, embedding_model, vector_json, use_count, created_at)
		VALUES (?, ?, ?, 1, ?)`,
		contentHash, embeddingModel, string(data), now()); err != nil {
		return fmt.Errorf("insert embedding cache entry: %w", err)
	}
	return nil
}

// EmbeddingCacheStats reports entry count and total use count.
func (s *Store) EmbeddingCacheStats(ctx context.Context) (entries int, totalUses int, err error) {
	err = s.queryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(use_count), 0) FROM embedding_cache`).Scan(&entries, &totalUses)
	if err != nil {
		return 0, 0, fmt.Errorf("embedding cache stats: %w", err)
	}
	return entries, totalUses, nil
}
