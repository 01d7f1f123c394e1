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

// Package vector abstracts the vector store behind a common Provider
// interface. Two backends are supported: chromem (embedded, zero-config)
// and qdrant (external server).
package vector

import (
	"context"
	"strconv"
)

// Point is a vector with its payload, addressed by ID.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult is one hit from a similarity search or scroll.
type SearchResult struct {
	ID      string
	Score   float32
	Content string
	Payload map[string]any
}

// CollectionInfo describes a collection's size and shape.
type CollectionInfo struct {
	PointsCount uint64
	VectorSize  int
}

// Provider is the vector store interface. Score thresholds and payload
// filters are applied by the store layer, never by callers after the fact.
type Provider interface {
	// Name returns the backend name.
	Name() string

	// CreateCollection ensures a collection exists with the given vector
	// size. Returns true if it was created, false if it already existed.
	CreateCollection(ctx context.Context, collection string, vectorSize int) (bool, error)

	// DeleteCollection removes a collection and all its points.
	DeleteCollection(ctx context.Context, collection string) error

	// GetCollectionInfo reports point count and vector size.
	GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error)

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns up to limit hits at or above scoreThreshold, all
	// matching the payload filters. A zero threshold disables filtering
	// by score.
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filters map[string]any) ([]SearchResult, error)

	// Scroll pages through a collection without scoring. It returns the
	// page and the offset token for the next page, empty when exhausted.
	Scroll(ctx context.Context, collection string, limit int, offset string) ([]SearchResult, string, error)

	// DeletePoints removes points by ID. Unknown IDs are ignored.
	DeletePoints(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes all points matching the payload filters.
	DeleteByFilter(ctx context.Context, collection string, filters map[string]any) error

	Close() error
}

// PayloadString reads a payload value as a string.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadInt reads a payload value as an int, coercing the numeric and
// string encodings the backends round-trip payloads through. Chromem stores
// every value as a string; qdrant returns int64 or float64.
func PayloadInt(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
