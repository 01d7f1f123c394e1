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

// Package retrieval answers agent queries from the indexed data: knowledge
// collections by similarity, the workspace by a hybrid of vector, symbol,
// and text search, and a context packer that fits results into a token
// budget.
package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Result is one retrieval hit, from any of the search paths.
type Result struct {
	Source     string  `json:"source"`
	FilePath   string  `json:"file_path,omitempty"`
	ChunkIndex int     `json:"chunk_index,omitempty"`
	Line       int     `json:"line,omitempty"`
	EndLine    int     `json:"end_line,omitempty"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// mergeKey identifies a result for dedup across search paths.
type mergeKey struct {
	filePath   string
	chunkIndex int
	line       int
}

func (r *Result) key() mergeKey {
	return mergeKey{filePath: r.FilePath, chunkIndex: r.ChunkIndex, line: r.Line}
}

// mergeResults keeps the max-scoring hit per (file_path, chunk_index, line)
// key, re-ranks by lexical overlap with the query, sorts descending, and
// truncates to limit.
func mergeResults(query string, groups [][]Result, limit int) []Result {
	best := make(map[mergeKey]Result)
	for _, group := range groups {
		for _, r := range group {
			key := r.key()
			if prev, ok := best[key]; !ok || r.Score > prev.Score {
				best[key] = r
			}
		}
	}

	terms := identifierTerms(query)
	merged := make([]Result, 0, len(best))
	for _, r := range best {
		r.Score = rerank(r.Score, terms, r.Content)
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		// Stable tiebreak so equal scores order deterministically.
		if merged[i].FilePath != merged[j].FilePath {
			return merged[i].FilePath < merged[j].FilePath
		}
		return merged[i].Line < merged[j].Line
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// rerank boosts a score by 0.2 times the fraction of query terms present
// in the content, capped at 1.
func rerank(score float64, terms []string, content string) float64 {
	boosted := score + 0.2*lexicalOverlap(terms, content)
	if boosted > 1 {
		return 1
	}
	return boosted
}

// lexicalOverlap is the fraction of query identifier terms present in the
// content, case-insensitive.
func lexicalOverlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	found := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "and": true,
	"or": true, "how": true, "what": true, "where": true, "why": true,
	"does": true, "do": true, "this": true, "that": true, "with": true,
	"it": true, "be": true, "can": true, "i": true, "my": true,
}

// identifierTerms extracts lowercase identifier-like terms from a query,
// dropping stopwords and one-character fragments.
func identifierTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]bool)
	var terms []string
	for _, f := range fields {
		term := strings.ToLower(f)
		if len(term) < 2 || stopwords[term] || seen[term] {
			continue
		}
		seen[term] = true
		terms = append(terms, term)
	}
	return terms
}

// formatResult renders one result for context packing.
func formatResult(r Result) string {
	switch {
	case r.FilePath != "" && r.Line > 0 && r.EndLine > r.Line:
		return fmt.Sprintf("%s:%d-%d\n%s", r.FilePath, r.Line, r.EndLine, r.Content)
	case r.FilePath != "" && r.Line > 0:
		return fmt.Sprintf("%s:%d\n%s", r.FilePath, r.Line, r.Content)
	case r.FilePath != "":
		return fmt.Sprintf("%s\n%s", r.FilePath, r.Content)
	default:
		return r.Content
	}
}
