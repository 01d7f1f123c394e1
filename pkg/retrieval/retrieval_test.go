package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsMaxScorePerKey(t *testing.T) {
	vectorHits := []Result{
		{Source: "vector", FilePath: "a.go", ChunkIndex: 2, Line: 10, Content: "func Parse()", Score: 0.7},
	}
	symbolHits := []Result{
		{Source: "symbol", FilePath: "a.go", ChunkIndex: 2, Line: 10, Content: "func Parse()", Score: 0.95},
		{Source: "symbol", FilePath: "b.go", ChunkIndex: 0, Line: 3, Content: "func ParseConfig()", Score: 0.85},
	}

	merged := mergeResults("parse", [][]Result{vectorHits, symbolHits}, 10)
	require.Len(t, merged, 2)

	// Duplicate key keeps the higher-scoring hit.
	assert.Equal(t, "symbol", merged[0].Source)
	assert.Equal(t, "a.go", merged[0].FilePath)

	seen := map[mergeKey]bool{}
	for _, r := range merged {
		key := r.key()
		assert.False(t, seen[key], "duplicate key in merged results")
		seen[key] = true
	}
}

func TestMergeRerankBoostsLexicalOverlap(t *testing.T) {
	hits := []Result{
		{FilePath: "match.go", Line: 1, Content: "func handleLogin(token string)", Score: 0.5},
		{FilePath: "other.go", Line: 1, Content: "completely unrelated text", Score: 0.5},
	}

	merged := mergeResults("handleLogin token", [][]Result{hits}, 10)
	require.Len(t, merged, 2)
	assert.Equal(t, "match.go", merged[0].FilePath)
	assert.InDelta(t, 0.7, merged[0].Score, 1e-9)
	assert.InDelta(t, 0.5, merged[1].Score, 1e-9)
}

func TestMergeScoreNeverExceedsOne(t *testing.T) {
	hits := []Result{
		{FilePath: "a.go", Line: 1, Content: "indexer symbols", Score: 0.95},
	}
	merged := mergeResults("indexer symbols", [][]Result{hits}, 10)
	require.Len(t, merged, 1)
	assert.LessOrEqual(t, merged[0].Score, 1.0)
}

func TestMergeTruncatesToLimit(t *testing.T) {
	var hits []Result
	for i := 0; i < 20; i++ {
		hits = append(hits, Result{FilePath: "f.go", Line: i + 1, Content: "x", Score: 0.5})
	}
	merged := mergeResults("query", [][]Result{hits}, 5)
	assert.Len(t, merged, 5)
}

func TestSymbolScore(t *testing.T) {
	assert.Equal(t, symbolScoreExact, symbolScore("parse", "Parse"))
	assert.Equal(t, symbolScorePrefix, symbolScore("parse", "ParseConfig"))
	assert.Equal(t, symbolScoreSubstring, symbolScore("parse", "ReparseAll"))
	assert.Equal(t, symbolScoreOther, symbolScore("parse", "Lexer"))
}

func TestIdentifierTerms(t *testing.T) {
	terms := identifierTerms("How does the Indexer handle file_path and dedup?")
	assert.Equal(t, []string{"indexer", "handle", "file_path", "dedup"}, terms)

	assert.Empty(t, identifierTerms("a I ? !"))
}

func TestPackContextRespectsBudget(t *testing.T) {
	results := []Result{
		{FilePath: "a.go", Line: 1, Content: strings.Repeat("alpha ", 50), Score: 0.9},
		{FilePath: "b.go", Line: 1, Content: strings.Repeat("beta ", 50), Score: 0.8},
		{FilePath: "c.go", Line: 1, Content: strings.Repeat("gamma ", 50), Score: 0.7},
	}

	const budget = 150
	pack := PackContext("Relevant code:", results, budget)
	assert.LessOrEqual(t, pack.TokenCount, budget)
	assert.True(t, strings.HasPrefix(pack.Text, "Relevant code:"))
	assert.Greater(t, pack.Items, 0)
	assert.Less(t, pack.Items, len(results))
	assert.True(t, pack.Truncated)
}

func TestPackContextFitsAll(t *testing.T) {
	results := []Result{
		{FilePath: "a.go", Line: 1, Content: "short"},
		{FilePath: "b.go", Line: 2, Content: "also short"},
	}
	pack := PackContext("Title", results, 4096)
	assert.Equal(t, 2, pack.Items)
	assert.False(t, pack.Truncated)
	assert.Contains(t, pack.Text, "a.go:1")
	assert.Contains(t, pack.Text, "also short")
}

func TestPackContextTruncatesOversizedFirstItem(t *testing.T) {
	results := []Result{
		{FilePath: "huge.go", Line: 1, Content: strings.Repeat("word ", 2000)},
	}

	const budget = 40
	pack := PackContext("Context:", results, budget)
	assert.True(t, pack.Truncated)
	assert.Equal(t, 1, pack.Items)
	assert.LessOrEqual(t, pack.TokenCount, budget)
	assert.Greater(t, len(pack.Text), len("Context:"))
}

func TestPackContextEmptyResults(t *testing.T) {
	pack := PackContext("Context:", nil, 100)
	assert.Equal(t, 0, pack.Items)
	assert.False(t, pack.Truncated)
	assert.Equal(t, "Context:", pack.Text)
}
