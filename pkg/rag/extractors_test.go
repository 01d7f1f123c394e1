package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextPassthrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nbody\n"), 0o644))

	out, err := ExtractText(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody\n", out)
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(0))
	assert.Equal(t, "Z", columnLetter(25))
	assert.Equal(t, "AA", columnLetter(26))
	assert.Equal(t, "AZ", columnLetter(51))
	assert.Equal(t, "BA", columnLetter(52))
}

func TestReadJSONLExamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.jsonl")
	data := `{"text": "use small commits"}
{"input": "how to revert", "output": "git revert <sha>"}

{"nested": {"k": 1}}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	examples, err := readJSONLExamples(path)
	require.NoError(t, err)
	require.Len(t, examples, 3)
	assert.Equal(t, "use small commits", examples[0])
	assert.Equal(t, "input: how to revert\noutput: git revert <sha>", examples[1])
	assert.Equal(t, `nested: {"k":1}`, examples[2])

	_, err = readJSONLExamples(filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)
}
