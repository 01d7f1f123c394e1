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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileRecord tracks an indexed workspace file by content hash.
type FileRecord struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	LineCount   int       `json:"line_count"`
	IndexStatus string    `json:"index_status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChunkRecord mirrors one vector-store point; content lives here, not in
// the point payload.
type ChunkRecord struct {
	ID             string `json:"id"`
	FileID         string `json:"file_id"`
	WorkspaceID    string `json:"workspace_id"`
	FilePath       string `json:"file_path"`
	ChunkIndex     int    `json:"chunk_index"`
	StartLine      int    `json:"start_line"`
	EndLine        int    `json:"end_line"`
	StartByte      int64  `json:"start_byte"`
	EndByte        int64  `json:"end_byte"`
	Content        string `json:"content"`
	ContentHash    string `json:"content_hash"`
	ChunkType      string `json:"chunk_type"`
	VectorID       string `json:"vector_id"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// SymbolRecord is a best-effort code element extracted by the chunker.
type SymbolRecord struct {
	ID            string `json:"id"`
	FileID        string `json:"file_id"`
	WorkspaceID   string `json:"workspace_id"`
	ChunkID       string `json:"chunk_id,omitempty"`
	Name          string `json:"name"`
	QualifiedName string `json:"qualified_name"`
	Kind          string `json:"kind"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Signature     string `json:"signature,omitempty"`
	Parent        string `json:"parent,omitempty"`
}

// GetFileByPath returns the file record for (workspace, path), or nil when
// the file has never been indexed.
func (s *Store) GetFileByPath(ctx context.Context, workspaceID, path string) (*FileRecord, error) {
	f := &FileRecord{}
	err := s.queryRow(ctx,
		`SELECT id, workspace_id, path, content_hash, size_bytes, line_count, index_status, created_at, updated_at
		FROM files WHERE workspace_id = ? AND path = ?`, workspaceID, path).
		Scan(&f.ID, &f.WorkspaceID, &f.Path, &f.ContentHash, &f.SizeBytes, &f.LineCount,
			&f.IndexStatus, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ReplaceFileIndex atomically replaces a file's record, chunks, and symbols
// inside one transaction. Prior rows for the path are deleted first so the
// (file, chunk ordinal) uniqueness invariant holds across re-indexing.
func (s *Store) ReplaceFileIndex(ctx context.Context, file *FileRecord, chunks []*ChunkRecord, symbols []*SymbolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin file index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	execTx := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, s.rebind(query), args...)
		return err
	}

	var prevID sql.NullString
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT id FROM files WHERE workspace_id = ? AND path = ?`),
		file.WorkspaceID, file.Path).Scan(&prevID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup prior file: %w", err)
	}

	if prevID.Valid {
		for _, q := range []string{
			`DELETE FROM symbols WHERE file_id = ?`,
			`DELETE FROM chunks WHERE file_id = ?`,
			`DELETE FROM files WHERE id = ?`,
		} {
			if err := execTx(q, prevID.String); err != nil {
				return fmt.Errorf("clear prior index: %w", err)
			}
		}
	}

	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.IndexStatus == "" {
		file.IndexStatus = "indexed"
	}
	ts := now()
	file.CreatedAt = ts
	file.UpdatedAt = ts

	if err := execTx(
		`INSERT INTO files (id, workspace_id, path, content_hash, size_bytes, line_count, index_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.WorkspaceID, file.Path, file.ContentHash, file.SizeBytes,
		file.LineCount, file.IndexStatus, file.CreatedAt, file.UpdatedAt); err != nil {
		return fmt.Errorf("insert file: %w", err)
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.FileID = file.ID
		c.WorkspaceID = file.WorkspaceID
		c.FilePath = file.Path
		if err := execTx(
			`INSERT INTO chunks (id, file_id, workspace_id, file_path, chunk_index, start_line, end_line,
				start_byte, end_byte, content, content_hash, chunk_type, vector_id, embedding_model)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.FileID, c.WorkspaceID, c.FilePath, c.ChunkIndex, c.StartLine, c.EndLine,
			c.StartByte, c.EndByte, c.Content, c.ContentHash, c.ChunkType, c.VectorID, c.EmbeddingModel); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	for _, sym := range symbols {
		if sym.ID == "" {
			sym.ID = uuid.New().String()
		}
		sym.FileID = file.ID
		sym.WorkspaceID = file.WorkspaceID
		if err := execTx(
			`INSERT INTO symbols (id, file_id, workspace_id, chunk_id, name, qualified_name, kind,
				start_line, end_line, signature, parent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sym.ID, sym.FileID, sym.WorkspaceID, sym.ChunkID, sym.Name, sym.QualifiedName,
			sym.Kind, sym.StartLine, sym.EndLine, sym.Signature, sym.Parent); err != nil {
			return fmt.Errorf("insert symbol: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit file index: %w", err)
	}
	return nil
}

// DeleteFileIndex removes a file's record, chunks, and symbols, returning
// the vector ids of the deleted chunks so the caller can clear the vector
// store.
func (s *Store) DeleteFileIndex(ctx context.Context, workspaceID, path string) ([]string, error) {
	vectorIDs, err := s.chunkVectorIDs(ctx, workspaceID, path)
	if err != nil {
		return nil, err
	}

	var fileID sql.NullString
	err = s.queryRow(ctx,
		`SELECT id FROM files WHERE workspace_id = ? AND path = ?`, workspaceID, path).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return vectorIDs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file: %w", err)
	}

	for _, q := range []string{
		`DELETE FROM symbols WHERE file_id = ?`,
		`DELETE FROM chunks WHERE file_id = ?`,
		`DELETE FROM files WHERE id = ?`,
	} {
		if _, err := s.exec(ctx, q, fileID.String); err != nil {
			return nil, fmt.Errorf("delete file index: %w", err)
		}
	}
	return vectorIDs, nil
}

func (s *Store) chunkVectorIDs(ctx context.Context, workspaceID, path string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT vector_id FROM chunks WHERE workspace_id = ? AND file_path = ?`, workspaceID, path)
	if err != nil {
		return nil, fmt.Errorf("chunk vector ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan vector id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetChunksByVectorIDs hydrates chunk content for vector search results.
func (s *Store) GetChunksByVectorIDs(ctx context.Context, vectorIDs []string) (map[string]*ChunkRecord, error) {
	out := make(map[string]*ChunkRecord, len(vectorIDs))
	if len(vectorIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vectorIDs)), ", ")
	args := make([]any, len(vectorIDs))
	for i, id := range vectorIDs {
		args[i] = id
	}

	rows, err := s.query(ctx,
		`SELECT id, file_id, workspace_id, file_path, chunk_index, start_line, end_line,
			start_byte, end_byte, content, content_hash, chunk_type, vector_id, embedding_model
		FROM chunks WHERE vector_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks by vector id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.VectorID] = c
	}
	return out, rows.Err()
}

// SearchChunksLike is the text-search fallback when ripgrep is not on
// PATH: a LIKE scan over chunk content.
func (s *Store) SearchChunksLike(ctx context.Context, workspaceID, query string, limit int) ([]*ChunkRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.query(ctx,
		`SELECT id, file_id, workspace_id, file_path, chunk_index, start_line, end_line,
			start_byte, end_byte, content, content_hash, chunk_type, vector_id, embedding_model
		FROM chunks WHERE workspace_id = ? AND content LIKE ? LIMIT ?`,
		workspaceID, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var out []*ChunkRecord
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchSymbols matches symbols by name or qualified name for one
// identifier term.
func (s *Store) SearchSymbols(ctx context.Context, workspaceID, term string, limit int) ([]*SymbolRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.query(ctx,
		`SELECT id, file_id, workspace_id, chunk_id, name, qualified_name, kind,
			start_line, end_line, signature, parent
		FROM symbols
		WHERE workspace_id = ? AND (name LIKE ? OR qualified_name LIKE ?)
		LIMIT ?`,
		workspaceID, "%"+term+"%", "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	var out []*SymbolRecord
	for rows.Next() {
		sym := &SymbolRecord{}
		var chunkID, signature, parent sql.NullString
		if err := rows.Scan(&sym.ID, &sym.FileID, &sym.WorkspaceID, &chunkID, &sym.Name,
			&sym.QualifiedName, &sym.Kind, &sym.StartLine, &sym.EndLine, &signature, &parent); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.ChunkID = chunkID.String
		sym.Signature = signature.String
		sym.Parent = parent.String
		out = append(out, sym)
	}
	return out, rows.Err()
}

// GetChunkForSymbol fetches the chunk a symbol links to, when it has one.
func (s *Store) GetChunkForSymbol(ctx context.Context, sym *SymbolRecord) (*ChunkRecord, error) {
	if sym.ChunkID == "" {
		return nil, nil
	}
	rows, err := s.query(ctx,
		`SELECT id, file_id, workspace_id, file_path, chunk_index, start_line, end_line,
			start_byte, end_byte, content, content_hash, chunk_type, vector_id, embedding_model
		FROM chunks WHERE id = ?`, sym.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("get chunk for symbol: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanChunk(rows)
}

func scanChunk(rows *sql.Rows) (*ChunkRecord, error) {
	c := &ChunkRecord{}
	var embeddingModel sql.NullString
	if err := rows.Scan(&c.ID, &c.FileID, &c.WorkspaceID, &c.FilePath, &c.ChunkIndex,
		&c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte, &c.Content, &c.ContentHash,
		&c.ChunkType, &c.VectorID, &embeddingModel); err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.EmbeddingModel = embeddingModel.String
	return c, nil
}
