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
	"fmt"
	"strings"

	"github.com/kadirpekel/coda/pkg/config"
)

// Schema DDL is written against the portable subset of the three dialects:
// TEXT ids, BIGINT sizes, TIMESTAMP in UTC. The FTS mirror exists only on
// sqlite; other dialects fall back to LIKE at query time.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_config_id TEXT,
		model_provider TEXT,
		model_name TEXT,
		model_host TEXT,
		context_window INTEGER,
		temperature REAL,
		title TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id)`,

	`CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		context_json TEXT,
		metadata_json TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, seq)`,

	`CREATE TABLE IF NOT EXISTS tool_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments_json TEXT,
		result_json TEXT,
		success INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_events_session ON tool_events(session_id)`,

	`CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		line_count INTEGER NOT NULL DEFAULT 0,
		index_status TEXT NOT NULL DEFAULT 'indexed',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (workspace_id, path)
	)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		start_byte BIGINT NOT NULL DEFAULT 0,
		end_byte BIGINT NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		chunk_type TEXT NOT NULL,
		vector_id TEXT NOT NULL,
		embedding_model TEXT,
		UNIQUE (file_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_workspace_path ON chunks(workspace_id, file_path)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_vector ON chunks(vector_id)`,

	`CREATE TABLE IF NOT EXISTS symbols (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		chunk_id TEXT,
		name TEXT NOT NULL,
		qualified_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		signature TEXT,
		parent TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_workspace_name ON symbols(workspace_id, name)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_id)`,

	`CREATE TABLE IF NOT EXISTS embedding_cache (
		content_hash TEXT PRIMARY KEY,
		embedding_model TEXT NOT NULL,
		vector_json TEXT NOT NULL,
		use_count INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workspace_policies (
		workspace_id TEXT PRIMARY KEY,
		read_allow_json TEXT,
		read_block_json TEXT,
		write_allow_json TEXT,
		write_block_json TEXT,
		command_approval TEXT NOT NULL DEFAULT 'prompt',
		allowed_commands_json TEXT,
		blocked_commands_json TEXT,
		network_enabled INTEGER NOT NULL DEFAULT 0,
		auto_approve_tools_json TEXT,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// sqlite gets an FTS5 mirror of message content, kept in sync by the
// message append path rather than triggers so writes stay observable.
var sqliteFTSStatements = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS session_messages_fts USING fts5(
		message_id UNINDEXED,
		session_id UNINDEXED,
		content
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if s.driver == config.StoreDriverSQLite {
		for _, stmt := range sqliteFTSStatements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				// go-sqlite3 ships FTS5 only under the sqlite_fts5
				// build tag. Binaries built without it fall back to
				// LIKE search, same as postgres and mysql.
				if isMissingFTS5(err) {
					s.fts = false
					return nil
				}
				return fmt.Errorf("apply fts schema: %w", err)
			}
		}
		s.fts = true
	}

	return nil
}

func isMissingFTS5(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such module: fts5")
}

// supportsFTS reports whether message search uses the FTS mirror.
func (s *Store) supportsFTS() bool {
	return s.fts
}
