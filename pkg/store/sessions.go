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

	"github.com/kadirpekel/coda/pkg/protocol"
	"github.com/kadirpekel/coda/pkg/utils"
)

// Session statuses.
const (
	SessionStatusActive   = "active"
	SessionStatusArchived = "archived"
)

// titleMaxLen caps session titles derived from the first user message.
const titleMaxLen = 80

// Session is one conversation against a workspace.
type Session struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	AgentConfigID string    `json:"agent_config_id,omitempty"`
	ModelProvider string    `json:"model_provider,omitempty"`
	ModelName     string    `json:"model_name,omitempty"`
	ModelHost     string    `json:"model_host,omitempty"`
	ContextWindow int       `json:"context_window,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	Title         string    `json:"title,omitempty"`
	Status        string    `json:"status"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionMessage is one transcript row, ordered by Seq within a session.
type SessionMessage struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	ContextJSON  string    `json:"context_json,omitempty"`
	MetadataJSON string    `json:"metadata_json,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolEvent records one tool execution within a session.
type ToolEvent struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ToolName      string    `json:"tool_name"`
	ArgumentsJSON string    `json:"arguments_json,omitempty"`
	ResultJSON    string    `json:"result_json,omitempty"`
	Success       bool      `json:"success"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateSession inserts a session, generating an id when absent.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	sess.CreatedAt = now()
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.exec(ctx,
		`INSERT INTO sessions (id, workspace_id, agent_config_id, model_provider, model_name,
			model_host, context_window, temperature, title, status, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.AgentConfigID, sess.ModelProvider, sess.ModelName,
		sess.ModelHost, sess.ContextWindow, sess.Temperature, sess.Title, sess.Status,
		sess.MessageCount, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var agentConfigID, provider, name, host, title sql.NullString
	var contextWindow sql.NullInt64
	var temperature sql.NullFloat64

	err := s.queryRow(ctx,
		`SELECT id, workspace_id, agent_config_id, model_provider, model_name, model_host,
			context_window, temperature, title, status, message_count, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.WorkspaceID, &agentConfigID, &provider, &name, &host,
			&contextWindow, &temperature, &title, &sess.Status, &sess.MessageCount,
			&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, protocol.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.AgentConfigID = agentConfigID.String
	sess.ModelProvider = provider.String
	sess.ModelName = name.String
	sess.ModelHost = host.String
	sess.ContextWindow = int(contextWindow.Int64)
	sess.Temperature = temperature.Float64
	sess.Title = title.String
	return sess, nil
}

// ListSessions returns a workspace's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*Session, error) {
	rows, err := s.query(ctx,
		`SELECT id, workspace_id, agent_config_id, model_provider, model_name, model_host,
			context_window, temperature, title, status, message_count, created_at, updated_at
		FROM sessions WHERE workspace_id = ? ORDER BY updated_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		var agentConfigID, provider, name, host, title sql.NullString
		var contextWindow sql.NullInt64
		var temperature sql.NullFloat64
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &agentConfigID, &provider, &name, &host,
			&contextWindow, &temperature, &title, &sess.Status, &sess.MessageCount,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.AgentConfigID = agentConfigID.String
		sess.ModelProvider = provider.String
		sess.ModelName = name.String
		sess.ModelHost = host.String
		sess.ContextWindow = int(contextWindow.Int64)
		sess.Temperature = temperature.Float64
		sess.Title = title.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session with its transcript and tool events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if s.supportsFTS() {
		if _, err := s.exec(ctx, `DELETE FROM session_messages_fts WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session fts: %w", err)
		}
	}
	for _, q := range []string{
		`DELETE FROM session_messages WHERE session_id = ?`,
		`DELETE FROM tool_events WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := s.exec(ctx, q, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return nil
}

// AppendMessage writes a transcript row, mirrors it into FTS, bumps the
// session's message count, and derives a title from the first user message
// when the session has none. Seq is assigned here; callers never pick it.
func (s *Store) AppendMessage(ctx context.Context, msg *SessionMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = now()

	var seq sql.NullInt64
	if err := s.queryRow(ctx,
		`SELECT MAX(seq) FROM session_messages WHERE session_id = ?`, msg.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}
	msg.Seq = int(seq.Int64) + 1

	if _, err := s.exec(ctx,
		`INSERT INTO session_messages (id, session_id, seq, role, content, context_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content,
		msg.ContextJSON, msg.MetadataJSON, msg.CreatedAt); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if s.supportsFTS() {
		if _, err := s.exec(ctx,
			`INSERT INTO session_messages_fts (message_id, session_id, content) VALUES (?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Content); err != nil {
			return fmt.Errorf("append message fts: %w", err)
		}
	}

	if _, err := s.exec(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now(), msg.SessionID); err != nil {
		return fmt.Errorf("bump session message count: %w", err)
	}

	if msg.Role == string(protocol.RoleUser) {
		if _, err := s.exec(ctx,
			`UPDATE sessions SET title = ? WHERE id = ? AND (title IS NULL OR title = '')`,
			utils.FirstLine(msg.Content, titleMaxLen), msg.SessionID); err != nil {
			return fmt.Errorf("set session title: %w", err)
		}
	}

	return nil
}

// GetMessages returns a session's transcript in append order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*SessionMessage, error) {
	rows, err := s.query(ctx,
		`SELECT id, session_id, seq, role, content, context_json, metadata_json, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*SessionMessage
	for rows.Next() {
		msg := &SessionMessage{}
		var contextJSON, metadataJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
			&contextJSON, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ContextJSON = contextJSON.String
		msg.MetadataJSON = metadataJSON.String
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SearchMessages finds messages matching query: FTS5 when the sqlite
// build carries it, LIKE otherwise.
func (s *Store) SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]*SessionMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if s.supportsFTS() {
		rows, err = s.query(ctx,
			`SELECT m.id, m.session_id, m.seq, m.role, m.content, m.context_json, m.metadata_json, m.created_at
			FROM session_messages_fts f
			JOIN session_messages m ON m.id = f.message_id
			WHERE f.session_id = ? AND session_messages_fts MATCH ?
			ORDER BY rank LIMIT ?`, sessionID, ftsQuery(query), limit)
	} else {
		// Every term must appear, mirroring the implicit AND of an
		// FTS match.
		where := `session_id = ?`
		args := []any{sessionID}
		for _, term := range strings.Fields(query) {
			where += ` AND content LIKE ?`
			args = append(args, "%"+term+"%")
		}
		args = append(args, limit)
		rows, err = s.query(ctx,
			`SELECT id, session_id, seq, role, content, context_json, metadata_json, created_at
			FROM session_messages
			WHERE `+where+`
			ORDER BY seq DESC LIMIT ?`, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []*SessionMessage
	for rows.Next() {
		msg := &SessionMessage{}
		var contextJSON, metadataJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
			&contextJSON, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ContextJSON = contextJSON.String
		msg.MetadataJSON = metadataJSON.String
		out = append(out, msg)
	}
	return out, rows.Err()
}

// AppendToolEvent records a tool execution.
func (s *Store) AppendToolEvent(ctx context.Context, ev *ToolEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = now()
	success := 0
	if ev.Success {
		success = 1
	}

	_, err := s.exec(ctx,
		`INSERT INTO tool_events (id, session_id, tool_name, arguments_json, result_json, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.ToolName, ev.ArgumentsJSON, ev.ResultJSON, success, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append tool event: %w", err)
	}
	return nil
}

// ftsQuery quotes each term so user input can't inject FTS5 syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
