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
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/coda/pkg/protocol"
)

// Workspace is a developer directory the agent operates in.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspacePolicy gates sensitive tool execution per workspace.
type WorkspacePolicy struct {
	WorkspaceID      string   `json:"workspace_id"`
	ReadAllow        []string `json:"read_allow,omitempty"`
	ReadBlock        []string `json:"read_block,omitempty"`
	WriteAllow       []string `json:"write_allow,omitempty"`
	WriteBlock       []string `json:"write_block,omitempty"`
	CommandApproval  string   `json:"command_approval"`
	AllowedCommands  []string `json:"allowed_commands,omitempty"`
	BlockedCommands  []string `json:"blocked_commands,omitempty"`
	NetworkEnabled   bool     `json:"network_enabled"`
	AutoApproveTools []string `json:"auto_approve_tools,omitempty"`
}

// CreateWorkspace inserts a workspace, generating an id when absent.
func (s *Store) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	ws.CreatedAt = now()
	ws.UpdatedAt = ws.CreatedAt

	_, err := s.exec(ctx,
		`INSERT INTO workspaces (id, name, root_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.RootPath, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// GetWorkspace fetches a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.queryRow(ctx,
		`SELECT id, name, root_path, created_at, updated_at FROM workspaces WHERE id = ?`, id).
		Scan(&ws.ID, &ws.Name, &ws.RootPath, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, protocol.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces, newest first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, root_path, created_at, updated_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.RootPath, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace and its dependent rows.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM symbols WHERE workspace_id = ?`,
		`DELETE FROM chunks WHERE workspace_id = ?`,
		`DELETE FROM files WHERE workspace_id = ?`,
		`DELETE FROM workspace_policies WHERE workspace_id = ?`,
		`DELETE FROM workspaces WHERE id = ?`,
	} {
		if _, err := s.exec(ctx, q, id); err != nil {
			return fmt.Errorf("delete workspace: %w", err)
		}
	}
	return nil
}

// GetPolicy loads a workspace policy; absent rows yield the default
// prompt-everything policy so enforcement never dereferences nil.
func (s *Store) GetPolicy(ctx context.Context, workspaceID string) (*WorkspacePolicy, error) {
	var (
		p                                        = &WorkspacePolicy{WorkspaceID: workspaceID}
		readAllow, readBlock, writeAllow         sql.NullString
		writeBlock, allowedCmds, blockedCmds     sql.NullString
		autoApprove                              sql.NullString
		networkEnabled                           int
	)

	err := s.queryRow(ctx,
		`SELECT read_allow_json, read_block_json, write_allow_json, write_block_json,
			command_approval, allowed_commands_json, blocked_commands_json,
			network_enabled, auto_approve_tools_json
		FROM workspace_policies WHERE workspace_id = ?`, workspaceID).
		Scan(&readAllow, &readBlock, &writeAllow, &writeBlock,
			&p.CommandApproval, &allowedCmds, &blockedCmds, &networkEnabled, &autoApprove)
	if errors.Is(err, sql.ErrNoRows) {
		return &WorkspacePolicy{WorkspaceID: workspaceID, CommandApproval: "prompt"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}

	p.NetworkEnabled = networkEnabled != 0
	p.ReadAllow = decodeStringList(readAllow)
	p.ReadBlock = decodeStringList(readBlock)
	p.WriteAllow = decodeStringList(writeAllow)
	p.WriteBlock = decodeStringList(writeBlock)
	p.AllowedCommands = decodeStringList(allowedCmds)
	p.BlockedCommands = decodeStringList(blockedCmds)
	p.AutoApproveTools = decodeStringList(autoApprove)
	return p, nil
}

// SavePolicy upserts a workspace policy.
func (s *Store) SavePolicy(ctx context.Context, p *WorkspacePolicy) error {
	if p.CommandApproval == "" {
		p.CommandApproval = "prompt"
	}
	networkEnabled := 0
	if p.NetworkEnabled {
		networkEnabled = 1
	}

	if _, err := s.exec(ctx, `DELETE FROM workspace_policies WHERE workspace_id = ?`, p.WorkspaceID); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	_, err := s.exec(ctx,
		`INSERT INTO workspace_policies (workspace_id, read_allow_json, read_block_json,
			write_allow_json, write_block_json, command_approval, allowed_commands_json,
			blocked_commands_json, network_enabled, auto_approve_tools_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.WorkspaceID,
		encodeStringList(p.ReadAllow), encodeStringList(p.ReadBlock),
		encodeStringList(p.WriteAllow), encodeStringList(p.WriteBlock),
		p.CommandApproval,
		encodeStringList(p.AllowedCommands), encodeStringList(p.BlockedCommands),
		networkEnabled, encodeStringList(p.AutoApproveTools), now())
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

func encodeStringList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStringList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
