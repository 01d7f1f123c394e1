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

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// MCPSource connects to one MCP server and exposes its tools. Stdio
// servers go through the mcp-go client; HTTP transports (sse,
// streamable-http) speak JSON-RPC over the retrying http client. The
// connection is established lazily on the first Tools call.
type MCPSource struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	sessionID string
	tools     []Tool
	connected bool
}

// NewMCPSource creates a source for one configured MCP server.
func NewMCPSource(cfg config.MCPServerConfig, logger *slog.Logger) *MCPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPSource{cfg: cfg, logger: logger.With("component", "mcp", "server", cfg.Name)}
}

// Name returns the configured server name.
func (s *MCPSource) Name() string { return s.cfg.Name }

// Tools lists the server's tools, connecting on first use. Names are
// prefixed with the server name to avoid collisions with built-ins.
func (s *MCPSource) Tools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to mcp server %s: %w", s.cfg.Name, err)
		}
	}
	return s.tools, nil
}

// Close tears down the connection.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.stdio != nil {
		err = s.stdio.Close()
		s.stdio = nil
	}
	s.http = nil
	s.tools = nil
	s.connected = false
	return err
}

func (s *MCPSource) connect(ctx context.Context) error {
	if s.cfg.Transport == "stdio" {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

func (s *MCPSource) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, s.cfg.Env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create stdio client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "coda", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var tools []Tool
	for _, mcpTool := range listResp.Tools {
		schema := map[string]any{}
		if data, marshalErr := json.Marshal(mcpTool.InputSchema); marshalErr == nil {
			_ = json.Unmarshal(data, &schema)
		}
		tools = append(tools, &remoteTool{
			source: s,
			name:   mcpTool.Name,
			desc:   mcpTool.Description,
			schema: schema,
		})
	}

	s.stdio = mcpClient
	s.tools = tools
	s.connected = true
	s.logger.Info("connected to mcp server", "transport", "stdio", "tools", len(tools))
	return nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	if _, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "coda", "version": "1.0"},
		"capabilities":    map[string]any{},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	result, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	resultMap, _ := result.(map[string]any)
	rawTools, _ := resultMap["tools"].([]any)

	var tools []Tool
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		tools = append(tools, &remoteTool{source: s, name: name, desc: desc, schema: schema})
	}

	s.tools = tools
	s.connected = true
	s.logger.Info("connected to mcp server", "transport", s.cfg.Transport, "tools", len(tools))
	return nil
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// rpc sends one JSON-RPC request and decodes the result, handling both
// plain JSON and single-event SSE response bodies.
func (s *MCPSource) rpc(ctx context.Context, method string, params any) (any, error) {
	body, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}
	if s.sessionID != "" {
		req.Header.Set("mcp-session-id", s.sessionID)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		s.sessionID = sid
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		data = extractSSEData(data)
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}

	var result any
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, nil
}

// extractSSEData concatenates the data: lines of the first SSE event.
func extractSSEData(body []byte) []byte {
	var sb strings.Builder
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			sb.WriteString(strings.TrimSpace(after))
		} else if line == "" && sb.Len() > 0 {
			break
		}
	}
	return []byte(sb.String())
}

// remoteTool adapts one remote tool to the Tool interface.
type remoteTool struct {
	source *MCPSource
	name   string
	desc   string
	schema map[string]any
}

func (t *remoteTool) Name() string {
	return t.source.cfg.Name + "_" + t.name
}

func (t *remoteTool) Description() string { return t.desc }

func (t *remoteTool) Parameters() map[string]any {
	if t.schema == nil {
		return objectSchema(map[string]any{})
	}
	return t.schema
}

func (t *remoteTool) RequiresApproval() bool { return t.source.cfg.RequiresApproval }

func (t *remoteTool) ApprovalPrompt(args map[string]any) string {
	return fmt.Sprintf("Call %s on MCP server %s?", t.name, t.source.cfg.Name)
}

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	t.source.mu.Lock()
	stdio := t.source.stdio
	t.source.mu.Unlock()

	if stdio != nil {
		return t.executeStdio(ctx, stdio, args)
	}
	return t.executeHTTP(ctx, args)
}

func (t *remoteTool) executeStdio(ctx context.Context, stdio *client.Client, args map[string]any) (*Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := stdio.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}

	text := collectText(resp.Content)
	if resp.IsError {
		return &Result{Success: false, Error: text}, nil
	}
	return &Result{Success: true, Output: text}, nil
}

func (t *remoteTool) executeHTTP(ctx context.Context, args map[string]any) (*Result, error) {
	result, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	resultMap, _ := result.(map[string]any)
	text := collectRawText(resultMap["content"])
	if isError, _ := resultMap["isError"].(bool); isError {
		if text == "" {
			text = "unknown error"
		}
		return &Result{Success: false, Error: text}, nil
	}
	return &Result{Success: true, Output: text}, nil
}

func collectText(contents []mcp.Content) string {
	var texts []string
	for _, content := range contents {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func collectRawText(content any) string {
	items, _ := content.([]any)
	var texts []string
	for _, item := range items {
		if m, ok := item.(map[string]any); ok && m["type"] == "text" {
			if text, ok := m["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	return strings.Join(texts, "\n")
}
