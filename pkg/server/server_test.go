package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/coda/pkg/agent"
	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/model"
	"github.com/kadirpekel/coda/pkg/protocol"
	"github.com/kadirpekel/coda/pkg/retrieval"
	"github.com/kadirpekel/coda/pkg/store"
	"github.com/kadirpekel/coda/pkg/tools"
)

type scriptRound struct {
	toolCalls []*protocol.ToolCall
	deltas    []string
	final     string
}

type scriptedProvider struct {
	mu     sync.Mutex
	rounds []scriptRound
	next   int
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []*protocol.Message, defs []llms.ToolDefinition, opts *llms.StreamOptions) (<-chan llms.StreamEvent, error) {
	p.mu.Lock()
	var round scriptRound
	if p.next < len(p.rounds) {
		round = p.rounds[p.next]
		p.next++
	}
	p.mu.Unlock()

	ch := make(chan llms.StreamEvent, 16)
	go func() {
		defer close(ch)
		for _, delta := range round.deltas {
			ch <- llms.StreamEvent{Type: llms.EventContent, Text: delta}
		}
		for _, call := range round.toolCalls {
			ch <- llms.StreamEvent{Type: llms.EventToolCall, ToolCall: call}
		}
		ch <- llms.StreamEvent{Type: llms.EventDone, Text: round.final}
	}()
	return ch, nil
}

func (p *scriptedProvider) ModelInfo() protocol.ModelInfo {
	return protocol.ModelInfo{Provider: "scripted", ModelName: "test-model"}
}
func (p *scriptedProvider) SupportsUnload() bool         { return false }
func (p *scriptedProvider) Unload(context.Context) error { return llms.ErrUnloadUnsupported }
func (p *scriptedProvider) Close() error                 { return nil }

type fixture struct {
	server  *Server
	store   *store.Store
	ts      *httptest.Server
	ws      *store.Workspace
	session *store.Session
}

func newFixture(t *testing.T, provider *scriptedProvider, opts ...Option) *fixture {
	t.Helper()

	cfg := &config.StoreConfig{Driver: config.StoreDriverSQLite, Path: filepath.Join(t.TempDir(), "coda.db")}
	cfg.SetDefaults()
	cfg.Path = filepath.Join(t.TempDir(), "coda.db")
	st, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	provider.mu.Lock()
	provider.rounds = append([]scriptRound{{final: "ok"}}, provider.rounds...)
	provider.mu.Unlock()

	manager := model.NewManager(model.WithFactory(func(*config.ModelConfig) (llms.LLMProvider, error) {
		return provider, nil
	}))
	_, err = manager.Switch(context.Background(), &config.ModelConfig{Provider: "ollama", Model: "test"})
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	ws := &store.Workspace{Name: "demo", RootPath: root}
	require.NoError(t, st.CreateWorkspace(context.Background(), ws))
	sess := &store.Session{WorkspaceID: ws.ID}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	factory := func(sessionID string, workspace *store.Workspace, sink agent.EventSink) (*agent.Session, error) {
		registry := tools.NewRegistry()
		if err := registry.Register(&tools.ListFilesTool{Root: workspace.RootPath}); err != nil {
			return nil, err
		}
		if err := registry.Register(tools.NewCommandTool(workspace.RootPath, nil)); err != nil {
			return nil, err
		}
		agentCfg := &config.AgentConfig{}
		agentCfg.SetDefaults()
		return agent.NewSession(sessionID, workspace, agentCfg, manager, registry, sink), nil
	}

	srvCfg := &config.ServerConfig{}
	srvCfg.SetDefaults()
	srv := New(srvCfg, st, manager, factory, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, store: st, ts: ts, ws: ws, session: sess}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/" + f.session.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var event protocol.Event
	require.NoError(t, conn.ReadJSON(&event))
	return &event
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	event, err := protocol.NewEvent(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(event))
}

func TestHelloOnConnect(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	conn := f.dial(t)

	event := readEvent(t, conn)
	require.Equal(t, protocol.EventServerHello, event.Type)

	var hello protocol.HelloPayload
	require.NoError(t, event.Decode(&hello))
	assert.Equal(t, protocol.ProtocolVersion, hello.ProtocolVersion)
	require.NotNil(t, hello.ServerInfo.Model)
	assert.Equal(t, "test-model", hello.ServerInfo.Model.ModelName)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	conn := f.dial(t)
	readEvent(t, conn) // hello

	sendEvent(t, conn, protocol.EventClientPing, nil)
	event := readEvent(t, conn)
	assert.Equal(t, protocol.EventServerPong, event.Type)
}

func TestToolRoundTripOverChannel(t *testing.T) {
	provider := &scriptedProvider{rounds: []scriptRound{
		{toolCalls: []*protocol.ToolCall{{
			ID: "call_1", Name: "list_files", Args: map[string]any{"directory": "."},
		}}},
		{deltas: []string{"Found it."}, final: "Found it."},
	}}
	f := newFixture(t, provider)
	conn := f.dial(t)

	require.Equal(t, protocol.EventServerHello, readEvent(t, conn).Type)

	sendEvent(t, conn, protocol.EventUserMessage, &protocol.UserMessagePayload{Message: "list files"})

	var types []string
	for {
		event := readEvent(t, conn)
		types = append(types, event.Type)
		if event.Type == protocol.EventMessageFinal {
			var payload protocol.MessageFinalPayload
			require.NoError(t, event.Decode(&payload))
			assert.Equal(t, "Found it.", payload.Message)
			assert.True(t, payload.Metadata.Success)
			break
		}
	}
	assert.Equal(t, []string{
		protocol.EventThinking,
		protocol.EventToolUse,
		protocol.EventToolResult,
		protocol.EventThinking,
		protocol.EventMessageDelta,
		protocol.EventMessageFinal,
	}, types)

	// Persistence: user row, assistant row, tool event, title.
	messages, err := f.store.GetMessages(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "list files", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "Found it.", messages[1].Content)
	assert.Contains(t, messages[1].MetadataJSON, `"iterations":2`)

	sess, err := f.store.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "list files", sess.Title)
	assert.Equal(t, 2, sess.MessageCount)
}

func TestApprovalDeniedOverChannel(t *testing.T) {
	provider := &scriptedProvider{rounds: []scriptRound{
		{toolCalls: []*protocol.ToolCall{{
			ID: "call_1", Name: "run_command", Args: map[string]any{"command": "touch marker"},
		}}},
		{final: "Understood, not running it."},
	}}
	f := newFixture(t, provider)
	conn := f.dial(t)
	readEvent(t, conn) // hello

	sendEvent(t, conn, protocol.EventUserMessage, &protocol.UserMessagePayload{Message: "run it"})

	var sawApproval bool
	for {
		event := readEvent(t, conn)
		switch event.Type {
		case protocol.EventApprovalRequest:
			sawApproval = true
			var req protocol.ApprovalRequestPayload
			require.NoError(t, event.Decode(&req))
			sendEvent(t, conn, protocol.EventApprovalResponse, &protocol.ApprovalResponsePayload{
				RequestID: req.RequestID, Approved: false,
			})
		case protocol.EventToolResult:
			var payload protocol.ToolResultPayload
			require.NoError(t, event.Decode(&payload))
			result := payload.Result.(map[string]any)
			assert.Equal(t, false, result["success"])
		case protocol.EventMessageFinal:
			assert.True(t, sawApproval)
			_, statErr := os.Stat(filepath.Join(f.ws.RootPath, "marker"))
			assert.True(t, os.IsNotExist(statErr))
			return
		}
	}
}

func TestUnknownApprovalIDRejected(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	conn := f.dial(t)
	readEvent(t, conn) // hello

	sendEvent(t, conn, protocol.EventApprovalResponse, &protocol.ApprovalResponsePayload{
		RequestID: "nope", Approved: true,
	})
	event := readEvent(t, conn)
	require.Equal(t, protocol.EventServerError, event.Type)

	var payload protocol.ErrorPayload
	require.NoError(t, event.Decode(&payload))
	assert.Equal(t, "unknown_request", payload.Error.Code)
}

func TestConnectUnknownSession(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTWorkspacesAndSessions(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	t.Run("create and fetch workspace", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"name": "second", "root_path": t.TempDir()})
		resp, err := http.Post(f.ts.URL+"/v1/workspaces", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var ws store.Workspace
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ws))
		assert.NotEmpty(t, ws.ID)

		getResp, err := http.Get(f.ts.URL + "/v1/workspaces/" + ws.ID)
		require.NoError(t, err)
		defer getResp.Body.Close()
		assert.Equal(t, http.StatusOK, getResp.StatusCode)
	})

	t.Run("create session validates workspace", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"workspace_id": "missing"})
		resp, err := http.Post(f.ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("list sessions by workspace", func(t *testing.T) {
		resp, err := http.Get(f.ts.URL + "/v1/sessions?workspace_id=" + f.ws.ID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Sessions []*store.Session `json:"sessions"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Sessions, 1)
		assert.Equal(t, f.session.ID, body.Sessions[0].ID)
	})

	t.Run("healthz and readyz", func(t *testing.T) {
		resp, err := http.Get(f.ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(f.ts.URL + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics endpoint serves", func(t *testing.T) {
		resp, err := http.Get(f.ts.URL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestTranscriptSearch(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	require.NoError(t, f.store.AppendMessage(context.Background(), &store.SessionMessage{
		SessionID: f.session.ID, Role: "user", Content: "how does the indexer work",
	}))
	require.NoError(t, f.store.AppendMessage(context.Background(), &store.SessionMessage{
		SessionID: f.session.ID, Role: "assistant", Content: "it hashes file contents",
	}))

	resp, err := http.Get(f.ts.URL + "/v1/sessions/" + f.session.ID + "/search?q=indexer")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Messages []*store.SessionMessage `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	assert.Contains(t, body.Messages[0].Content, "indexer")
}

type stubSearcher struct {
	results []retrieval.Result
	query   string
}

func (s *stubSearcher) Retrieve(_ context.Context, _ *store.Workspace, query string, _ int, _ float64) ([]retrieval.Result, error) {
	s.query = query
	return s.results, nil
}

func TestWorkspaceSearch(t *testing.T) {
	searcher := &stubSearcher{results: []retrieval.Result{
		{Source: "vector", FilePath: "main.go", Content: "func main()", Score: 0.9},
	}}
	f := newFixture(t, &scriptedProvider{}, WithWorkspaceSearch(searcher))

	resp, err := http.Get(f.ts.URL + "/v1/workspaces/" + f.ws.ID + "/search?q=main")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []retrieval.Result `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "main.go", body.Results[0].FilePath)
	assert.Equal(t, "main", searcher.query)
}

func TestWorkspaceSearchDisabled(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	resp, err := http.Get(f.ts.URL + "/v1/workspaces/" + f.ws.ID + "/search?q=main")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
