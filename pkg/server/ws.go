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

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kadirpekel/coda/pkg/agent"
	"github.com/kadirpekel/coda/pkg/protocol"
	"github.com/kadirpekel/coda/pkg/store"
)

const (
	wsWriteWait    = 10 * time.Second
	wsSendQueue    = 64
	wsMaxFrameSize = 1 << 20
)

// wsConn is one session channel. All outbound events flow through the
// send queue and a single writer goroutine, so delivery order equals
// enqueue order.
type wsConn struct {
	id      string
	server  *Server
	conn    *websocket.Conn
	session *agent.Session
	logger  *slog.Logger

	send       chan *protocol.Event
	writerDone chan struct{}
	turnWG     sync.WaitGroup
	closeOnce  sync.Once

	sendMu     sync.RWMutex
	sendClosed bool

	// pendingTools queues tool_use payloads so the matching tool_result
	// can be persisted with its arguments. Events for one turn are
	// emitted by a single goroutine, so a plain mutex suffices.
	toolMu       sync.Mutex
	pendingTools []*protocol.ToolUsePayload
}

// handleSessionChannel upgrades the connection and runs the session
// channel until disconnect.
func (s *Server) handleSessionChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	ctx := r.Context()

	row, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	ws, err := s.store.GetWorkspace(ctx, row.WorkspaceID)
	if err != nil {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}

	upgrader := &websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		id:         sessionID,
		server:     s,
		conn:       conn,
		logger:     s.logger.With("session", sessionID),
		send:       make(chan *protocol.Event, wsSendQueue),
		writerDone: make(chan struct{}),
	}

	session, err := s.sessions(sessionID, ws, agent.SinkFunc(c.dispatch))
	if err != nil {
		c.logger.Error("failed to build session", "error", err)
		_ = conn.Close()
		return
	}
	c.session = session

	s.registerConn(c)
	defer s.unregisterConn(c)

	go c.writeLoop()
	c.sendHello()
	c.readLoop()
	c.shutdown()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// dispatch is the session's event sink: persist durable events, then
// enqueue for the writer.
func (c *wsConn) dispatch(event *protocol.Event) {
	c.persist(event)
	c.enqueue(event)
}

func (c *wsConn) enqueue(event *protocol.Event) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- event:
	case <-c.writerDone:
		// Connection is gone; the turn keeps running to completion but
		// its events have nowhere to go.
	}
}

// persist mirrors the durable events into the store. Failures are
// logged, never surfaced to the client mid-turn.
func (c *wsConn) persist(event *protocol.Event) {
	ctx := context.Background()
	switch event.Type {
	case protocol.EventToolUse:
		var payload protocol.ToolUsePayload
		if err := event.Decode(&payload); err != nil {
			return
		}
		c.toolMu.Lock()
		c.pendingTools = append(c.pendingTools, &payload)
		c.toolMu.Unlock()

	case protocol.EventToolResult:
		var payload protocol.ToolResultPayload
		if err := event.Decode(&payload); err != nil {
			return
		}
		c.toolMu.Lock()
		var use *protocol.ToolUsePayload
		if len(c.pendingTools) > 0 {
			use = c.pendingTools[0]
			c.pendingTools = c.pendingTools[1:]
		}
		c.toolMu.Unlock()

		ev := &store.ToolEvent{SessionID: c.id, ToolName: payload.Tool}
		if use != nil {
			if args, err := json.Marshal(use.Arguments); err == nil {
				ev.ArgumentsJSON = string(args)
			}
		}
		if result, err := json.Marshal(payload.Result); err == nil {
			ev.ResultJSON = string(result)
		}
		if m, ok := payload.Result.(map[string]any); ok {
			ev.Success, _ = m["success"].(bool)
		}
		if err := c.server.store.AppendToolEvent(ctx, ev); err != nil {
			c.logger.Warn("failed to persist tool event", "error", err)
		}

	case protocol.EventMessageFinal:
		var payload protocol.MessageFinalPayload
		if err := event.Decode(&payload); err != nil {
			return
		}
		metadata, _ := json.Marshal(payload.Metadata)
		if err := c.server.store.AppendMessage(ctx, &store.SessionMessage{
			SessionID:    c.id,
			Role:         string(protocol.RoleAssistant),
			Content:      payload.Message,
			MetadataJSON: string(metadata),
		}); err != nil {
			c.logger.Warn("failed to persist assistant message", "error", err)
		}
	}
}

func (c *wsConn) sendHello() {
	info := protocol.ServerInfo{
		Version: Version,
		Capabilities: map[string]bool{
			"tools":     true,
			"approvals": true,
			"search":    true,
		},
	}
	if provider, ok := c.server.manager.Active(); ok {
		modelInfo := provider.ModelInfo()
		info.Model = &modelInfo
	}

	event, err := protocol.NewEvent(protocol.EventServerHello, &protocol.HelloPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerInfo:      info,
	})
	if err != nil {
		c.logger.Error("failed to encode hello", "error", err)
		return
	}
	c.enqueue(event)
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxFrameSize)
	for {
		var event protocol.Event
		if err := c.conn.ReadJSON(&event); err != nil {
			return
		}
		c.handleClientEvent(&event)
	}
}

func (c *wsConn) handleClientEvent(event *protocol.Event) {
	switch event.Type {
	case protocol.EventClientHello:
		// Informational; nothing to negotiate beyond the server hello.

	case protocol.EventClientPing:
		if pong, err := protocol.NewEvent(protocol.EventServerPong, &protocol.PongPayload{
			Timestamp: time.Now().UnixMilli(),
		}); err == nil {
			c.enqueue(pong)
		}

	case protocol.EventUserMessage:
		var payload protocol.UserMessagePayload
		if err := event.Decode(&payload); err != nil {
			c.sendError("invalid_payload", err.Error())
			return
		}
		c.startTurn(&payload)

	case protocol.EventApprovalResponse:
		var payload protocol.ApprovalResponsePayload
		if err := event.Decode(&payload); err != nil {
			c.sendError("invalid_payload", err.Error())
			return
		}
		if !c.session.ResolveApproval(payload.RequestID, payload.Approved) {
			c.sendError("unknown_request", "no pending approval with that id")
		}

	case protocol.EventCancel:
		c.session.Cancel()

	default:
		c.sendError("unknown_event", "unsupported event type: "+event.Type)
	}
}

// startTurn persists the user row and runs the turn in its own
// goroutine. The session's turn lock keeps turns serialized.
func (c *wsConn) startTurn(payload *protocol.UserMessagePayload) {
	contextJSON := ""
	if len(payload.Context) > 0 {
		if data, err := json.Marshal(payload.Context); err == nil {
			contextJSON = string(data)
		}
	}
	if err := c.server.store.AppendMessage(context.Background(), &store.SessionMessage{
		SessionID:   c.id,
		Role:        string(protocol.RoleUser),
		Content:     payload.Message,
		ContextJSON: contextJSON,
	}); err != nil {
		c.logger.Warn("failed to persist user message", "error", err)
	}

	c.turnWG.Add(1)
	go func() {
		defer c.turnWG.Done()
		if _, err := c.session.RunTurn(context.Background(), payload.Message); err != nil {
			switch err {
			case agent.ErrTurnInProgress:
				c.sendError("turn_in_progress", "a turn is already running")
			case agent.ErrSessionClosed:
			default:
				c.logger.Warn("turn failed", "error", err)
				c.sendError("turn_failed", err.Error())
			}
		}
	}()
}

func (c *wsConn) sendError(code, message string) {
	event, err := protocol.NewEvent(protocol.EventServerError, &protocol.ErrorPayload{
		Error: protocol.ErrorBody{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	c.enqueue(event)
}

// shutdown cancels the in-flight turn, rejects pending approvals, drains
// the writer, and closes the socket. Safe to call more than once.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.session.Close()
		c.turnWG.Wait()
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()
		<-c.writerDone
		_ = c.conn.Close()
	})
}
