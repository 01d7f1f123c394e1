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

// Package agent implements the per-session turn loop: retrieval-augmented
// user turns, streamed assistant output, gated tool execution, and the
// post-turn learning kickoff.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/coda/pkg/ace"
	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/model"
	"github.com/kadirpekel/coda/pkg/observability"
	"github.com/kadirpekel/coda/pkg/protocol"
	"github.com/kadirpekel/coda/pkg/retrieval"
	"github.com/kadirpekel/coda/pkg/store"
	"github.com/kadirpekel/coda/pkg/tools"
	"github.com/kadirpekel/coda/pkg/utils"
)

// ErrTurnInProgress is returned when a user message arrives while a turn
// is still running; the transport serializes turns, so hitting this means
// a client raced itself.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// ErrSessionClosed is returned after Close.
var ErrSessionClosed = errors.New("session is closed")

// Default retrieval tuning, overridden by WithRetrievalConfig.
const (
	defaultKnowledgeLimit     = 5
	defaultKnowledgeThreshold = 0.6
	defaultBulletLimit        = 5
	defaultBulletThreshold    = 0.5
)

// trajectoryMaxLines caps each history message when flattening a turn
// for reflection.
const trajectoryMaxLines = 30

// tracer resolves against the globally installed provider; a noop
// tracer when tracing is disabled.
var tracer = otel.Tracer("coda.agent")

// EventSink receives session events in emission order. The transport's
// writer queue implements it.
type EventSink interface {
	Send(event *protocol.Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event *protocol.Event)

func (f SinkFunc) Send(event *protocol.Event) { f(event) }

// Session owns one conversation: its history, the bullet ids surfaced in
// the current turn, and the pending approval map.
type Session struct {
	ID        string
	Workspace *store.Workspace

	cfg       *config.AgentConfig
	policy    *store.WorkspacePolicy
	manager   *model.Manager
	modelCfg  *config.ModelConfig
	registry  *tools.Registry
	knowledge *retrieval.KnowledgeRetriever
	playbook  *ace.Playbook
	learner   *ace.Learner
	tuning    *config.RetrievalConfig
	sink      EventSink
	logger    *slog.Logger

	turnMu        sync.Mutex
	history       []*protocol.Message
	usedBulletIDs []string

	stateMu    sync.Mutex
	approvals  map[string]chan bool
	turnCancel context.CancelFunc
	closed     bool
}

// Option configures a session.
type Option func(*Session)

// WithKnowledge attaches a knowledge retriever.
func WithKnowledge(kr *retrieval.KnowledgeRetriever) Option {
	return func(s *Session) { s.knowledge = kr }
}

// WithPlaybook attaches the ACE playbook for bullet retrieval.
func WithPlaybook(p *ace.Playbook) Option {
	return func(s *Session) { s.playbook = p }
}

// WithLearner attaches the post-turn learning loop.
func WithLearner(l *ace.Learner) Option {
	return func(s *Session) { s.learner = l }
}

// WithPolicy overrides the workspace approval policy.
func WithPolicy(p *store.WorkspacePolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithModelConfig sets the model the session ensures before each turn.
func WithModelConfig(cfg *config.ModelConfig) Option {
	return func(s *Session) { s.modelCfg = cfg }
}

// WithRetrievalConfig overrides the per-turn retrieval tuning.
func WithRetrievalConfig(cfg *config.RetrievalConfig) Option {
	return func(s *Session) { s.tuning = cfg }
}

// WithLogger overrides the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session bound to a workspace and an event sink.
func NewSession(id string, ws *store.Workspace, cfg *config.AgentConfig, manager *model.Manager, registry *tools.Registry, sink EventSink, opts ...Option) *Session {
	if cfg == nil {
		cfg = &config.AgentConfig{}
		cfg.SetDefaults()
	}
	s := &Session{
		ID:        id,
		Workspace: ws,
		cfg:       cfg,
		manager:   manager,
		registry:  registry,
		sink:      sink,
		logger:    slog.Default(),
		approvals: make(map[string]chan bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "agent", "session", id)
	return s
}

// History returns a copy of the conversation so far.
func (s *Session) History() []*protocol.Message {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	out := make([]*protocol.Message, len(s.history))
	copy(out, s.history)
	return out
}

// UsedBulletIDs returns the bullet ids surfaced in the last turn.
func (s *Session) UsedBulletIDs() []string {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	out := make([]string, len(s.usedBulletIDs))
	copy(out, s.usedBulletIDs)
	return out
}

// ResolveApproval resolves a pending approval request. Returns false when
// no request with that id is waiting.
func (s *Session) ResolveApproval(requestID string, approved bool) bool {
	s.stateMu.Lock()
	ch, ok := s.approvals[requestID]
	if ok {
		delete(s.approvals, requestID)
	}
	s.stateMu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// Cancel interrupts the in-flight turn at its next yield point. History
// already written stays.
func (s *Session) Cancel() {
	s.stateMu.Lock()
	cancel := s.turnCancel
	s.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels the in-flight turn and rejects every pending approval.
func (s *Session) Close() {
	s.stateMu.Lock()
	s.closed = true
	cancel := s.turnCancel
	pending := s.approvals
	s.approvals = make(map[string]chan bool)
	s.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range pending {
		ch <- false
	}
}

// RunTurn processes one user message end to end, emitting events to the
// sink. It returns the final assistant content. Only one turn runs at a
// time per session.
func (s *Session) RunTurn(ctx context.Context, userMessage string) (string, error) {
	if !s.turnMu.TryLock() {
		return "", ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return "", ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.turnCancel = cancel
	s.stateMu.Unlock()
	defer func() {
		cancel()
		s.stateMu.Lock()
		s.turnCancel = nil
		s.stateMu.Unlock()
	}()

	s.usedBulletIDs = nil
	content := s.composeUserContent(ctx, userMessage)
	s.history = append(s.history, protocol.NewUserMessage(content))

	provider, err := s.ensureModel(ctx)
	if err != nil {
		s.emitError("agent_error", err.Error())
		return "", err
	}

	ctx, span := tracer.Start(ctx, observability.SpanAgentTurn, trace.WithAttributes(
		attribute.String(observability.AttrSessionID, s.ID),
		attribute.String(observability.AttrWorkspaceID, s.Workspace.ID),
	))
	defer span.End()

	start := time.Now()
	final, err := s.iterate(ctx, provider)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordAgentCall(ctx, time.Since(start), 0, err)
	}
	if err != nil {
		return final, err
	}

	s.kickoffLearning(userMessage, final)
	return final, nil
}

// composeUserContent prepends the retrieved knowledge and ACE bullet
// blocks to the user's text, each under its own header.
func (s *Session) composeUserContent(ctx context.Context, userMessage string) string {
	var blocks []string

	knowledgeLimit, knowledgeThreshold := defaultKnowledgeLimit, defaultKnowledgeThreshold
	bulletLimit, bulletThreshold := defaultBulletLimit, defaultBulletThreshold
	if s.tuning != nil {
		knowledgeLimit, knowledgeThreshold = s.tuning.KnowledgeLimit, s.tuning.KnowledgeThreshold
		bulletLimit, bulletThreshold = s.tuning.PlaybookLimit, s.tuning.PlaybookThreshold
	}

	if s.knowledge != nil {
		results, err := s.knowledge.Retrieve(ctx, userMessage, knowledgeLimit, knowledgeThreshold)
		if err != nil {
			s.logger.Warn("knowledge retrieval failed", "error", err)
		} else if len(results) > 0 {
			var sb strings.Builder
			sb.WriteString("## Relevant knowledge\n\n")
			for _, r := range results {
				sb.WriteString(r.Content)
				sb.WriteString("\n\n")
			}
			blocks = append(blocks, strings.TrimSpace(sb.String()))
		}
	}

	if s.playbook != nil {
		bullets, err := s.playbook.RetrieveRelevantBullets(ctx, userMessage, bulletLimit, bulletThreshold)
		if err != nil {
			s.logger.Warn("bullet retrieval failed", "error", err)
		} else if len(bullets) > 0 {
			for _, b := range bullets {
				s.usedBulletIDs = append(s.usedBulletIDs, b.Bullet.ID)
			}
			blocks = append(blocks, "## Playbook strategies\n\n"+ace.RenderRetrieved(bullets))
		}
	}

	if len(blocks) == 0 {
		return userMessage
	}
	return strings.Join(blocks, "\n\n") + "\n\n---\n\n" + userMessage
}

func (s *Session) ensureModel(ctx context.Context) (llms.LLMProvider, error) {
	if s.modelCfg != nil {
		return s.manager.EnsureLoaded(ctx, s.modelCfg)
	}
	provider, ok := s.manager.Active()
	if !ok {
		return nil, model.ErrNoActiveModel
	}
	return provider, nil
}

// iterate runs the tool-call loop up to the configured iteration cap.
func (s *Session) iterate(ctx context.Context, provider llms.LLMProvider) (string, error) {
	for iteration := 1; iteration <= s.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		s.emit(protocol.EventThinking, &protocol.ThinkingPayload{
			Phase:   iteration,
			Message: "thinking",
		})

		content, toolCalls, err := s.streamOnce(ctx, provider)
		if err != nil {
			// Whatever streamed before the failure is still part of the
			// turn; finalize it as unsuccessful.
			s.history = append(s.history, protocol.NewAssistantMessage(content, nil))
			s.emit(protocol.EventMessageFinal, &protocol.MessageFinalPayload{
				Message:  content,
				Metadata: protocol.FinalMetadata{Iterations: iteration, Success: false},
			})
			return content, err
		}

		s.history = append(s.history, protocol.NewAssistantMessage(content, toolCalls))

		if len(toolCalls) == 0 {
			s.emit(protocol.EventMessageFinal, &protocol.MessageFinalPayload{
				Message:  content,
				Metadata: protocol.FinalMetadata{Iterations: iteration, Success: true},
			})
			return content, nil
		}

		for _, call := range toolCalls {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.runToolCall(ctx, call)
		}
	}

	s.emit(protocol.EventMessageFinal, &protocol.MessageFinalPayload{
		Message: fmt.Sprintf("Stopped after %d iterations without a final answer.", s.cfg.MaxIterations),
		Metadata: protocol.FinalMetadata{
			Iterations:           s.cfg.MaxIterations,
			Success:              false,
			MaxIterationsReached: true,
		},
	})
	return "", nil
}

// streamOnce runs one completion, relaying content deltas and collecting
// tool calls. The inference bracket keeps the model resident mid-stream.
func (s *Session) streamOnce(ctx context.Context, provider llms.LLMProvider) (out string, calls []*protocol.ToolCall, err error) {
	if err := s.manager.AcquireInference(); err != nil {
		return "", nil, err
	}
	defer s.manager.ReleaseInference()

	start := time.Now()
	defer func() {
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordLLMCall(ctx, provider.ModelInfo().ModelName, time.Since(start), 0, 0, err)
		}
	}()

	ch, err := provider.Stream(ctx, s.buildMessages(), s.registry.Definitions(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("stream completion: %w", err)
	}

	var content strings.Builder
	var toolCalls []*protocol.ToolCall
	for event := range ch {
		switch event.Type {
		case llms.EventContent:
			content.WriteString(event.Text)
			s.emit(protocol.EventMessageDelta, &protocol.MessageDeltaPayload{Delta: event.Text})
		case llms.EventToolCall:
			toolCalls = append(toolCalls, event.ToolCall)
		case llms.EventDone:
			if event.Text != "" {
				return event.Text, toolCalls, nil
			}
			return content.String(), toolCalls, nil
		case llms.EventError:
			return content.String(), toolCalls, event.Err
		}
	}
	return content.String(), toolCalls, nil
}

func (s *Session) buildMessages() []*protocol.Message {
	var messages []*protocol.Message
	if s.cfg.SystemPrompt != "" {
		messages = append(messages, protocol.NewSystemMessage(s.cfg.SystemPrompt))
	}
	return append(messages, s.history...)
}

// runToolCall executes one tool call through the approval gate and feeds
// the full result back into history.
func (s *Session) runToolCall(ctx context.Context, call *protocol.ToolCall) {
	s.emit(protocol.EventToolUse, &protocol.ToolUsePayload{
		Tool:      call.Name,
		Arguments: call.Args,
	})

	var result *tools.Result
	if approved, denied := s.approve(ctx, call); denied {
		result = &tools.Result{Success: false, Error: "denied"}
	} else if !approved {
		// Cancelled or session closed while awaiting approval.
		result = &tools.Result{Success: false, Error: "denied"}
	} else {
		execCtx, span := tracer.Start(ctx, observability.SpanToolExecution,
			trace.WithAttributes(attribute.String(observability.AttrToolName, call.Name)))
		start := time.Now()
		result = s.registry.Execute(execCtx, call.Name, call.Args)
		span.End()
		if m := observability.GetGlobalMetrics(); m != nil {
			var execErr error
			if !result.Success {
				execErr = errors.New(result.Error)
			}
			m.RecordToolExecution(ctx, call.Name, time.Since(start), execErr)
		}
	}

	s.history = append(s.history, protocol.NewToolMessage(call.ID, call.Name, result))
	s.emit(protocol.EventToolResult, &protocol.ToolResultPayload{
		Tool:   call.Name,
		Result: tools.DisplayResult(call.Name, result),
	})
}

// approve runs the approval policy for one call. Returns (approved,
// denied); (false, false) means the await was interrupted.
func (s *Session) approve(ctx context.Context, call *protocol.ToolCall) (bool, bool) {
	tool, ok := s.registry.Get(call.Name)
	if !ok {
		// Unknown tools go straight to the registry, which fails them.
		return true, false
	}
	if !tool.RequiresApproval() {
		return true, false
	}
	if s.autoApproved(call.Name) {
		return true, false
	}

	if call.Name == "run_command" {
		switch s.commandApproval() {
		case config.CommandApprovalNever:
			return false, true
		case config.CommandApprovalAlways:
			return true, false
		}
	}

	return s.awaitApproval(ctx, tool, call)
}

func (s *Session) autoApproved(name string) bool {
	lists := [][]string{s.cfg.AutoApproveTools}
	if s.policy != nil {
		lists = append(lists, s.policy.AutoApproveTools)
	}
	for _, list := range lists {
		for _, approved := range list {
			if approved == name {
				return true
			}
		}
	}
	return false
}

func (s *Session) commandApproval() string {
	if s.policy != nil && s.policy.CommandApproval != "" {
		return s.policy.CommandApproval
	}
	return s.cfg.CommandApproval
}

// awaitApproval emits an approval_request and blocks until the matching
// response, cancellation, or session close.
func (s *Session) awaitApproval(ctx context.Context, tool tools.Tool, call *protocol.ToolCall) (bool, bool) {
	requestID := uuid.New().String()
	ch := make(chan bool, 1)

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return false, true
	}
	s.approvals[requestID] = ch
	s.stateMu.Unlock()

	s.emit(protocol.EventApprovalRequest, &protocol.ApprovalRequestPayload{
		RequestID: requestID,
		Prompt:    tool.ApprovalPrompt(call.Args),
		Tool:      call.Name,
	})

	select {
	case approved := <-ch:
		if !approved {
			return false, true
		}
		return true, false
	case <-ctx.Done():
		s.stateMu.Lock()
		delete(s.approvals, requestID)
		s.stateMu.Unlock()
		return false, false
	}
}

// kickoffLearning runs the ACE learning loop in the background. Errors
// never surface to the turn.
func (s *Session) kickoffLearning(task, outcome string) {
	if s.learner == nil {
		return
	}

	trajectory := s.renderTrajectory()
	usedIDs := make([]string, len(s.usedBulletIDs))
	copy(usedIDs, s.usedBulletIDs)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("learning loop panicked", "panic", r)
			}
		}()
		s.learner.Learn(context.Background(), task, trajectory, outcome, usedIDs)
	}()
}

// renderTrajectory flattens the turn's history for the reflector. Long
// tool outputs are cut per message so the reflection prompt stays bounded.
func (s *Session) renderTrajectory() string {
	var sb strings.Builder
	for _, msg := range s.history {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, utils.TruncateLines(msg.Content, trajectoryMaxLines))
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&sb, "  -> %s\n", call.Name)
		}
	}
	return sb.String()
}

func (s *Session) emit(eventType string, payload interface{}) {
	event, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		s.logger.Error("failed to encode event", "type", eventType, "error", err)
		return
	}
	s.sink.Send(event)
}

func (s *Session) emitError(code, message string) {
	s.emit(protocol.EventServerError, &protocol.ErrorPayload{
		Error: protocol.ErrorBody{Code: code, Message: message},
	})
}
