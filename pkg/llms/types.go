// Package llms provides streaming adapters over the supported LLM backends:
// ollama, openai-compatible servers (vLLM, llama.cpp), anthropic, and gemini.
// Every provider exposes the same event stream; tool calls arrive either as
// native structured events or as inline XML recovered from content at the
// end of the stream.
package llms

import (
	"context"

	"github.com/kadirpekel/coda/pkg/protocol"
)

// StreamEventType discriminates events on a completion stream.
type StreamEventType string

const (
	EventContent  StreamEventType = "content"
	EventToolCall StreamEventType = "tool_call"
	EventDone     StreamEventType = "done"
	EventError    StreamEventType = "error"
)

// StreamEvent is one event on a completion stream. Exactly one terminal
// event (done or error) is delivered per response, after which the channel
// is closed.
type StreamEvent struct {
	Type StreamEventType

	// Text carries an incremental fragment for content events, and the
	// final cleaned content for done events.
	Text string

	// ToolCall is set on tool_call events.
	ToolCall *protocol.ToolCall

	// Meta carries backend metadata on done events (token counts,
	// durations).
	Meta map[string]any

	// Err is set on error events.
	Err error
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamOptions carries per-request generation settings.
type StreamOptions struct {
	Temperature   *float64
	MaxTokens     int
	ContextWindow int

	// ResponseFormat requests structured output: "json" or empty.
	ResponseFormat string
}

// LLMProvider is the unified streaming interface over the backends.
type LLMProvider interface {
	// Stream starts a completion and returns its event channel. The
	// channel is closed by the provider after the terminal event.
	Stream(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) (<-chan StreamEvent, error)

	// ModelInfo describes the loaded model for the hello handshake.
	ModelInfo() protocol.ModelInfo

	// SupportsUnload reports whether the backend can evict the model.
	// Hosted APIs and servers without a release endpoint return false.
	SupportsUnload() bool

	// Unload evicts the model from backend memory. Providers that report
	// SupportsUnload() == false return ErrUnloadUnsupported.
	Unload(ctx context.Context) error

	Close() error
}

// streamBufferSize is the event channel capacity. Large enough that a slow
// consumer doesn't stall the HTTP read loop on typical responses.
const streamBufferSize = 100

// finishStream emits the terminal events for an accumulated response:
// native tool calls when the backend produced them, otherwise tool calls
// recovered from inline XML in the content, then exactly one done event
// carrying the final (cleaned) content.
func finishStream(ch chan<- StreamEvent, content string, native []*protocol.ToolCall, meta map[string]any) {
	calls := native
	if len(calls) == 0 {
		content, calls = ParseXMLToolCalls(content)
	}
	for _, call := range calls {
		ch <- StreamEvent{Type: EventToolCall, ToolCall: call}
	}
	ch <- StreamEvent{Type: EventDone, Text: content, Meta: meta}
}
