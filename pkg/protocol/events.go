package protocol

import (
	"encoding/json"
	"fmt"
)

// Session channel event types. Names are wire contract; both sides dispatch
// on the Type field of the Event envelope.
const (
	// Server -> client
	EventServerHello     = "server.hello"
	EventServerPong      = "server.pong"
	EventServerError     = "server.error"
	EventThinking        = "assistant.thinking"
	EventMessageDelta    = "assistant.message_delta"
	EventToolUse         = "assistant.tool_use"
	EventToolResult      = "assistant.tool_result"
	EventApprovalRequest = "assistant.approval_request"
	EventMessageFinal    = "assistant.message_final"

	// Client -> server
	EventClientHello      = "client.hello"
	EventClientPing       = "client.ping"
	EventUserMessage      = "client.user_message"
	EventApprovalResponse = "client.approval_response"
	EventCancel           = "client.cancel"
)

// ProtocolVersion is negotiated in the hello exchange.
const ProtocolVersion = "1"

// Event is one frame on the session channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals a payload into an event frame.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	if payload == nil {
		return &Event{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Data: data}, nil
}

// Decode unmarshals the event payload into dst.
func (e *Event) Decode(dst interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ModelInfo describes the active model in the hello handshake.
type ModelInfo struct {
	Provider     string            `json:"provider"`
	ModelName    string            `json:"model_name"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
}

// ServerInfo describes the server in the hello handshake.
type ServerInfo struct {
	Version      string          `json:"version"`
	Model        *ModelInfo      `json:"model,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// HelloPayload is sent by the server on connect.
type HelloPayload struct {
	ProtocolVersion string     `json:"protocol_version"`
	ServerInfo      ServerInfo `json:"server_info"`
}

// ClientHelloPayload identifies the connecting client.
type ClientHelloPayload struct {
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"client_info"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ThinkingPayload marks the start of a reasoning step.
type ThinkingPayload struct {
	Phase   int    `json:"phase"`
	Message string `json:"message"`
}

// MessageDeltaPayload carries one streamed content fragment.
type MessageDeltaPayload struct {
	Delta string `json:"delta"`
}

// ToolUsePayload announces a tool invocation.
type ToolUsePayload struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResultPayload carries the display-sized result of a tool invocation.
type ToolResultPayload struct {
	Tool   string      `json:"tool"`
	Result interface{} `json:"result"`
}

// ApprovalRequestPayload asks the client to approve a tool execution.
type ApprovalRequestPayload struct {
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt"`
	Tool      string `json:"tool"`
}

// ApprovalResponsePayload resolves a pending approval request.
type ApprovalResponsePayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// FinalMetadata summarizes a finished turn.
type FinalMetadata struct {
	Iterations           int  `json:"iterations"`
	Success              bool `json:"success"`
	MaxIterationsReached bool `json:"max_iterations_reached,omitempty"`
}

// MessageFinalPayload carries the terminal assistant message of a turn.
type MessageFinalPayload struct {
	Message  string        `json:"message"`
	Metadata FinalMetadata `json:"metadata"`
}

// UserMessagePayload is a user turn submitted by the client.
type UserMessagePayload struct {
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// ErrorPayload is a structured error surfaced to the client.
type ErrorPayload struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the taxonomy code and human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
