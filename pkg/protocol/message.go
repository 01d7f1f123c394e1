// Package protocol defines the wire types shared across the Coda server:
// conversation messages, tool calls, session channel events, and the
// error taxonomy surfaced to clients.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's ordered conversation history.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"arguments"`
}

// NewToolCallID generates an id for tool calls synthesized locally
// (inline XML parsing, approval denials).
func NewToolCallID() string {
	return "call_" + uuid.New().String()[:8]
}

// NewSystemMessage creates a system role message.
func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user role message.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant role message with optional tool calls.
func NewAssistantMessage(content string, toolCalls []*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// NewToolMessage creates a tool role message carrying the full JSON result
// of a tool execution, linked back to the originating call.
func NewToolMessage(toolCallID, toolName string, result interface{}) *Message {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}
	return &Message{
		Role:       RoleTool,
		Content:    string(content),
		ToolCallID: toolCallID,
		Name:       toolName,
	}
}
