package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewToolMessage(t *testing.T) {
	result := map[string]interface{}{
		"success": true,
		"content": "ok",
	}

	msg := NewToolMessage("call_123", "read_file", result)

	if msg.Role != RoleTool {
		t.Errorf("expected role tool, got %s", msg.Role)
	}
	if msg.ToolCallID != "call_123" {
		t.Errorf("expected tool call id call_123, got %s", msg.ToolCallID)
	}
	if msg.Name != "read_file" {
		t.Errorf("expected name read_file, got %s", msg.Name)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Content), &decoded); err != nil {
		t.Fatalf("tool message content is not valid JSON: %v", err)
	}
	if decoded["success"] != true {
		t.Errorf("expected success true in content, got %v", decoded["success"])
	}
}

func TestNewToolCallID(t *testing.T) {
	id := NewToolCallID()
	if !strings.HasPrefix(id, "call_") {
		t.Errorf("expected call_ prefix, got %s", id)
	}
	if id == NewToolCallID() {
		t.Error("expected unique ids")
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventMessageDelta, MessageDeltaPayload{Delta: "hello"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if ev.Type != EventMessageDelta {
		t.Errorf("expected type %s, got %s", EventMessageDelta, ev.Type)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back Event
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	var payload MessageDeltaPayload
	if err := back.Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Delta != "hello" {
		t.Errorf("expected delta hello, got %q", payload.Delta)
	}
}

func TestEventWithoutPayload(t *testing.T) {
	ev, err := NewEvent(EventClientPing, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if len(ev.Data) != 0 {
		t.Errorf("expected empty data, got %s", ev.Data)
	}

	var dst PongPayload
	if err := ev.Decode(&dst); err != nil {
		t.Errorf("decode of empty payload should be a no-op, got %v", err)
	}
}

func TestAgentErrorKind(t *testing.T) {
	base := errors.New("connection refused")
	err := WrapAgentError(ErrKindProviderUnavailable, "no active model", base)

	if KindOf(err) != ErrKindProviderUnavailable {
		t.Errorf("expected provider_unavailable, got %s", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to unwrap to base")
	}

	wrapped := WrapAgentError(ErrKindToolFailure, "outer", err)
	if KindOf(wrapped) != ErrKindToolFailure {
		t.Errorf("expected outermost kind to win, got %s", KindOf(wrapped))
	}
}

func TestKindOfSentinels(t *testing.T) {
	if KindOf(ErrNotFound) != ErrKindNotFound {
		t.Errorf("expected not_found for sentinel")
	}
	if KindOf(ErrStorageUnavailable) != ErrKindStorageUnavailable {
		t.Errorf("expected storage_unavailable for sentinel")
	}
	if KindOf(errors.New("misc")) != "" {
		t.Errorf("expected empty kind for unclassified error")
	}
}
