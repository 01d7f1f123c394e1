package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// TodoItem is one entry on the session's working plan.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

var todoStatuses = map[string]bool{
	"pending":     true,
	"in_progress": true,
	"completed":   true,
}

// TodoTool lets the model keep a visible working plan for the session.
// The list is per-tool-instance, so each session gets its own.
type TodoTool struct {
	mu    sync.Mutex
	items []TodoItem
}

func (t *TodoTool) Name() string { return "todo_write" }

func (t *TodoTool) Description() string {
	return "Replace the session todo list. Use it to plan multi-step work and track progress."
}

func (t *TodoTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"todos": map[string]any{
			"type":        "array",
			"description": "The complete todo list",
			"items": objectSchema(map[string]any{
				"content": map[string]any{"type": "string"},
				"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
			}, "content", "status"),
		},
	}, "todos")
}

func (t *TodoTool) RequiresApproval() bool { return false }

func (t *TodoTool) ApprovalPrompt(map[string]any) string { return "Update the todo list?" }

func (t *TodoTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	raw, ok := args["todos"].([]any)
	if !ok {
		return Failure("todos must be an array"), nil
	}

	items := make([]TodoItem, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return Failure("todo %d is not an object", i), nil
		}
		content, _ := obj["content"].(string)
		status, _ := obj["status"].(string)
		if strings.TrimSpace(content) == "" {
			return Failure("todo %d has no content", i), nil
		}
		if !todoStatuses[status] {
			return Failure("todo %d has invalid status %q", i, status), nil
		}
		items = append(items, TodoItem{Content: content, Status: status})
	}

	t.mu.Lock()
	t.items = items
	t.mu.Unlock()

	var sb strings.Builder
	for _, item := range items {
		marker := " "
		switch item.Status {
		case "in_progress":
			marker = ">"
		case "completed":
			marker = "x"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", marker, item.Content)
	}

	return &Result{
		Success: true,
		Output:  strings.TrimSpace(sb.String()),
		Data:    map[string]any{"count": len(items)},
	}, nil
}

// Items returns a copy of the current list.
func (t *TodoTool) Items() []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TodoItem, len(t.items))
	copy(out, t.items)
	return out
}
