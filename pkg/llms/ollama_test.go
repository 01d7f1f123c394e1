package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/protocol"
)

func newOllamaTestProvider(t *testing.T, handler http.HandlerFunc) *OllamaProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.ModelConfig{
		Provider: config.ModelProviderOllama,
		Model:    "test-model",
		Host:     server.URL,
	}
	cfg.SetDefaults()
	cfg.Host = server.URL

	provider, err := NewOllamaProvider(cfg)
	require.NoError(t, err)
	return provider
}

func collectEvents(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestOllamaStreamContent(t *testing.T) {
	provider := newOllamaTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" world"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":2}`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("hi"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, EventContent, events[1].Type)
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "Hello world", events[2].Text)
	assert.Equal(t, 10, events[2].Meta["prompt_tokens"])
}

func TestOllamaStreamNativeToolCall(t *testing.T) {
	provider := newOllamaTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"list_files","arguments":{"directory":"."}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("list files"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "list_files", events[0].ToolCall.Name)
	assert.Equal(t, ".", events[0].ToolCall.Args["directory"])
	assert.Equal(t, EventDone, events[1].Type)
}

func TestOllamaStreamInlineXMLToolCall(t *testing.T) {
	provider := newOllamaTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"sure<function=read_file><parameter=file_path>README.md</parameter></function>done"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("read the readme"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	// One raw content delta, the recovered tool call, then done with
	// cleaned content.
	require.Len(t, events, 3)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Equal(t, EventToolCall, events[1].Type)
	assert.Equal(t, "read_file", events[1].ToolCall.Name)
	assert.Equal(t, "README.md", events[1].ToolCall.Args["file_path"])
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "suredone", events[2].Text)
}

func TestOllamaStreamAPIError(t *testing.T) {
	provider := newOllamaTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"model not found"}`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("hi"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Err.Error(), "model not found")
}

func TestOllamaStreamMidStreamError(t *testing.T) {
	provider := newOllamaTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("hi"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventContent, events[0].Type)
	// Terminal error, no partial done.
	assert.Equal(t, EventError, events[1].Type)
}

func TestOllamaUnload(t *testing.T) {
	var gotKeepAlive bool
	provider := newOllamaTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotKeepAlive = true
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	assert.True(t, provider.SupportsUnload())
	require.NoError(t, provider.Unload(context.Background()))
	assert.True(t, gotKeepAlive)
}
