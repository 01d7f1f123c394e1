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

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.ModelConfig{
		Provider: config.ModelProviderOpenAI,
		Model:    "test-model",
		Host:     server.URL,
		APIKey:   "test-key",
	}
	cfg.SetDefaults()
	cfg.Host = server.URL

	provider, err := NewOpenAIProvider(cfg)
	require.NoError(t, err)
	return provider
}

func TestOpenAIStreamContent(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"Found "}}]}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"3 files."}}]}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4}}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `data: [DONE]`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("list files"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "Found ", events[0].Text)
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "Found 3 files.", events[2].Text)
	assert.Equal(t, 12, events[2].Meta["prompt_tokens"])
}

func TestOpenAIStreamToolCallFragments(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"file_"}}]}}]}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"path\":\"a.go\"}"}}]}}]}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `data: [DONE]`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("read a.go"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "call_1", events[0].ToolCall.ID)
	assert.Equal(t, "read_file", events[0].ToolCall.Name)
	assert.Equal(t, "a.go", events[0].ToolCall.Args["file_path"])
	assert.Equal(t, EventDone, events[1].Type)
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"error":{"message":"invalid api key"}}`)
	})

	ch, err := provider.Stream(context.Background(), []*protocol.Message{
		protocol.NewUserMessage("hi"),
	}, nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Err.Error(), "401")
}

func TestOpenAIUnloadUnsupported(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.False(t, provider.SupportsUnload())
	assert.ErrorIs(t, provider.Unload(context.Background()), ErrUnloadUnsupported)
}
