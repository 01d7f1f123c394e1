package model

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/protocol"
)

// fakeProvider is a scripted provider whose streams immediately complete.
type fakeProvider struct {
	mu           sync.Mutex
	model        string
	canUnload    bool
	unloadCalls  int
	streamCalls  int
	closed       bool
}

func (f *fakeProvider) Stream(ctx context.Context, messages []*protocol.Message, tools []llms.ToolDefinition, opts *llms.StreamOptions) (<-chan llms.StreamEvent, error) {
	f.mu.Lock()
	f.streamCalls++
	f.mu.Unlock()

	ch := make(chan llms.StreamEvent, 2)
	ch <- llms.StreamEvent{Type: llms.EventContent, Text: "ok"}
	ch <- llms.StreamEvent{Type: llms.EventDone, Text: "ok"}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ModelInfo() protocol.ModelInfo {
	return protocol.ModelInfo{Provider: "fake", ModelName: f.model}
}

func (f *fakeProvider) SupportsUnload() bool { return f.canUnload }

func (f *fakeProvider) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.canUnload {
		return llms.ErrUnloadUnsupported
	}
	f.unloadCalls++
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fakeFactory(providers map[string]*fakeProvider) Factory {
	return func(cfg *config.ModelConfig) (llms.LLMProvider, error) {
		p, ok := providers[cfg.Model]
		if !ok {
			return nil, errors.New("no such model")
		}
		return p, nil
	}
}

func testConfig(model string) *config.ModelConfig {
	return &config.ModelConfig{Provider: config.ModelProviderOllama, Model: model, Host: "http://localhost:11434"}
}

func TestSwitchLoadsAndWarms(t *testing.T) {
	p := &fakeProvider{model: "a", canUnload: true}
	m := NewManager(WithFactory(fakeFactory(map[string]*fakeProvider{"a": p})))

	provider, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)
	assert.Same(t, llms.LLMProvider(p), provider)
	// Warmup generation happened.
	assert.Equal(t, 1, p.streamCalls)

	active, ok := m.Active()
	require.True(t, ok)
	assert.Same(t, llms.LLMProvider(p), active)
}

func TestSwitchSameConfigIsFastPath(t *testing.T) {
	p := &fakeProvider{model: "a"}
	m := NewManager(WithFactory(fakeFactory(map[string]*fakeProvider{"a": p})))

	_, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)

	cfg := testConfig("a")
	cfg.ContextWindow = 16384
	_, err = m.Switch(context.Background(), cfg)
	require.NoError(t, err)

	// No second load or warmup.
	assert.Equal(t, 1, p.streamCalls)
	got, ok := m.ActiveConfig()
	require.True(t, ok)
	assert.Equal(t, 16384, got.ContextWindow)
}

func TestSwitchUnloadsPrevious(t *testing.T) {
	a := &fakeProvider{model: "a", canUnload: true}
	b := &fakeProvider{model: "b", canUnload: true}
	m := NewManager(WithFactory(fakeFactory(map[string]*fakeProvider{"a": a, "b": b})))

	_, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)
	_, err = m.Switch(context.Background(), testConfig("b"))
	require.NoError(t, err)

	assert.Equal(t, 1, a.unloadCalls)
	active, _ := m.Active()
	assert.Same(t, llms.LLMProvider(b), active)
}

func TestSwitchBlocksOnRefcount(t *testing.T) {
	a := &fakeProvider{model: "a", canUnload: true}
	b := &fakeProvider{model: "b", canUnload: true}
	m := NewManager(
		WithFactory(fakeFactory(map[string]*fakeProvider{"a": a, "b": b})),
		WithSwitchTimeout(5*time.Second),
	)

	_, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)

	// Two in-flight streams.
	require.NoError(t, m.AcquireInference())
	require.NoError(t, m.AcquireInference())

	switched := make(chan error, 1)
	go func() {
		_, err := m.Switch(context.Background(), testConfig("b"))
		switched <- err
	}()

	// The switch must not complete while streams are registered.
	select {
	case err := <-switched:
		t.Fatalf("switch completed with refcount held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.ReleaseInference()
	select {
	case err := <-switched:
		t.Fatalf("switch completed with one release remaining: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.ReleaseInference()
	select {
	case err := <-switched:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("switch did not complete after both releases")
	}

	active, _ := m.Active()
	assert.Same(t, llms.LLMProvider(b), active)
}

func TestSwitchTimesOutAndKeepsCurrent(t *testing.T) {
	a := &fakeProvider{model: "a", canUnload: true}
	b := &fakeProvider{model: "b", canUnload: true}
	m := NewManager(
		WithFactory(fakeFactory(map[string]*fakeProvider{"a": a, "b": b})),
		WithSwitchTimeout(50*time.Millisecond),
	)

	_, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)
	require.NoError(t, m.AcquireInference())
	defer m.ReleaseInference()

	_, err = m.Switch(context.Background(), testConfig("b"))
	assert.ErrorIs(t, err, ErrSwitchTimeout)

	// Current model untouched.
	assert.Equal(t, 0, a.unloadCalls)
	active, ok := m.Active()
	require.True(t, ok)
	assert.Same(t, llms.LLMProvider(a), active)
}

func TestSwitchRollsBackOnLoadFailure(t *testing.T) {
	a := &fakeProvider{model: "a", canUnload: true}
	m := NewManager(WithFactory(fakeFactory(map[string]*fakeProvider{"a": a})))

	_, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)

	_, err = m.Switch(context.Background(), testConfig("missing"))
	require.Error(t, err)

	// Previous model reloaded.
	active, ok := m.Active()
	require.True(t, ok)
	assert.Same(t, llms.LLMProvider(a), active)
}

func TestAcquireWithoutModelFails(t *testing.T) {
	m := NewManager(WithFactory(fakeFactory(nil)))
	assert.ErrorIs(t, m.AcquireInference(), ErrNoActiveModel)
}

func TestShutdownUnloads(t *testing.T) {
	a := &fakeProvider{model: "a", canUnload: true}
	m := NewManager(WithFactory(fakeFactory(map[string]*fakeProvider{"a": a})))

	_, err := m.Switch(context.Background(), testConfig("a"))
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	assert.Equal(t, 1, a.unloadCalls)
	assert.True(t, a.closed)
	_, ok := m.Active()
	assert.False(t, ok)
}
