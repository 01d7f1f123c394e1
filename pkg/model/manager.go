// Package model owns the single active LLM client. At most one model is
// resident at a time; switches are globally serialized and wait for
// in-flight inference streams to drain before the old model is unloaded.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/protocol"
)

var (
	// ErrSwitchTimeout is returned when in-flight inference does not drain
	// within the switch deadline. The current model stays active.
	ErrSwitchTimeout = errors.New("model switch timed out waiting for in-flight requests")

	// ErrNoActiveModel is returned by Active when nothing is loaded.
	ErrNoActiveModel = errors.New("no active model")
)

const (
	// defaultSwitchTimeout bounds the wait for the inference refcount to
	// reach zero before a switch fails.
	defaultSwitchTimeout = 30 * time.Second

	// unloadSettleDelay gives the backend a moment to actually release
	// memory between unload and load.
	unloadSettleDelay = 500 * time.Millisecond
)

// Factory builds a provider from config. Injected so tests can substitute
// scripted providers.
type Factory func(cfg *config.ModelConfig) (llms.LLMProvider, error)

// Manager serializes model lifecycle around a refcount of in-flight
// inference streams. The switch mutex and the refcount lock are disjoint:
// the refcount lock only guards counter mutation.
type Manager struct {
	factory       Factory
	switchTimeout time.Duration
	logger        *slog.Logger

	switchMu sync.Mutex // serializes switch/shutdown
	stateMu  sync.RWMutex
	active   llms.LLMProvider
	cfg      *config.ModelConfig

	refMu    sync.Mutex
	refCount int
	refZero  chan struct{} // closed when refCount drops to zero
}

// Option configures the manager.
type Option func(*Manager)

// WithFactory overrides the provider factory.
func WithFactory(f Factory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithSwitchTimeout overrides the refcount drain deadline.
func WithSwitchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.switchTimeout = d }
}

// WithLogger overrides the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty manager. No model is loaded until the first
// Switch or EnsureLoaded call.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		factory:       llms.New,
		switchTimeout: defaultSwitchTimeout,
		logger:        slog.Default(),
		refZero:       make(chan struct{}),
	}
	close(m.refZero) // zero at rest
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Active returns the current provider, or false when nothing is loaded.
func (m *Manager) Active() (llms.LLMProvider, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.active, m.active != nil
}

// ActiveConfig returns a copy of the active model's config.
func (m *Manager) ActiveConfig() (config.ModelConfig, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.cfg == nil {
		return config.ModelConfig{}, false
	}
	return *m.cfg, true
}

// AcquireInference registers an in-flight stream. Callers MUST pair it
// with ReleaseInference; the bracket blocks unloads mid-stream.
func (m *Manager) AcquireInference() error {
	m.stateMu.RLock()
	loaded := m.active != nil
	m.stateMu.RUnlock()
	if !loaded {
		return ErrNoActiveModel
	}

	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.refCount == 0 {
		m.refZero = make(chan struct{})
	}
	m.refCount++
	return nil
}

// ReleaseInference unregisters an in-flight stream.
func (m *Manager) ReleaseInference() {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.refCount == 0 {
		return
	}
	m.refCount--
	if m.refCount == 0 {
		close(m.refZero)
	}
}

// InflightRequests reports the current refcount.
func (m *Manager) InflightRequests() int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.refCount
}

// EnsureLoaded loads cfg if nothing equal is active. A no-op when the
// active model already matches.
func (m *Manager) EnsureLoaded(ctx context.Context, cfg *config.ModelConfig) (llms.LLMProvider, error) {
	m.stateMu.RLock()
	if m.cfg != nil && m.cfg.Equal(cfg) {
		active := m.active
		m.stateMu.RUnlock()
		return active, nil
	}
	m.stateMu.RUnlock()
	return m.Switch(ctx, cfg)
}

// Switch makes cfg the active model. Same-config requests return the
// current provider after absorbing runtime settings (context window,
// temperature). Otherwise: wait for in-flight streams, unload, settle,
// load, warm up, commit. Load failure after a successful unload rolls back
// to the previous config once; if that also fails the manager is left
// unloaded and the original error is returned.
func (m *Manager) Switch(ctx context.Context, cfg *config.ModelConfig) (llms.LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.stateMu.Lock()
	if m.cfg != nil && m.cfg.Equal(cfg) {
		m.cfg.ContextWindow = cfg.ContextWindow
		m.cfg.Temperature = cfg.Temperature
		active := m.active
		m.stateMu.Unlock()
		return active, nil
	}
	previous := m.active
	previousCfg := m.cfg
	m.stateMu.Unlock()

	if previous != nil {
		if err := m.waitForDrain(ctx); err != nil {
			return nil, err
		}

		m.unload(ctx, previous, previousCfg)

		m.stateMu.Lock()
		m.active = nil
		m.cfg = nil
		m.stateMu.Unlock()

		select {
		case <-time.After(unloadSettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	provider, err := m.loadAndWarm(ctx, cfg)
	if err != nil {
		if previousCfg != nil {
			m.logger.Warn("model load failed, rolling back",
				"model", cfg.Model, "previous", previousCfg.Model, "error", err)
			if rollback, rbErr := m.loadAndWarm(ctx, previousCfg); rbErr == nil {
				m.commit(rollback, previousCfg)
				return nil, fmt.Errorf("failed to load model %q (rolled back to %q): %w",
					cfg.Model, previousCfg.Model, err)
			}
			m.logger.Error("rollback load failed, no model active", "model", previousCfg.Model)
		}
		return nil, fmt.Errorf("failed to load model %q: %w", cfg.Model, err)
	}

	m.commit(provider, cfg)
	m.logger.Info("model switched", "provider", cfg.Provider, "model", cfg.Model)
	return provider, nil
}

// Shutdown drains in-flight requests, unloads the active model, and leaves
// the manager empty.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.stateMu.Lock()
	active := m.active
	cfg := m.cfg
	m.active = nil
	m.cfg = nil
	m.stateMu.Unlock()

	if active == nil {
		return nil
	}

	if err := m.waitForDrain(ctx); err != nil {
		m.logger.Warn("shutdown proceeding without full drain", "error", err)
	}
	m.unload(ctx, active, cfg)
	return active.Close()
}

func (m *Manager) waitForDrain(ctx context.Context) error {
	m.refMu.Lock()
	done := m.refZero
	pending := m.refCount
	m.refMu.Unlock()
	if pending == 0 {
		return nil
	}

	m.logger.Debug("waiting for in-flight inference to drain", "count", pending)
	select {
	case <-done:
		return nil
	case <-time.After(m.switchTimeout):
		return ErrSwitchTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unload(ctx context.Context, provider llms.LLMProvider, cfg *config.ModelConfig) {
	if !provider.SupportsUnload() {
		m.logger.Debug("provider does not support unload, dropping handle")
		return
	}
	if err := provider.Unload(ctx); err != nil && !errors.Is(err, llms.ErrUnloadUnsupported) {
		name := ""
		if cfg != nil {
			name = cfg.Model
		}
		m.logger.Warn("model unload failed", "model", name, "error", err)
	}
}

// loadAndWarm constructs the provider and issues a one-token generation to
// force residency so the first user turn doesn't absorb the load latency.
func (m *Manager) loadAndWarm(ctx context.Context, cfg *config.ModelConfig) (llms.LLMProvider, error) {
	provider, err := m.factory(cfg)
	if err != nil {
		return nil, err
	}

	ch, err := provider.Stream(ctx, []*protocol.Message{
		protocol.NewUserMessage("hi"),
	}, nil, &llms.StreamOptions{MaxTokens: 1})
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("warmup failed: %w", err)
	}

	for ev := range ch {
		if ev.Type == llms.EventError {
			_ = provider.Close()
			return nil, fmt.Errorf("warmup failed: %w", ev.Err)
		}
	}

	return provider, nil
}

func (m *Manager) commit(provider llms.LLMProvider, cfg *config.ModelConfig) {
	copied := *cfg
	m.stateMu.Lock()
	m.active = provider
	m.cfg = &copied
	m.stateMu.Unlock()
}
