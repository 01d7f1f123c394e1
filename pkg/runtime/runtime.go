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

// Package runtime is the composition root: it wires configuration into
// the store, vector provider, model manager, indexing, retrieval,
// learning, and the session server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kadirpekel/coda/pkg/ace"
	"github.com/kadirpekel/coda/pkg/agent"
	"github.com/kadirpekel/coda/pkg/auth"
	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/embedders"
	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/model"
	"github.com/kadirpekel/coda/pkg/observability"
	"github.com/kadirpekel/coda/pkg/protocol"
	"github.com/kadirpekel/coda/pkg/rag"
	"github.com/kadirpekel/coda/pkg/retrieval"
	"github.com/kadirpekel/coda/pkg/server"
	"github.com/kadirpekel/coda/pkg/store"
	"github.com/kadirpekel/coda/pkg/tools"
	"github.com/kadirpekel/coda/pkg/vector"
)

// defaultModuleID tags the playbook and workspace index when no module
// is configured to claim them.
const defaultModuleID = "default"

// Runtime owns every long-lived component of a coda process.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	vectors  vector.Provider
	embedder embedders.Embedder
	manager  *model.Manager

	indexer          *rag.Indexer
	knowledgeIndexer *rag.KnowledgeIndexer
	workspaceSearch  *retrieval.WorkspaceRetriever
	knowledgeSearch  *retrieval.KnowledgeRetriever

	playbook *ace.Playbook
	learner  *ace.Learner

	mcp []*tools.MCPSource

	obs    *observability.Manager
	server *server.Server

	mu       sync.Mutex
	watchers map[string]*rag.Watcher
}

// Option configures the runtime.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	managerOpts []model.Option
}

// WithLogger overrides the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithManagerOptions passes options through to the model manager. Tests
// use it to inject a provider factory.
func WithManagerOptions(opts ...model.Option) Option {
	return func(o *options) { o.managerOpts = opts }
}

// New wires a runtime from configuration. Nothing is started yet; call
// Start to load the model, index knowledge, and serve.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With("component", "runtime")

	st, err := store.Open(&cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	vectors, err := vector.New(&cfg.Vector)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create vector provider: %w", err)
	}

	embedder, err := embedders.New(&cfg.Embedder)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	managerOpts := append([]model.Option{model.WithLogger(o.logger)}, o.managerOpts...)
	manager := model.NewManager(managerOpts...)

	indexer, err := rag.NewIndexer(st, vectors, embedder, &cfg.Indexing, defaultModuleID, o.logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create indexer: %w", err)
	}

	knowledgeIndexer, err := rag.NewKnowledgeIndexer(vectors, embedder, &cfg.Indexing, o.logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create knowledge indexer: %w", err)
	}

	workspaceSearch, err := retrieval.NewWorkspaceRetriever(st, vectors, embedder, o.logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create workspace retriever: %w", err)
	}

	knowledgeSearch, err := retrieval.NewKnowledgeRetriever(vectors, embedder, knowledgeModuleID(cfg), o.logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create knowledge retriever: %w", err)
	}

	rt := &Runtime{
		cfg:              cfg,
		logger:           logger,
		store:            st,
		vectors:          vectors,
		embedder:         embedder,
		manager:          manager,
		indexer:          indexer,
		knowledgeIndexer: knowledgeIndexer,
		workspaceSearch:  workspaceSearch,
		knowledgeSearch:  knowledgeSearch,
		watchers:         make(map[string]*rag.Watcher),
	}

	if cfg.ACE.Enabled == nil || *cfg.ACE.Enabled {
		rt.playbook = ace.NewPlaybook(defaultModuleID, vectors, embedder, o.logger)
		completer := &managerCompleter{manager: manager}
		reflector := ace.NewReflector(completer, o.logger)
		curator := ace.NewCurator(rt.playbook, completer, o.logger)
		rt.learner = ace.NewLearner(rt.playbook, reflector, curator, o.logger)
	}

	for _, mcfg := range cfg.Tools.MCP {
		rt.mcp = append(rt.mcp, tools.NewMCPSource(mcfg, o.logger))
	}

	rt.obs = observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:      cfg.Observability.Tracing.Enabled,
			EndpointURL:  cfg.Observability.Tracing.Endpoint,
			SamplingRate: cfg.Observability.Tracing.SampleRate,
			ServiceName:  cfg.Observability.Tracing.ServiceName,
		},
		Metrics: observability.MetricsConfig{
			Enabled: cfg.Observability.Metrics.Enabled != nil && *cfg.Observability.Metrics.Enabled,
		},
	})
	if err := rt.obs.Initialize(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize observability: %w", err)
	}

	serverOpts := []server.Option{
		server.WithLogger(o.logger),
		server.WithWorkspaceSearch(workspaceSearch),
	}
	if cfg.Observability.Tracing.Enabled {
		serverOpts = append(serverOpts,
			server.WithHTTPMiddleware(observability.HTTPMiddleware(rt.obs.GetTracer("coda.server"))))
	}

	validator, err := auth.NewValidatorFromConfig(&cfg.Auth)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create auth validator: %w", err)
	}
	if validator != nil {
		serverOpts = append(serverOpts, server.WithAuthMiddleware(validator.HTTPMiddleware))
	}

	rt.server = server.New(&cfg.Server, st, manager, rt.buildSession, serverOpts...)
	return rt, nil
}

// Server exposes the transport, mainly so tests can mount its router.
func (rt *Runtime) Server() *server.Server { return rt.server }

// Store exposes the relational store.
func (rt *Runtime) Store() *store.Store { return rt.store }

// Manager exposes the model manager.
func (rt *Runtime) Manager() *model.Manager { return rt.manager }

// Indexer exposes the workspace indexer for explicit reindex commands.
func (rt *Runtime) Indexer() *rag.Indexer { return rt.indexer }

// Bootstrap loads the model, indexes knowledge modules, and restores
// the playbook. Serve and one-shot commands share it.
func (rt *Runtime) Bootstrap(ctx context.Context) error {
	if _, err := rt.manager.EnsureLoaded(ctx, &rt.cfg.Model); err != nil {
		return fmt.Errorf("load model %s: %w", rt.cfg.Model.Model, err)
	}

	if len(rt.cfg.Knowledge.Modules) > 0 {
		if err := rt.knowledgeIndexer.IndexModules(ctx, &rt.cfg.Knowledge); err != nil {
			rt.logger.Warn("knowledge indexing failed", "error", err)
		}
	}

	if rt.playbook != nil {
		if err := rt.playbook.LoadFromVectorDB(ctx); err != nil {
			rt.logger.Warn("playbook restore failed", "error", err)
		} else {
			rt.logger.Info("playbook restored", "bullets", rt.playbook.Len())
		}
	}
	return nil
}

// Start bootstraps, starts watchers for known workspaces, and serves
// until ctx is cancelled.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Bootstrap(ctx); err != nil {
		return err
	}

	workspaces, err := rt.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if err := rt.ensureWatcher(ctx, ws); err != nil {
			rt.logger.Warn("watcher startup failed", "workspace", ws.ID, "error", err)
		}
	}

	return rt.server.ListenAndServe(ctx)
}

// Shutdown stops watchers, disconnects MCP servers, drains the model,
// and closes the store.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	rt.mu.Lock()
	watchers := make([]*rag.Watcher, 0, len(rt.watchers))
	for _, w := range rt.watchers {
		watchers = append(watchers, w)
	}
	rt.watchers = make(map[string]*rag.Watcher)
	rt.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}

	for _, src := range rt.mcp {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := rt.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.vectors.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OpenSession builds a session outside the server, for the interactive
// chat command.
func (rt *Runtime) OpenSession(sessionID string, ws *store.Workspace, sink agent.EventSink) (*agent.Session, error) {
	return rt.buildSession(sessionID, ws, sink)
}

// EnsureWorkspace finds the workspace registered for root, creating it
// when absent.
func (rt *Runtime) EnsureWorkspace(ctx context.Context, root string) (*store.Workspace, error) {
	workspaces, err := rt.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ws := range workspaces {
		if ws.RootPath == root {
			return ws, nil
		}
	}

	ws := &store.Workspace{Name: filepath.Base(root), RootPath: root}
	if err := rt.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// IndexKnowledge rebuilds the configured knowledge modules.
func (rt *Runtime) IndexKnowledge(ctx context.Context) error {
	return rt.knowledgeIndexer.IndexModules(ctx, &rt.cfg.Knowledge)
}

// buildSession is the server's session factory: one tool registry and
// agent session per connection.
func (rt *Runtime) buildSession(sessionID string, ws *store.Workspace, sink agent.EventSink) (*agent.Session, error) {
	registry := tools.NewRegistry()
	builtin := []tools.Tool{
		&tools.ReadFileTool{Root: ws.RootPath},
		&tools.WriteFileTool{Root: ws.RootPath},
		&tools.ListFilesTool{Root: ws.RootPath},
		tools.NewCommandTool(ws.RootPath, &rt.cfg.Tools.Command),
		&tools.SearchTool{Workspace: ws, Retriever: rt.workspaceSearch},
		&tools.TodoTool{},
	}
	for _, t := range builtin {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}

	ctx := context.Background()
	for _, src := range rt.mcp {
		remote, err := src.Tools(ctx)
		if err != nil {
			rt.logger.Warn("mcp server unavailable", "server", src.Name(), "error", err)
			continue
		}
		for _, t := range remote {
			if err := registry.Register(t); err != nil {
				rt.logger.Warn("mcp tool rejected", "tool", t.Name(), "error", err)
			}
		}
	}

	opts := []agent.Option{
		agent.WithLogger(rt.logger),
		agent.WithKnowledge(rt.knowledgeSearch),
		agent.WithRetrievalConfig(&rt.cfg.Retrieval),
	}

	policy, err := rt.store.GetPolicy(ctx, ws.ID)
	if err != nil {
		rt.logger.Warn("policy lookup failed", "workspace", ws.ID, "error", err)
	} else {
		opts = append(opts, agent.WithPolicy(policy))
	}

	if rt.playbook != nil {
		opts = append(opts, agent.WithPlaybook(rt.playbook))
	}
	if rt.learner != nil {
		opts = append(opts, agent.WithLearner(rt.learner))
	}

	if err := rt.ensureWatcher(ctx, ws); err != nil {
		rt.logger.Warn("watcher startup failed", "workspace", ws.ID, "error", err)
	}

	return agent.NewSession(sessionID, ws, &rt.cfg.Agent, rt.manager, registry, sink, opts...), nil
}

// ensureWatcher starts the filesystem watcher for a workspace the first
// time it is seen and kicks off an initial index pass in the background.
func (rt *Runtime) ensureWatcher(ctx context.Context, ws *store.Workspace) error {
	rt.mu.Lock()
	if _, ok := rt.watchers[ws.ID]; ok {
		rt.mu.Unlock()
		return nil
	}
	rt.mu.Unlock()

	watcher, err := rag.NewWatcher(ws, rt.indexer, &rt.cfg.Indexing, rt.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(context.Background()); err != nil {
		return err
	}

	rt.mu.Lock()
	if _, ok := rt.watchers[ws.ID]; ok {
		rt.mu.Unlock()
		watcher.Stop()
		return nil
	}
	rt.watchers[ws.ID] = watcher
	rt.mu.Unlock()

	go func() {
		stats, err := rt.indexer.IndexWorkspace(context.Background(), ws)
		if err != nil {
			rt.logger.Warn("initial index failed", "workspace", ws.ID, "error", err)
			return
		}
		rt.logger.Info("workspace indexed",
			"workspace", ws.ID,
			"files", stats.FilesIndexed,
			"chunks", stats.ChunksCreated,
			"duration", stats.Duration)
	}()

	return nil
}

// knowledgeModuleID picks the collection the agent's knowledge
// retrieval reads from: the single configured module when there is
// exactly one, otherwise the shared mirror.
func knowledgeModuleID(cfg *config.Config) string {
	if len(cfg.Knowledge.Modules) == 1 {
		return cfg.Knowledge.Modules[0].ID
	}
	return "shared"
}

// managerCompleter adapts the model manager to the learning loop's
// Completer. Each call brackets the stream with an inference lease so
// model switches drain background learning too.
type managerCompleter struct {
	manager *model.Manager
}

func (mc *managerCompleter) Stream(ctx context.Context, messages []*protocol.Message, toolDefs []llms.ToolDefinition, opts *llms.StreamOptions) (<-chan llms.StreamEvent, error) {
	if err := mc.manager.AcquireInference(); err != nil {
		return nil, err
	}
	provider, ok := mc.manager.Active()
	if !ok {
		mc.manager.ReleaseInference()
		return nil, model.ErrNoActiveModel
	}
	ch, err := provider.Stream(ctx, messages, toolDefs, opts)
	if err != nil {
		mc.manager.ReleaseInference()
		return nil, err
	}

	out := make(chan llms.StreamEvent)
	go func() {
		defer close(out)
		defer mc.manager.ReleaseInference()
		for event := range ch {
			out <- event
		}
	}()
	return out, nil
}
