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

// Package server is the session transport: a WebSocket channel per
// session carrying the typed event protocol, plus a thin REST surface
// for workspaces, sessions, and transcript search.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/coda/pkg/agent"
	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/model"
	"github.com/kadirpekel/coda/pkg/retrieval"
	"github.com/kadirpekel/coda/pkg/store"
)

// Version reported in the hello handshake.
const Version = "0.1.0"

// SessionFactory builds the agent session bound to one connection. The
// sink is the connection's writer queue.
type SessionFactory func(sessionID string, ws *store.Workspace, sink agent.EventSink) (*agent.Session, error)

// WorkspaceSearcher runs hybrid retrieval over an indexed workspace.
// The composition root injects the workspace retriever here.
type WorkspaceSearcher interface {
	Retrieve(ctx context.Context, ws *store.Workspace, query string, limit int, scoreThreshold float64) ([]retrieval.Result, error)
}

// Server hosts the WebSocket session channel and the REST API.
type Server struct {
	cfg      *config.ServerConfig
	store    *store.Store
	manager  *model.Manager
	sessions SessionFactory
	search   WorkspaceSearcher
	auth     func(http.Handler) http.Handler
	extraMW  []func(http.Handler) http.Handler
	logger   *slog.Logger

	httpServer *http.Server

	mu     sync.Mutex
	active map[string]*wsConn
}

// Option configures the server.
type Option func(*Server)

// WithAuthMiddleware installs JWT validation on the API routes.
func WithAuthMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.auth = mw }
}

// WithWorkspaceSearch exposes hybrid retrieval on the REST surface.
func WithWorkspaceSearch(searcher WorkspaceSearcher) Option {
	return func(s *Server) { s.search = searcher }
}

// WithLogger overrides the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHTTPMiddleware mounts extra middleware, tracing for instance, on
// every route.
func WithHTTPMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.extraMW = append(s.extraMW, mw...) }
}

// New creates the server. The session factory is how the composition
// root injects the fully wired agent without the transport knowing
// about retrieval, tools, or learning.
func New(cfg *config.ServerConfig, st *store.Store, manager *model.Manager, sessions SessionFactory, opts ...Option) *Server {
	if cfg == nil {
		cfg = &config.ServerConfig{}
		cfg.SetDefaults()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		manager:  manager,
		sessions: sessions,
		logger:   slog.Default(),
		active:   make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range s.extraMW {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth)
		}

		r.Get("/workspaces", s.handleListWorkspaces)
		r.Post("/workspaces", s.handleCreateWorkspace)
		r.Get("/workspaces/{id}", s.handleGetWorkspace)
		r.Delete("/workspaces/{id}", s.handleDeleteWorkspace)
		r.Get("/workspaces/{id}/search", s.handleSearchWorkspace)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/messages", s.handleGetMessages)
		r.Get("/sessions/{id}/search", s.handleSearchMessages)

		r.Get("/sessions/{id}/ws", s.handleSessionChannel)
	})

	return r
}

// ListenAndServe blocks until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout, err := time.ParseDuration(s.cfg.ShutdownTimeout)
	if err != nil || timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.closeAllConns()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) registerConn(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[c.id] = c
}

func (s *Server) unregisterConn(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c.id)
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}
