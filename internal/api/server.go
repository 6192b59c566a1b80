// Package api serves the REST and websocket surface of the execution
// core.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/events"
	"github.com/skyvernhq/skyvern-go/internal/executor"
	"github.com/skyvernhq/skyvern-go/internal/orchestrator"
	"github.com/skyvernhq/skyvern-go/internal/ratelimit"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
)

// Server is the skyvern API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger
	clock  retry.Clock

	store    storage.Backend
	engine   *executor.Engine
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	bus      *events.Bus
	auth     Authenticator

	// Cancel signals for executions in flight, keyed by task or run id.
	running   map[string]*retry.Cancel
	runningMu sync.RWMutex

	// Base context for spawned executions; request contexts die with the
	// request.
	runCtx context.Context
}

// Config holds the server dependencies.
type Config struct {
	Addr     string
	Logger   *slog.Logger
	Clock    retry.Clock
	Store    storage.Backend
	Engine   *executor.Engine
	Orch     *orchestrator.Orchestrator
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Bus      *events.Bus
	Auth     Authenticator
}

// New creates the API server and registers all routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	auth := cfg.Auth
	if auth == nil {
		anon := NewStaticAuth(nil)
		anon.AllowAnonymous = true
		auth = anon
	}
	s := &Server{
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
		logger:   logger,
		clock:    clock,
		store:    cfg.Store,
		engine:   cfg.Engine,
		orch:     cfg.Orch,
		sessions: cfg.Sessions,
		limiter:  cfg.Limiter,
		bus:      cfg.Bus,
		auth:     auth,
		running:  make(map[string]*retry.Cancel),
		runCtx:   context.Background(),
	}
	s.registerRoutes()
	return s
}

// authedHandler runs after authentication and rate limiting.
type authedHandler func(w http.ResponseWriter, r *http.Request, org Org)

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)

	s.mux.HandleFunc("POST /v1/tasks", s.wrap(s.handleCreateTask))
	s.mux.HandleFunc("GET /v1/tasks", s.wrap(s.handleListTasks))
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.wrap(s.handleGetTask))
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.wrap(s.handleCancelTask))
	s.mux.HandleFunc("GET /v1/tasks/{id}/steps", s.wrap(s.handleListSteps))
	s.mux.HandleFunc("GET /v1/tasks/{id}/artifacts", s.wrap(s.handleListTaskArtifacts))

	s.mux.HandleFunc("POST /v1/workflows", s.wrap(s.handleCreateWorkflow))
	s.mux.HandleFunc("GET /v1/workflows", s.wrap(s.handleListWorkflows))
	s.mux.HandleFunc("GET /v1/workflows/runs", s.wrap(s.handleListRuns))
	s.mux.HandleFunc("GET /v1/workflows/runs/{rid}", s.wrap(s.handleGetRun))
	s.mux.HandleFunc("GET /v1/workflows/runs/{rid}/blocks", s.wrap(s.handleListRunBlocks))
	s.mux.HandleFunc("POST /v1/workflows/runs/{rid}/cancel", s.wrap(s.handleCancelRun))
	s.mux.HandleFunc("GET /v1/workflows/{id}", s.wrap(s.handleGetWorkflow))
	s.mux.HandleFunc("DELETE /v1/workflows/{id}", s.wrap(s.handleDeleteWorkflow))
	s.mux.HandleFunc("POST /v1/workflows/{id}/runs", s.wrap(s.handleCreateRun))

	s.mux.HandleFunc("POST /v1/browser-sessions", s.wrap(s.handleCreateBrowserSession))
	s.mux.HandleFunc("DELETE /v1/browser-sessions/{id}", s.wrap(s.handleDeleteBrowserSession))

	s.mux.HandleFunc("GET /v1/stream", s.wrap(s.handleStream))
}

// wrap authenticates the caller, enforces the rate limit and stamps a
// request id before invoking the handler.
func (s *Server) wrap(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requestID(r) == "" {
			r.Header.Set("X-Request-ID", task.NewRequestID())
		}
		w.Header().Set("X-Request-ID", requestID(r))

		org, err := s.auth.Authenticate(apiKeyFrom(r))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Allow(org.ID, r.Pattern, org.Tier); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}
		h(w, r, org)
	}
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = context.WithoutCancel(ctx)
	server := &http.Server{Addr: s.addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("starting API server", "addr", s.addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) trackCancel(id string) *retry.Cancel {
	c := retry.NewCancel()
	s.runningMu.Lock()
	s.running[id] = c
	s.runningMu.Unlock()
	return c
}

func (s *Server) untrackCancel(id string) {
	s.runningMu.Lock()
	delete(s.running, id)
	s.runningMu.Unlock()
}

func (s *Server) cancelFor(id string) *retry.Cancel {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running[id]
}
