// Package api provides the HTTP gateway: it validates incoming automation
// tasks before any browser resource is touched, hands them to the
// executor, and maps internal outcomes onto HTTP responses without
// leaking driver detail.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strandline/ferryman/pkg/bus"
	"github.com/strandline/ferryman/pkg/config"
	"github.com/strandline/ferryman/pkg/executor"
	"github.com/strandline/ferryman/pkg/logging"
	"github.com/strandline/ferryman/pkg/pool"
)

// Server is the ferryman API server.
type Server struct {
	cfg  *config.Config
	exec *executor.Executor
	pool *pool.Pool
	log  *logging.Logger
	bus  bus.MessageBus

	httpServer *http.Server
	records    *recordStore
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Config   *config.Config
	Executor *executor.Executor
	Pool     *pool.Pool
	Logger   *logging.Logger

	// EventBus for task lifecycle events (optional).
	EventBus bus.MessageBus
}

// NewServer creates the API server and wires up all routes.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	s := &Server{
		cfg:     cfg.Config,
		exec:    cfg.Executor,
		pool:    cfg.Pool,
		log:     log,
		bus:     cfg.EventBus,
		records: newRecordStore(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)
	r.Use(withCORS)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/pool", s.handlePoolStats)
		r.Post("/scrape", s.handleScrape)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Config.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // tasks run synchronously inside the handler
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info(logging.CategoryHTTP, "server_started", "listening", map[string]any{
		"addr": s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports not-ready while the pool is degraded or has no
// live engine, so load balancers stop routing here before requests fail.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	if stats.Degraded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "session pool degraded",
		})
		return
	}
	if stats.Live == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no live browser engine",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// Helpers
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}
