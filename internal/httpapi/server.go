// Package httpapi is the run-submission HTTP surface (§4.L): create/get/
// cancel a run, list its events, and download its artifacts. Generalizes
// internal/server's pipeline-registry server (Go 1.22+ method+pattern
// routing, CSRF-by-Origin guard, graceful Shutdown) from an in-memory
// registry of in-process pipelines to a runstore-backed registry of queued
// runs.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/forgeharness/forge/internal/queue"
	"github.com/forgeharness/forge/internal/runstore"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Server is the HTTP server for submitting and tracking runs.
type Server struct {
	config  Config
	store   *runstore.Store
	queue   *queue.Queue
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// New creates a new Server bound to store and queue.
func New(cfg Config, store *runstore.Store, q *queue.Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		store:   store,
		queue:   q,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/artifacts/{name...}", s.handleGetArtifact)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // artifact downloads of arbitrary size
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the server and blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("httpapi listening", "addr", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server; in-flight runs keep executing in the
// worker process, only the HTTP listener is drained.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

// csrfProtect rejects cross-origin POST requests, mirroring
// internal/server/server.go's Origin-header guard: browsers always set
// Origin on cross-origin requests, so checking it blocks browser CSRF while
// allowing CLI/programmatic callers that omit it.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
