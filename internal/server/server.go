// Package server exposes a read-only HTTP view of a project's inventory, so
// operators can watch a long campaign without shelling into the cluster.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/latticeworks/propagator/pkg/cyclelog"
	"github.com/latticeworks/propagator/pkg/inventory"
)

// HistorySource serves transition history for one entity. cyclelog.Log
// implements it; nil disables the history endpoint.
type HistorySource interface {
	History(ctx context.Context, entityID string, limit int) ([]cyclelog.Transition, error)
}

// Server is the read-only status server.
type Server struct {
	host    string
	port    int
	store   *inventory.Store
	history HistorySource
	version string
	router  chi.Router
}

// New creates a server over the given inventory store.
func New(host string, port int, store *inventory.Store) *Server {
	s := &Server{
		host:    host,
		port:    port,
		store:   store,
		version: "dev",
	}
	s.router = s.buildRouter()
	return s
}

// WithHistory enables the history endpoint. Returns the server for method
// chaining.
func (s *Server) WithHistory(h HistorySource) *Server {
	s.history = h
	return s
}

// WithVersion sets the version string reported by the health endpoint.
func (s *Server) WithVersion(v string) *Server {
	if v != "" {
		s.version = v
	}
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bind address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/entities", s.handleEntities)
		r.Get("/entities/{id}", s.handleEntity)
		r.Get("/entities/{id}/history", s.handleHistory)
	})
	return r
}

// Timeouts bundles the HTTP server timeouts.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context, t Timeouts) error {
	httpServer := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  t.Read,
		WriteTimeout: t.Write,
		IdleTimeout:  t.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), t.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
