// Package server exposes the orchestrator over HTTP. It is a thin
// adapter: requests are decoded into the canonical request contract,
// handed to the orchestrator, and the resulting stage stream is framed
// as server-sent events (or collected into one JSON document when the
// client asks for it). Operational surfaces ride along: health,
// Prometheus metrics, golden-signal snapshots, and manual approval
// resolution. Authentication and rate limiting are left to whatever
// sits in front of the process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/substratelabs/maestro/pkg/guardrail/approval"
	"github.com/substratelabs/maestro/pkg/observability"
	"github.com/substratelabs/maestro/pkg/orchestrator"
	"github.com/substratelabs/maestro/pkg/tool"
)

const (
	// shutdownTimeout bounds how long Stop waits for in-flight
	// requests before the listener is torn down anyway.
	shutdownTimeout = 10 * time.Second
)

// Options bundles the components the adapter serves. Orchestrator is
// required; the rest default to the process-wide instances or disable
// the corresponding endpoint when absent.
type Options struct {
	// Addr is the listen address, host:port.
	Addr string

	// Orchestrator receives submitted tasks.
	Orchestrator *orchestrator.Orchestrator

	// Collector backs /metrics and /v1/signals. Defaults to the
	// process-wide collector.
	Collector *observability.Collector

	// Approvals backs the manual approval endpoints. Without a broker
	// the endpoints report no pending requests and resolution fails
	// with 404.
	Approvals *approval.Broker

	// Registry is consulted for the tool count in /health.
	Registry *tool.Registry

	// DefaultProfile is bound to requests that do not name one.
	DefaultProfile string
}

// Server is the HTTP adapter.
type Server struct {
	opts       Options
	handler    http.Handler
	httpServer *http.Server
}

// New builds the adapter and its router. The server does not listen
// until Start.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if opts.Collector == nil {
		opts.Collector = observability.Get()
	}
	s := &Server{opts: opts}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: s.handler,
	}
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.opts.Addr }

// Start blocks serving HTTP until Stop is called or the listener
// fails. A closed listener is a clean exit.
func (s *Server) Start() error {
	slog.Info("HTTP adapter listening", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	slog.Info("HTTP adapter shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.opts.Collector.PrometheusHandler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/signals", s.handleSignals)
		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}", s.handleResolveApproval)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"workers": len(s.opts.Orchestrator.Pool()),
	}
	if s.opts.Registry != nil {
		body["tools"] = s.opts.Registry.Count()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Collector.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
