// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"pipeforge/internal/controller/handlers"
	"pipeforge/internal/controller/middleware"
	"pipeforge/internal/store"
)

// AuthStore combines the lookups the auth middleware needs.
type AuthStore interface {
	store.ProjectStore
	store.RunnerStore
}

// Options configures the controller server.
type Options struct {
	Addr string

	// RunnerPollLimit caps per-runner poll frequency; 0 disables limiting.
	RunnerPollLimit rate.Limit
	RunnerPollBurst int

	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options, auth AuthStore, h *handlers.Handlers) *Server {
	projectMW := middleware.ProjectAuth(auth)
	runnerMW := middleware.RunnerAuth(auth)
	limitMW := middleware.RunnerRateLimit(opts.RunnerPollLimit, opts.RunnerPollBurst)

	mux := http.NewServeMux()

	// Project-token authenticated apis
	mux.Handle("POST /projects/{id}/pipelines", projectMW(http.HandlerFunc(h.CreatePipeline)))
	mux.Handle("GET /projects/{id}/pipelines/{pipeline_id}", projectMW(http.HandlerFunc(h.GetPipeline)))
	mux.Handle("GET /projects/{id}/ci/variables", projectMW(http.HandlerFunc(h.GetVariables)))

	// Runner endpoints
	// These are called by runner agents with their registration token.
	mux.Handle("POST /runners/request", runnerMW(limitMW(http.HandlerFunc(h.RequestJob))))
	mux.Handle("PUT /runners/jobs/{id}/status", runnerMW(http.HandlerFunc(h.UpdateJobStatus)))

	mux.HandleFunc("POST /ci/lint", h.Lint)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      middleware.RequestID()(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
