// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"pipeforge/internal/builder"
	"pipeforge/internal/scheduler"
	"pipeforge/internal/store"
	"pipeforge/pkg/api"
)

// StoreFactory combines the interfaces needed for the controller to function.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.PipelineStore
	store.JobStore
}

// PipelineCreator builds and persists pipelines from creation requests.
type PipelineCreator interface {
	CreatePipeline(ctx context.Context, opts builder.CreateOptions) (*builder.Result, error)
}

// PipelineCanceler supersedes older pipelines after a new one is created.
type PipelineCanceler interface {
	Run(ctx context.Context, project *store.Project, newPipeline *store.Pipeline) error
}

// JobDispatcher serves runner polls and records reported job outcomes.
type JobDispatcher interface {
	RequestJob(ctx context.Context, runner *store.Runner, session scheduler.Session) (*scheduler.Assignment, error)
	FinishJob(ctx context.Context, jobID uuid.UUID, to store.JobStatus, reason *store.FailureReason) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store      StoreFactory
	builder    PipelineCreator
	canceler   PipelineCanceler
	dispatcher JobDispatcher
	logger     *slog.Logger
}

// New creates a new Handlers instance with the given dependencies.
func New(s StoreFactory, b PipelineCreator, c PipelineCanceler, d JobDispatcher, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:      s,
		builder:    b,
		canceler:   c,
		dispatcher: d,
		logger:     logger.With("component", "handlers"),
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
