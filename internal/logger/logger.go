// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// requestIDKey is the context key for request/correlation IDs.
type requestIDKey struct{}

// pipelineIDKey is the context key for the pipeline being worked on.
type pipelineIDKey struct{}

// jobIDKey is the context key for the job being worked on.
type jobIDKey struct{}

// New creates a new structured JSON logger.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// WithPipelineID returns a new context carrying the pipeline ID.
func WithPipelineID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, pipelineIDKey{}, id)
}

// WithJobID returns a new context carrying the job ID.
func WithJobID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// FromContext returns a logger with context fields (request ID, pipeline,
// job) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		base = base.With("request_id", reqID)
	}
	if v := ctx.Value(pipelineIDKey{}); v != nil {
		base = base.With("pipeline_id", v.(uuid.UUID))
	}
	if v := ctx.Value(jobIDKey{}); v != nil {
		base = base.With("job_id", v.(uuid.UUID))
	}
	return base
}
