// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"pipeforge/internal/auth"
	"pipeforge/internal/store"
	"pipeforge/pkg/api"
)

type projectKey struct{}
type runnerKey struct{}

// ProjectAuth authenticates project-scoped endpoints with a project API
// token. The resolved project is placed in the request context.
func ProjectAuth(s store.ProjectStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				respondError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
				return
			}

			project, err := s.GetProjectByTokenHash(r.Context(), auth.HashToken(token))
			if errors.Is(err, sql.ErrNoRows) {
				respondError(w, http.StatusUnauthorized, "Unknown project token")
				return
			}
			if err != nil {
				respondError(w, http.StatusInternalServerError, "Internal database error")
				return
			}
			if project.PendingDeletion {
				respondError(w, http.StatusForbidden, "Project is pending deletion")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithProject(r.Context(), project)))
		})
	}
}

// RunnerAuth authenticates runner endpoints with a runner registration
// token. The resolved runner is placed in the request context.
func RunnerAuth(s store.RunnerStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				respondError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
				return
			}

			runner, err := s.GetRunnerByTokenHash(r.Context(), auth.HashToken(token))
			if errors.Is(err, sql.ErrNoRows) {
				respondError(w, http.StatusUnauthorized, "Unknown runner token")
				return
			}
			if err != nil {
				respondError(w, http.StatusInternalServerError, "Internal database error")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithRunner(r.Context(), runner)))
		})
	}
}

// NewContextWithProject returns a context carrying an authenticated project.
func NewContextWithProject(ctx context.Context, p *store.Project) context.Context {
	return context.WithValue(ctx, projectKey{}, p)
}

// NewContextWithRunner returns a context carrying an authenticated runner.
func NewContextWithRunner(ctx context.Context, r *store.Runner) context.Context {
	return context.WithValue(ctx, runnerKey{}, r)
}

// ProjectFromContext extracts the authenticated project from the context.
func ProjectFromContext(ctx context.Context) (*store.Project, bool) {
	p, ok := ctx.Value(projectKey{}).(*store.Project)
	return p, ok
}

// RunnerFromContext extracts the authenticated runner from the context.
func RunnerFromContext(ctx context.Context) (*store.Runner, bool) {
	r, ok := ctx.Value(runnerKey{}).(*store.Runner)
	return r, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(status),
	})
}
