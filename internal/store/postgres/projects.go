package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pipeforge/internal/store"
)

const projectColumns = `id, name, default_branch, shared_runners_enabled,
	group_runners_enabled, auto_cancel_pending, pending_deletion, max_pending_jobs, created_at`

func scanProject(row interface{ Scan(...interface{}) error }) (*store.Project, error) {
	var p store.Project
	err := row.Scan(
		&p.ID, &p.Name, &p.DefaultBranch, &p.SharedRunnersEnabled,
		&p.GroupRunnersEnabled, &p.AutoCancelPending, &p.PendingDeletion,
		&p.MaxPendingJobs, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectByID returns a project by its ID.
func (s *Store) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects WHERE id = $1"
	return scanProject(s.db.QueryRowContext(ctx, query, id))
}

// GetProjectByTokenHash returns the project owning an API token hash.
func (s *Store) GetProjectByTokenHash(ctx context.Context, hash string) (*store.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects WHERE api_token_hash = $1"
	return scanProject(s.db.QueryRowContext(ctx, query, hash))
}

// GetUserByID returns a user by its ID.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, blocked FROM users WHERE id = $1", id).
		Scan(&u.ID, &u.Username, &u.Blocked)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetRunnerByTokenHash returns the runner registered with a token hash.
func (s *Store) GetRunnerByTokenHash(ctx context.Context, hash string) (*store.Runner, error) {
	var r store.Runner
	err := s.db.QueryRowContext(ctx, `
		SELECT id, description, runner_type, project_id, tags, run_untagged,
		       protected, contacted_at, created_at
		FROM runners WHERE token_hash = $1
	`, hash).Scan(
		&r.ID, &r.Description, &r.Type, &r.ProjectID, pq.Array(&r.Tags),
		&r.RunUntagged, &r.Protected, &r.ContactedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TouchRunner records last contact time; online state derives from it.
func (s *Store) TouchRunner(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runners SET contacted_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("touching runner %s: %w", id, err)
	}
	return nil
}
