package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pipeforge/internal/store"
)

// UpsertResourceGroup returns the group ID for (project, key), creating
// the row when missing. The conflict arm is a no-op update so RETURNING
// yields the existing row's ID.
func (s *Store) UpsertResourceGroup(ctx context.Context, tx store.DBTransaction, projectID uuid.UUID, key string) (uuid.UUID, error) {
	query := `
		INSERT INTO resource_groups (id, project_id, resource_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, resource_key) DO UPDATE SET resource_key = EXCLUDED.resource_key
		RETURNING id
	`
	var id uuid.UUID
	err := s.getExecutor(tx).QueryRowContext(ctx, query, uuid.New(), projectID, key).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting resource group %q: %w", key, err)
	}
	return id, nil
}

// TryObtainResource makes jobID the holder iff the resource is free.
// Re-obtaining by the current holder succeeds, which keeps concurrent
// scheduling attempts for the same job idempotent.
func (s *Store) TryObtainResource(ctx context.Context, groupID, jobID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE resource_groups
		SET holder_job_id = $2
		WHERE id = $1 AND (holder_job_id IS NULL OR holder_job_id = $2)
	`, groupID, jobID)
	if err != nil {
		return false, fmt.Errorf("obtaining resource %s: %w", groupID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseResource clears the holder iff jobID still holds it. Safe to call
// from both the finish and the drop path; the second call affects zero
// rows.
func (s *Store) ReleaseResource(ctx context.Context, groupID, jobID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE resource_groups
		SET holder_job_id = NULL
		WHERE id = $1 AND holder_job_id = $2
	`, groupID, jobID)
	if err != nil {
		return false, fmt.Errorf("releasing resource %s: %w", groupID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
