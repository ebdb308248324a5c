package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pipeforge/internal/store"
)

const jobColumns = `id, pipeline_id, project_id, user_id, stage_id,
	stage_name, stage_index, name, status, when_spec,
	allow_failure, tags, protected, interruptible,
	resource_group_key, runner_id, failure_reason, lock_version,
	options, variables, artifacts_expire_at, artifacts_erased_at,
	created_at, queued_at, started_at, finished_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*store.Job, error) {
	var job store.Job
	var optionsJSON, variablesJSON []byte

	err := row.Scan(
		&job.ID, &job.PipelineID, &job.ProjectID, &job.UserID, &job.StageID,
		&job.StageName, &job.StageIndex, &job.Name, &job.Status, &job.When,
		&job.AllowFailure, pq.Array(&job.Tags), &job.Protected, &job.Interruptible,
		&job.ResourceGroupKey, &job.RunnerID, &job.FailureReason, &job.LockVersion,
		&optionsJSON, &variablesJSON, &job.ArtifactsExpireAt, &job.ArtifactsErasedAt,
		&job.CreatedAt, &job.QueuedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshaling job options: %w", err)
		}
	}
	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &job.Variables); err != nil {
			return nil, fmt.Errorf("unmarshaling job variables: %w", err)
		}
	}
	return &job, nil
}

// GetJobByID returns a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE id = $1"
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

// GetJobDependencies joins the job's `needs` edges with the needed jobs'
// current status and artifact bookkeeping.
func (s *Store) GetJobDependencies(ctx context.Context, jobID uuid.UUID) ([]store.DependencyState, error) {
	query := `
		SELECT n.need_name, d.id, d.status, n.artifacts,
		       d.artifacts_expire_at IS NOT NULL AND d.artifacts_expire_at < NOW(),
		       d.artifacts_erased_at IS NOT NULL
		FROM job_needs n
		JOIN jobs j ON j.id = n.job_id
		JOIN jobs d ON d.pipeline_id = j.pipeline_id AND d.name = n.need_name
		WHERE n.job_id = $1
		ORDER BY n.need_name
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var deps []store.DependencyState
	for rows.Next() {
		var d store.DependencyState
		if err := rows.Scan(&d.Name, &d.JobID, &d.Status, &d.WantsArtifacts, &d.ArtifactsExpired, &d.ArtifactsErased); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// TryAssignJob is the compare-and-swap assignment path: pending→running
// bound to the runner, guarded by the stored lock_version. The pending
// queue row is removed in the same transaction, preserving the projection
// invariant. Returns false on a version conflict.
func (s *Store) TryAssignJob(ctx context.Context, jobID, runnerID uuid.UUID, lockVersion int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, runner_id = $3, lock_version = lock_version + 1, started_at = NOW()
		WHERE id = $1 AND status = $4 AND lock_version = $5
	`, jobID, store.JobStatusRunning, runnerID, store.JobStatusPending, lockVersion)
	if err != nil {
		return false, fmt.Errorf("assigning job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_jobs WHERE job_id = $1", jobID); err != nil {
		return false, fmt.Errorf("removing queue row for job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// DropJob fails a queued job with a structured reason. Conditional on the
// job still being droppable, so a concurrent assignment wins cleanly.
func (s *Store) DropJob(ctx context.Context, jobID uuid.UUID, reason store.FailureReason) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, failure_reason = $3, lock_version = lock_version + 1, finished_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, jobID, store.JobStatusFailed, reason, store.JobStatusCreated, store.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("dropping job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_jobs WHERE job_id = $1", jobID); err != nil {
		return false, fmt.Errorf("removing queue row for job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// FinishJob records a terminal outcome for a running job.
func (s *Store) FinishJob(ctx context.Context, jobID uuid.UUID, to store.JobStatus, reason *store.FailureReason) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, failure_reason = $3, lock_version = lock_version + 1, finished_at = NOW()
		WHERE id = $1 AND status = $4
	`, jobID, to, reason, store.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("finishing job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CancelJobIfInterruptible cancels a non-terminal interruptible job. A job
// that finished between decision and this call is left in its final state:
// the transition is conditional, never an overwrite.
func (s *Store) CancelJobIfInterruptible(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, lock_version = lock_version + 1, finished_at = NOW()
		WHERE id = $1 AND interruptible AND status IN ($3, $4, $5)
	`, jobID, store.JobStatusCanceled, store.JobStatusCreated, store.JobStatusPending, store.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("canceling job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_jobs WHERE job_id = $1", jobID); err != nil {
		return false, fmt.Errorf("removing queue row for job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
