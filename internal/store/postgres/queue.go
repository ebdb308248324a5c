package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pipeforge/internal/store"
)

// EnqueuePendingJobs inserts projection rows for newly pending jobs in a
// single statement. Delayed jobs carry a future visibility time computed
// from their start_in.
func (s *Store) EnqueuePendingJobs(ctx context.Context, tx store.DBTransaction, jobs []store.Job, project *store.Project) error {
	if len(jobs) == 0 {
		return nil
	}

	const cols = 9
	placeholders := make([]string, 0, len(jobs))
	args := make([]interface{}, 0, len(jobs)*cols)

	for i, job := range jobs {
		visibleAfter := job.CreatedAt
		if job.Options.StartInSeconds > 0 {
			visibleAfter = visibleAfter.Add(time.Duration(job.Options.StartInSeconds) * time.Second)
		}

		base := i * cols
		row := make([]string, cols)
		for c := 0; c < cols; c++ {
			row[c] = fmt.Sprintf("$%d", base+c+1)
		}
		// tags needs an explicit cast for empty arrays
		row[3] += "::text[]"
		placeholders = append(placeholders, "("+strings.Join(row, ", ")+")")
		args = append(args,
			job.ID, job.ProjectID, job.PipelineID, pq.Array(job.Tags),
			job.Protected, project.SharedRunnersEnabled, project.GroupRunnersEnabled,
			visibleAfter, job.CreatedAt,
		)
	}

	query := `
		INSERT INTO pending_jobs (job_id, project_id, pipeline_id, tags,
			protected, allow_instance_runners, allow_group_runners,
			visible_after, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.getExecutor(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk queue insert: %w", err)
	}
	return nil
}

// PendingCandidates scans the queue projection for jobs the runner could
// take: tag subset, protection compatibility and scope enablement, with
// projects pending deletion excluded. Fair-share mode orders projects with
// fewer running jobs first; FIFO falls back to creation order.
func (s *Store) PendingCandidates(ctx context.Context, runner *store.Runner, fairShare bool, limit int) ([]store.PendingJob, error) {
	if limit <= 0 {
		limit = 1
	}

	conditions := []string{
		"pj.visible_after <= NOW()",
		"NOT p.pending_deletion",
		"pj.tags <@ $1::text[]",
		"(cardinality(pj.tags) > 0 OR $2)",
		"($3 OR NOT pj.protected)",
	}
	args := []interface{}{pq.Array(runner.Tags), runner.RunUntagged, runner.Protected}

	switch runner.Type {
	case store.RunnerTypeInstance:
		conditions = append(conditions, "pj.allow_instance_runners")
	case store.RunnerTypeGroup:
		conditions = append(conditions, "pj.allow_group_runners")
	case store.RunnerTypeProject:
		args = append(args, runner.ProjectID)
		conditions = append(conditions, fmt.Sprintf("pj.project_id = $%d", len(args)))
	}

	ordering := "pj.created_at ASC, pj.job_id ASC"
	if fairShare {
		// Projects with fewer running jobs are served first; creation
		// order breaks ties within a project.
		ordering = `(SELECT COUNT(*) FROM jobs r
			WHERE r.project_id = pj.project_id AND r.status = 'running') ASC, ` + ordering
	}

	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT pj.job_id, pj.project_id, pj.pipeline_id, pj.tags, pj.protected,
		       pj.allow_instance_runners, pj.allow_group_runners,
		       pj.visible_after, pj.created_at
		FROM pending_jobs pj
		JOIN projects p ON p.id = pj.project_id
		WHERE %s
		ORDER BY %s
		LIMIT $%d
	`, strings.Join(conditions, " AND "), ordering, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate scan: %w", err)
	}
	defer rows.Close()

	var candidates []store.PendingJob
	for rows.Next() {
		var pj store.PendingJob
		if err := rows.Scan(&pj.JobID, &pj.ProjectID, &pj.PipelineID, pq.Array(&pj.Tags),
			&pj.Protected, &pj.AllowInstanceRunners, &pj.AllowGroupRunners,
			&pj.VisibleAfter, &pj.CreatedAt); err != nil {
			return nil, fmt.Errorf("candidate scan row: %w", err)
		}
		candidates = append(candidates, pj)
	}
	return candidates, rows.Err()
}

// PendingCount returns the total number of queued jobs awaiting a runner.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_jobs").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return count, nil
}

// PendingCountForPipeline backs the queue-depth safety valve.
func (s *Store) PendingCountForPipeline(ctx context.Context, pipelineID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_jobs WHERE pipeline_id = $1", pipelineID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return count, nil
}

// PendingCountForProject backs the per-project pending-job cap.
func (s *Store) PendingCountForProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_jobs WHERE project_id = $1", projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return count, nil
}

// TryLockJob places a short-TTL exclusive scheduling lock. An existing
// unexpired lock wins; expired locks are reclaimed in the same statement.
func (s *Store) TryLockJob(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduling_locks (job_id, locked_until)
		VALUES ($1, NOW() + ($2 * INTERVAL '1 second'))
		ON CONFLICT (job_id) DO UPDATE SET locked_until = EXCLUDED.locked_until
		WHERE scheduling_locks.locked_until < NOW()
	`, jobID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("locking job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UnlockJob releases a scheduling lock early.
func (s *Store) UnlockJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM scheduling_locks WHERE job_id = $1", jobID)
	return err
}
