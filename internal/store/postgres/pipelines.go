package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pipeforge/internal/store"
)

// CreatePipeline inserts a new pipeline row.
func (s *Store) CreatePipeline(ctx context.Context, tx store.DBTransaction, p *store.Pipeline) error {
	query := `
		INSERT INTO pipelines (id, project_id, user_id, ref, sha, before_sha, source, status,
			lock_state, parent_pipeline_id, merge_request_id, idempotency_key, error_message,
			created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		p.ID, p.ProjectID, p.UserID, p.Ref, p.SHA, p.BeforeSHA, p.Source, p.Status,
		p.Lock, p.ParentPipelineID, p.MergeRequestID, p.IdempotencyKey, p.ErrorMessage,
		p.CreatedAt, p.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting pipeline %s: %w", p.ID, err)
	}
	return nil
}

// InsertStages bulk-inserts stage rows using parallel arrays, so the
// statement count stays constant regardless of pipeline size.
func (s *Store) InsertStages(ctx context.Context, tx store.DBTransaction, stages []store.Stage) error {
	if len(stages) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(stages))
	pipelineIDs := make([]uuid.UUID, len(stages))
	names := make([]string, len(stages))
	positions := make([]int64, len(stages))
	for i, st := range stages {
		ids[i] = st.ID
		pipelineIDs[i] = st.PipelineID
		names[i] = st.Name
		positions[i] = int64(st.Position)
	}

	query := `
		INSERT INTO stages (id, pipeline_id, name, position)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::text[], $4::int[])
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		pq.Array(ids), pq.Array(pipelineIDs), pq.Array(names), pq.Array(positions))
	if err != nil {
		return fmt.Errorf("bulk stage insert: %w", err)
	}
	return nil
}

// InsertJobs bulk-inserts job rows. Multi-row VALUES keeps it a single
// round trip; tags go in as text[], options and variables as JSONB.
func (s *Store) InsertJobs(ctx context.Context, tx store.DBTransaction, jobs []store.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	const cols = 21
	placeholders := make([]string, 0, len(jobs))
	args := make([]interface{}, 0, len(jobs)*cols)

	for i, job := range jobs {
		optionsJSON, err := json.Marshal(job.Options)
		if err != nil {
			return fmt.Errorf("marshaling options for job %s: %w", job.Name, err)
		}
		variablesJSON, err := json.Marshal(job.Variables)
		if err != nil {
			return fmt.Errorf("marshaling variables for job %s: %w", job.Name, err)
		}

		base := i * cols
		row := make([]string, cols)
		for c := 0; c < cols; c++ {
			row[c] = fmt.Sprintf("$%d", base+c+1)
		}
		placeholders = append(placeholders, "("+strings.Join(row, ", ")+")")
		args = append(args,
			job.ID, job.PipelineID, job.ProjectID, job.UserID, job.StageID,
			job.StageName, job.StageIndex, job.Name, job.Status, job.When,
			job.AllowFailure, pq.Array(job.Tags), job.Protected, job.Interruptible,
			job.ResourceGroupKey, job.LockVersion, optionsJSON, variablesJSON,
			job.CreatedAt, job.QueuedAt, job.FinishedAt,
		)
	}

	query := `
		INSERT INTO jobs (id, pipeline_id, project_id, user_id, stage_id,
			stage_name, stage_index, name, status, when_spec,
			allow_failure, tags, protected, interruptible,
			resource_group_key, lock_version, options, variables,
			created_at, queued_at, finished_at)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.getExecutor(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk job insert: %w", err)
	}
	return nil
}

// InsertNeeds bulk-inserts dependency edges.
func (s *Store) InsertNeeds(ctx context.Context, tx store.DBTransaction, needs []store.JobNeed) error {
	if len(needs) == 0 {
		return nil
	}

	jobIDs := make([]uuid.UUID, len(needs))
	names := make([]string, len(needs))
	artifacts := make([]bool, len(needs))
	for i, n := range needs {
		jobIDs[i] = n.JobID
		names[i] = n.Name
		artifacts[i] = n.Artifacts
	}

	query := `
		INSERT INTO job_needs (job_id, need_name, artifacts)
		SELECT * FROM unnest($1::uuid[], $2::text[], $3::bool[])
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		pq.Array(jobIDs), pq.Array(names), pq.Array(artifacts))
	if err != nil {
		return fmt.Errorf("bulk need insert: %w", err)
	}
	return nil
}

const pipelineColumns = `id, project_id, user_id, ref, sha, before_sha, source, status,
	lock_state, parent_pipeline_id, merge_request_id, idempotency_key, error_message,
	created_at, finished_at`

func scanPipeline(row interface{ Scan(...interface{}) error }) (*store.Pipeline, error) {
	var p store.Pipeline
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.UserID, &p.Ref, &p.SHA, &p.BeforeSHA, &p.Source, &p.Status,
		&p.Lock, &p.ParentPipelineID, &p.MergeRequestID, &p.IdempotencyKey, &p.ErrorMessage,
		&p.CreatedAt, &p.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPipelineByID returns a pipeline by its ID.
func (s *Store) GetPipelineByID(ctx context.Context, id uuid.UUID) (*store.Pipeline, error) {
	query := "SELECT " + pipelineColumns + " FROM pipelines WHERE id = $1"
	return scanPipeline(s.db.QueryRowContext(ctx, query, id))
}

// FindPipelineByKey returns the pipeline for an idempotency tuple, or nil
// when none exists.
func (s *Store) FindPipelineByKey(ctx context.Context, projectID uuid.UUID, ref, sha, key string) (*store.Pipeline, error) {
	query := "SELECT " + pipelineColumns + ` FROM pipelines
		WHERE project_id = $1 AND ref = $2 AND sha = $3 AND idempotency_key = $4
		ORDER BY created_at DESC LIMIT 1`
	p, err := scanPipeline(s.db.QueryRowContext(ctx, query, projectID, ref, sha, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpdatePipelineStatus transitions the aggregate status. Pipelines already
// in a terminal state are left untouched.
func (s *Store) UpdatePipelineStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.PipelineStatus) error {
	query := `
		UPDATE pipelines
		SET status = $2,
		    finished_at = CASE WHEN $2 IN ('success', 'failed', 'canceled', 'skipped')
		                       THEN COALESCE(finished_at, NOW()) ELSE finished_at END
		WHERE id = $1
		  AND status NOT IN ('success', 'failed', 'canceled', 'skipped')
	`
	if _, err := s.getExecutor(tx).ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("updating pipeline %s status: %w", id, err)
	}
	return nil
}

// FindSupersedablePipelines returns non-terminal pipelines on the ref
// created strictly before the cutoff, oldest first, excluding the pipeline
// that triggered the scan. The cutoff keeps near-concurrent creations from
// each canceling the other's jobs.
func (s *Store) FindSupersedablePipelines(ctx context.Context, projectID uuid.UUID, ref string, before time.Time, exclude uuid.UUID) ([]store.Pipeline, error) {
	query := "SELECT " + pipelineColumns + ` FROM pipelines
		WHERE project_id = $1 AND ref = $2 AND id <> $3
		  AND created_at < $4
		  AND status IN ('created', 'pending', 'running')
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, projectID, ref, exclude, before)
	if err != nil {
		return nil, fmt.Errorf("listing supersedable pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []store.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// ListPipelineJobs returns every job in a pipeline in creation order.
func (s *Store) ListPipelineJobs(ctx context.Context, pipelineID uuid.UUID) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE pipeline_id = $1 ORDER BY stage_index ASC, created_at ASC, name ASC"

	rows, err := s.db.QueryContext(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("listing pipeline jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
