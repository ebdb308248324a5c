package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction
// to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// ProjectStore resolves projects and their owning users.
type ProjectStore interface {
	// GetProjectByID returns a project by its ID.
	GetProjectByID(ctx context.Context, id uuid.UUID) (*Project, error)

	// GetProjectByTokenHash returns the project owning an API token hash.
	GetProjectByTokenHash(ctx context.Context, hash string) (*Project, error)

	// GetUserByID returns a user by its ID.
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
}

// PipelineStore persists pipelines and their graph. Stage, job and edge
// inserts are bulk operations so persistence cost does not grow with the
// number of round trips.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, tx DBTransaction, p *Pipeline) error
	InsertStages(ctx context.Context, tx DBTransaction, stages []Stage) error
	InsertJobs(ctx context.Context, tx DBTransaction, jobs []Job) error
	InsertNeeds(ctx context.Context, tx DBTransaction, needs []JobNeed) error

	GetPipelineByID(ctx context.Context, id uuid.UUID) (*Pipeline, error)

	// FindPipelineByKey returns the existing pipeline for an idempotency
	// key tuple, or nil when none exists.
	FindPipelineByKey(ctx context.Context, projectID uuid.UUID, ref, sha, key string) (*Pipeline, error)

	ListPipelineJobs(ctx context.Context, pipelineID uuid.UUID) ([]Job, error)

	// UpdatePipelineStatus transitions a pipeline's aggregate status.
	// Transitions out of a terminal status affect zero rows.
	UpdatePipelineStatus(ctx context.Context, tx DBTransaction, id uuid.UUID, status PipelineStatus) error

	// FindSupersedablePipelines returns non-terminal pipelines on the same
	// ref created before the given cutoff, excluding the newly created one.
	// Input to auto-cancellation. Superseded means created earlier, so
	// near-concurrent creations never cancel each other's newer jobs.
	FindSupersedablePipelines(ctx context.Context, projectID uuid.UUID, ref string, before time.Time, exclude uuid.UUID) ([]Pipeline, error)
}

// JobStore mutates individual jobs. All transitions are conditional
// (compare-and-swap); callers receive false instead of an error when the
// job moved concurrently.
type JobStore interface {
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// GetJobDependencies returns the readiness view of a job's needs.
	GetJobDependencies(ctx context.Context, jobID uuid.UUID) ([]DependencyState, error)

	// TryAssignJob transitions pending→running and binds the runner, if
	// and only if the stored lock_version still matches. The pending
	// queue row is removed in the same transaction.
	TryAssignJob(ctx context.Context, jobID, runnerID uuid.UUID, lockVersion int) (bool, error)

	// DropJob transitions pending→failed with a structured reason and
	// removes the queue row. Returns false when the job is no longer
	// pending.
	DropJob(ctx context.Context, jobID uuid.UUID, reason FailureReason) (bool, error)

	// FinishJob transitions running→to (a terminal status). Returns false
	// when the job is not running anymore.
	FinishJob(ctx context.Context, jobID uuid.UUID, to JobStatus, reason *FailureReason) (bool, error)

	// CancelJobIfInterruptible cancels a non-terminal job carrying the
	// interruptible flag. Jobs that finished concurrently are left alone.
	CancelJobIfInterruptible(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// QueueStore maintains and scans the denormalized pending-job projection.
type QueueStore interface {
	// EnqueuePendingJobs bulk-inserts projection rows for newly pending
	// jobs, in the same transaction that created them.
	EnqueuePendingJobs(ctx context.Context, tx DBTransaction, jobs []Job, project *Project) error

	// PendingCandidates returns queued jobs matching the runner's tags,
	// protection level and scope, ordered fair-share or FIFO.
	PendingCandidates(ctx context.Context, runner *Runner, fairShare bool, limit int) ([]PendingJob, error)

	// PendingCountForPipeline backs the queue-depth safety valve.
	PendingCountForPipeline(ctx context.Context, pipelineID uuid.UUID) (int64, error)

	// PendingCountForProject backs the per-project pending-job cap.
	PendingCountForProject(ctx context.Context, projectID uuid.UUID) (int64, error)

	// TryLockJob places a short-TTL exclusive scheduling lock on a job.
	// Returns false when another request currently holds the lock.
	TryLockJob(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (bool, error)

	// UnlockJob releases a scheduling lock early. Expired locks are
	// reclaimed by TryLockJob, so missing the unlock is not fatal.
	UnlockJob(ctx context.Context, jobID uuid.UUID) error
}

// ResourceGroupStore owns the single-holder invariant for resource keys.
type ResourceGroupStore interface {
	// UpsertResourceGroup returns the group ID for (project, key),
	// creating the row when missing.
	UpsertResourceGroup(ctx context.Context, tx DBTransaction, projectID uuid.UUID, key string) (uuid.UUID, error)

	// TryObtainResource makes jobID the holder iff the resource is free.
	TryObtainResource(ctx context.Context, groupID, jobID uuid.UUID) (bool, error)

	// ReleaseResource clears the holder iff jobID still holds it.
	// Idempotent; concurrent release attempts are harmless.
	ReleaseResource(ctx context.Context, groupID, jobID uuid.UUID) (bool, error)
}

// RunnerStore resolves and tracks runner registrations.
type RunnerStore interface {
	GetRunnerByTokenHash(ctx context.Context, hash string) (*Runner, error)

	// TouchRunner records last contact time; online state derives from it.
	TouchRunner(ctx context.Context, id uuid.UUID, at time.Time) error
}
