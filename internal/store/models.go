// Package store contains the database layer for pipeforge.
package store

import (
	"time"

	"github.com/google/uuid"
)

// PipelineStatus is the aggregate state of a pipeline.
type PipelineStatus string

const (
	PipelineStatusCreated  PipelineStatus = "created"
	PipelineStatusPending  PipelineStatus = "pending"
	PipelineStatusRunning  PipelineStatus = "running"
	PipelineStatusSuccess  PipelineStatus = "success"
	PipelineStatusFailed   PipelineStatus = "failed"
	PipelineStatusCanceled PipelineStatus = "canceled"
	PipelineStatusSkipped  PipelineStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineStatusSuccess, PipelineStatusFailed, PipelineStatusCanceled, PipelineStatusSkipped:
		return true
	}
	return false
}

// PipelineSource identifies what triggered a pipeline.
type PipelineSource string

const (
	SourcePush                PipelineSource = "push"
	SourceWeb                 PipelineSource = "web"
	SourceSchedule            PipelineSource = "schedule"
	SourceAPI                 PipelineSource = "api"
	SourceTrigger             PipelineSource = "trigger"
	SourceMergeRequest        PipelineSource = "merge_request_event"
	SourceExternalPullRequest PipelineSource = "external_pull_request_event"
	SourceParentPipeline      PipelineSource = "parent_pipeline"
)

// ValidSource reports whether s is a known trigger source.
func ValidSource(s PipelineSource) bool {
	switch s {
	case SourcePush, SourceWeb, SourceSchedule, SourceAPI, SourceTrigger,
		SourceMergeRequest, SourceExternalPullRequest, SourceParentPipeline:
		return true
	}
	return false
}

// LockState controls whether a pipeline's artifacts are kept past expiry.
type LockState string

const (
	LockStateUnlocked        LockState = "unlocked"
	LockStateArtifactsLocked LockState = "artifacts_locked"
)

// Project is the owning scope for pipelines, runners and resource groups.
type Project struct {
	ID                     uuid.UUID
	Name                   string
	DefaultBranch          string
	SharedRunnersEnabled   bool
	GroupRunnersEnabled    bool
	AutoCancelPending      bool
	PendingDeletion        bool
	MaxPendingJobs         int // 0 means unlimited
	CreatedAt              time.Time
}

// User owns pipelines and jobs; a blocked user's jobs are dropped instead
// of dispatched.
type User struct {
	ID       uuid.UUID
	Username string
	Blocked  bool
}

// Pipeline is one compiled run of a project's CI configuration.
type Pipeline struct {
	ID               uuid.UUID
	ProjectID        uuid.UUID
	UserID           *uuid.UUID
	Ref              string
	SHA              string
	BeforeSHA        string
	Source           PipelineSource
	Status           PipelineStatus
	Lock             LockState
	ParentPipelineID *uuid.UUID
	MergeRequestID   *int64
	IdempotencyKey   *string

	// ErrorMessage carries the aggregated compilation failure for
	// pipelines persisted in failed state with zero jobs.
	ErrorMessage string

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Stage is an ordering bucket inside a pipeline.
type Stage struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	Name       string
	Position   int
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusCreated  JobStatus = "created"
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusSuccess  JobStatus = "success"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
	JobStatusSkipped  JobStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCanceled, JobStatusSkipped:
		return true
	}
	return false
}

// FailureReason is the structured cause persisted on dropped or failed jobs.
type FailureReason string

const (
	FailureScriptFailure        FailureReason = "script_failure"
	FailureUserBlocked          FailureReason = "user_blocked"
	FailureUnsupportedFeature   FailureReason = "unsupported_runner_feature"
	FailureMissingDependency    FailureReason = "missing_dependency"
	FailureDataIntegrity        FailureReason = "data_integrity_failure"
	FailureSchedulerError       FailureReason = "scheduler_error"
	FailureArchived             FailureReason = "archived_failure"
	FailureStuckOrTimeout       FailureReason = "stuck_or_timeout_failure"
)

// JobOptions is the per-job execution blob stored as JSONB.
type JobOptions struct {
	Script          []string     `json:"script"`
	TimeoutSeconds  int          `json:"timeout_seconds,omitempty"`
	Retry           RetryPolicy  `json:"retry,omitempty"`
	Environment     *Environment `json:"environment,omitempty"`
	StartInSeconds  int          `json:"start_in_seconds,omitempty"`
	RequiredFeature string       `json:"required_feature,omitempty"`
}

// RetryPolicy bounds automatic retries of a failed job.
type RetryPolicy struct {
	Max  int      `json:"max,omitempty"`
	When []string `json:"when,omitempty"`
}

// Environment names the deployment target a job runs against.
type Environment struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// JobVariable is one job-scoped variable, stored with the job.
type JobVariable struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Masked bool   `json:"masked,omitempty"`
}

// Job is the smallest unit of scheduled work.
type Job struct {
	ID            uuid.UUID
	PipelineID    uuid.UUID
	ProjectID     uuid.UUID
	UserID        *uuid.UUID
	StageID       uuid.UUID
	StageName     string
	StageIndex    int
	Name          string
	Status        JobStatus
	When          string
	AllowFailure  bool
	Tags          []string
	Protected     bool
	Interruptible bool

	// ResourceGroupKey is the raw (possibly variable-templated) resource
	// group key; it is resolved against the job's variables at assignment
	// time.
	ResourceGroupKey string

	RunnerID      *uuid.UUID
	FailureReason *FailureReason

	// LockVersion backs the compare-and-swap assignment path. Every state
	// transition increments it; a stale update affects zero rows.
	LockVersion int

	Options   JobOptions
	Variables []JobVariable

	// Artifact bookkeeping used by the dependency readiness check.
	ArtifactsExpireAt *time.Time
	ArtifactsErasedAt *time.Time

	CreatedAt  time.Time
	QueuedAt   *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobNeed is a directed dependency edge between two jobs in one pipeline.
type JobNeed struct {
	JobID     uuid.UUID
	Name      string
	Artifacts bool
}

// RunnerType scopes which projects a runner may serve.
type RunnerType string

const (
	RunnerTypeInstance RunnerType = "instance_type"
	RunnerTypeGroup    RunnerType = "group_type"
	RunnerTypeProject  RunnerType = "project_type"
)

// Runner is an external worker agent registration.
type Runner struct {
	ID          uuid.UUID
	Description string
	Type        RunnerType
	ProjectID   *uuid.UUID
	Tags        []string
	RunUntagged bool

	// Protected restricts the runner to jobs on protected refs when true;
	// an unprotected runner only receives unprotected jobs either way.
	Protected bool

	ContactedAt *time.Time
	CreatedAt   time.Time
}

// ResourceGroup serializes execution of jobs sharing a key. HolderJobID is
// the single job currently holding the resource, if any.
type ResourceGroup struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Key         string
	HolderJobID *uuid.UUID
}

// PendingJob is the denormalized queue projection of a pending unassigned
// job. A row exists iff the job is pending and has no runner; the same
// transaction that transitions the job maintains the row.
type PendingJob struct {
	JobID                uuid.UUID
	ProjectID            uuid.UUID
	PipelineID           uuid.UUID
	Tags                 []string
	Protected            bool
	AllowInstanceRunners bool
	AllowGroupRunners    bool

	// VisibleAfter defers delayed jobs; candidate scans skip rows whose
	// visibility time has not arrived yet.
	VisibleAfter time.Time
	CreatedAt    time.Time
}

// DependencyState is the readiness view of one `needs` edge, joined with
// the needed job's current status and artifact bookkeeping.
type DependencyState struct {
	Name              string
	JobID             uuid.UUID
	Status            JobStatus
	WantsArtifacts    bool
	ArtifactsExpired  bool
	ArtifactsErased   bool
}

// AggregatePipelineStatus computes a pipeline's status from its jobs,
// honoring allow_failure. Called synchronously after each job mutation
// rather than through persistence hooks.
func AggregatePipelineStatus(jobs []Job) PipelineStatus {
	if len(jobs) == 0 {
		return PipelineStatusSkipped
	}

	var anyRunning, anyPending, anyCreated, anyCanceled, anyFailed bool
	allSkipped := true
	for _, j := range jobs {
		if j.Status != JobStatusSkipped {
			allSkipped = false
		}
		switch j.Status {
		case JobStatusRunning:
			anyRunning = true
		case JobStatusPending:
			anyPending = true
		case JobStatusCreated:
			anyCreated = true
		case JobStatusCanceled:
			if !j.AllowFailure {
				anyCanceled = true
			}
		case JobStatusFailed:
			if !j.AllowFailure {
				anyFailed = true
			}
		}
	}
	if allSkipped {
		return PipelineStatusSkipped
	}

	switch {
	case anyRunning:
		return PipelineStatusRunning
	case anyPending:
		return PipelineStatusPending
	case anyCreated:
		return PipelineStatusCreated
	case anyCanceled:
		return PipelineStatusCanceled
	case anyFailed:
		return PipelineStatusFailed
	default:
		return PipelineStatusSuccess
	}
}
