// Package scheduler matches pending jobs to polling runners. Each poll is
// a bounded request/response operation: candidate selection runs against
// the denormalized pending-job projection, assignment is a compare-and-swap
// retried across candidates, and "no job available" is a cheap, frequent,
// valid answer.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pipeforge/internal/ciconfig"
	"pipeforge/internal/config"
	"pipeforge/internal/logger"
	"pipeforge/internal/store"
)

// ErrNoJobAvailable signals an empty poll result. It is the only outcome a
// runner sees for scheduling races, exhausted retries and empty queues
// alike; internal conflicts never surface as errors.
var ErrNoJobAvailable = errors.New("no job available")

// candidateScanLimit bounds how many queue rows one poll considers.
const candidateScanLimit = 100

// Store combines the persistence interfaces scheduling needs.
type Store interface {
	store.ProjectStore
	store.PipelineStore
	store.JobStore
	store.QueueStore
	store.ResourceGroupStore
	store.RunnerStore
}

// Session carries the per-request runner capability set.
type Session struct {
	Features map[string]bool
}

// Assignment is a job bound to a runner, together with the dependency
// states captured during the readiness check. Callers build the runner
// payload from it without another store round trip: a failed lookup after
// the bind would otherwise orphan a running job.
type Assignment struct {
	Job          *store.Job
	Dependencies []store.DependencyState
}

// Scheduler serves job requests from polling runners.
type Scheduler struct {
	store    Store
	features config.SchedulerFeatures
	logger   *slog.Logger

	assigned  metric.Int64Counter
	dropped   metric.Int64Counter
	conflicts metric.Int64Counter
}

// New creates a scheduler. The feature toggles are fixed at construction
// so both states are deterministic under test.
func New(s Store, features config.SchedulerFeatures, logger *slog.Logger) *Scheduler {
	if features.MaxAssignAttempts <= 0 {
		features.MaxAssignAttempts = 10
	}
	if features.LockTTL <= 0 {
		features.LockTTL = 10 * time.Second
	}

	meter := otel.Meter("pipeforge-scheduler")
	assigned, _ := meter.Int64Counter("pipeforge.jobs.assigned",
		metric.WithDescription("Jobs handed to runners"))
	dropped, _ := meter.Int64Counter("pipeforge.jobs.dropped",
		metric.WithDescription("Jobs dropped with a structured failure reason"))
	conflicts, _ := meter.Int64Counter("pipeforge.scheduler.conflicts",
		metric.WithDescription("Optimistic-lock conflicts during assignment"))

	return &Scheduler{
		store:     s,
		features:  features,
		logger:    logger.With("component", "scheduler"),
		assigned:  assigned,
		dropped:   dropped,
		conflicts: conflicts,
	}
}

// RequestJob returns the next eligible job for the runner, bound to it, or
// ErrNoJobAvailable. Safe to call at high frequency; an empty result has
// no side effects beyond the runner's contact timestamp.
func (s *Scheduler) RequestJob(ctx context.Context, runner *store.Runner, session Session) (*Assignment, error) {
	if err := s.store.TouchRunner(ctx, runner.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("recording runner contact failed", "runner_id", runner.ID, "error", err)
	}

	candidates, err := s.store.PendingCandidates(ctx, runner, s.features.FairScheduling, candidateScanLimit)
	if err != nil {
		return nil, fmt.Errorf("scanning pending jobs: %w", err)
	}

	attempts := 0
	for _, candidate := range candidates {
		if attempts >= s.features.MaxAssignAttempts {
			break
		}

		assignment, outcome := s.tryCandidate(ctx, runner, session, candidate)
		switch outcome {
		case outcomeAssigned:
			return assignment, nil
		case outcomeConflict:
			attempts++
		case outcomeSkipped, outcomeDropped:
			// next candidate
		}
	}

	return nil, ErrNoJobAvailable
}

type outcome int

const (
	outcomeAssigned outcome = iota
	outcomeConflict
	outcomeSkipped
	outcomeDropped
)

func (s *Scheduler) tryCandidate(ctx context.Context, runner *store.Runner, session Session, candidate store.PendingJob) (*Assignment, outcome) {
	ctx = logger.WithJobID(ctx, candidate.JobID)
	log := logger.FromContext(ctx, s.logger)

	locked, err := s.store.TryLockJob(ctx, candidate.JobID, s.features.LockTTL)
	if err != nil {
		log.Warn("scheduling lock failed", "error", err)
		return nil, outcomeSkipped
	}
	if !locked {
		// Another request is deciding on this job; skip it for this
		// cycle only.
		return nil, outcomeSkipped
	}
	defer func() {
		if err := s.store.UnlockJob(ctx, candidate.JobID); err != nil {
			log.Debug("unlock failed", "error", err)
		}
	}()

	job, err := s.store.GetJobByID(ctx, candidate.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Stale projection row; the job is gone.
			return nil, outcomeSkipped
		}
		log.Error("loading candidate failed", "error", err)
		return nil, outcomeSkipped
	}
	if job.Status != store.JobStatusPending {
		return nil, outcomeSkipped
	}

	if reason, drop := s.dropReason(ctx, job, session); drop {
		s.drop(ctx, job, reason)
		return nil, outcomeDropped
	}

	deps, ready, err := s.dependenciesReady(ctx, job)
	if err != nil {
		if errors.Is(err, errMissingDependency) {
			s.drop(ctx, job, store.FailureMissingDependency)
			return nil, outcomeDropped
		}
		log.Error("dependency check failed", "error", err)
		return nil, outcomeSkipped
	}
	if !ready {
		return nil, outcomeSkipped
	}

	if job.ResourceGroupKey != "" {
		obtained, err := s.obtainResource(ctx, job)
		if err != nil {
			log.Error("resource group check failed", "error", err)
			return nil, outcomeSkipped
		}
		if !obtained {
			// The resource is held by another job; the candidate stays
			// pending until release.
			return nil, outcomeSkipped
		}
	}

	ok, err := s.store.TryAssignJob(ctx, job.ID, runner.ID, job.LockVersion)
	if err != nil {
		log.Error("assignment failed", "error", err)
		s.drop(ctx, job, store.FailureSchedulerError)
		return nil, outcomeDropped
	}
	if !ok {
		// Lost the race to another scheduler; the winner keeps any
		// resource the job holds.
		s.conflicts.Add(ctx, 1)
		return nil, outcomeConflict
	}

	s.assigned.Add(ctx, 1)
	log.Info("job assigned", "runner_id", runner.ID, "project_id", job.ProjectID)

	s.refreshPipelineStatus(ctx, job.PipelineID)

	assigned := *job
	assigned.Status = store.JobStatusRunning
	assigned.RunnerID = &runner.ID
	return &Assignment{Job: &assigned, Dependencies: deps}, outcomeAssigned
}

// dropReason evaluates the terminal drop conditions that fail a job rather
// than leave it pending forever.
func (s *Scheduler) dropReason(ctx context.Context, job *store.Job, session Session) (store.FailureReason, bool) {
	if len(job.Options.Script) == 0 {
		return store.FailureDataIntegrity, true
	}

	if job.UserID != nil {
		user, err := s.store.GetUserByID(ctx, *job.UserID)
		if err != nil {
			s.logger.Error("resolving job owner failed", "job_id", job.ID, "error", err)
			return store.FailureSchedulerError, true
		}
		if user.Blocked {
			return store.FailureUserBlocked, true
		}
	}

	if f := job.Options.RequiredFeature; f != "" && !session.Features[f] {
		return store.FailureUnsupportedFeature, true
	}

	if max := s.features.MaxPendingPerPipeline; max > 0 {
		count, err := s.store.PendingCountForPipeline(ctx, job.PipelineID)
		if err != nil {
			s.logger.Error("queue depth check failed", "job_id", job.ID, "error", err)
		} else if count > int64(max) {
			return store.FailureSchedulerError, true
		}
	}

	// Projects can carry their own pending-job cap on top of the global
	// per-pipeline valve. A project missing from the read path is treated
	// as uncapped.
	project, err := s.store.GetProjectByID(ctx, job.ProjectID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("resolving job project failed", "job_id", job.ID, "error", err)
		}
		return "", false
	}
	if max := project.MaxPendingJobs; max > 0 {
		count, err := s.store.PendingCountForProject(ctx, job.ProjectID)
		if err != nil {
			s.logger.Error("project queue depth check failed", "job_id", job.ID, "error", err)
		} else if count > int64(max) {
			return store.FailureSchedulerError, true
		}
	}

	return "", false
}

var errMissingDependency = errors.New("missing dependency")

// dependenciesReady reports whether every `needs` edge is satisfied and
// returns the dependency states for the assignment payload. A needed job
// that is still in flight keeps the candidate pending; erased artifacts
// (or a terminally failed need) surface errMissingDependency so the job
// is dropped instead of waiting forever.
func (s *Scheduler) dependenciesReady(ctx context.Context, job *store.Job) ([]store.DependencyState, bool, error) {
	deps, err := s.store.GetJobDependencies(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	if len(deps) == 0 {
		return nil, true, nil
	}

	var pipelineLocked bool
	var pipelineLoaded bool

	for _, dep := range deps {
		if dep.Status != store.JobStatusSuccess {
			if dep.Status.Terminal() {
				return nil, false, errMissingDependency
			}
			return nil, false, nil
		}
		if !dep.WantsArtifacts {
			continue
		}
		if dep.ArtifactsErased {
			return nil, false, errMissingDependency
		}
		if dep.ArtifactsExpired {
			if !pipelineLoaded {
				pipeline, err := s.store.GetPipelineByID(ctx, job.PipelineID)
				if err != nil {
					return nil, false, err
				}
				pipelineLocked = pipeline.Lock == store.LockStateArtifactsLocked
				pipelineLoaded = true
			}
			// Expired artifacts are still retrievable while the pipeline
			// is locked; otherwise the job waits.
			if !pipelineLocked {
				return nil, false, nil
			}
		}
	}
	return deps, true, nil
}

func (s *Scheduler) obtainResource(ctx context.Context, job *store.Job) (bool, error) {
	key := resolveResourceKey(job)
	groupID, err := s.store.UpsertResourceGroup(ctx, nil, job.ProjectID, key)
	if err != nil {
		return false, err
	}
	return s.store.TryObtainResource(ctx, groupID, job.ID)
}

// resolveResourceKey expands variable placeholders in the job's resource
// group key against the job's resolved variable set.
func resolveResourceKey(job *store.Job) string {
	vars := make(ciconfig.Variables, 0, len(job.Variables))
	for _, v := range job.Variables {
		vars = append(vars, ciconfig.Variable{Key: v.Key, Value: v.Value})
	}
	return vars.Expand(job.ResourceGroupKey)
}

func (s *Scheduler) drop(ctx context.Context, job *store.Job, reason store.FailureReason) {
	log := logger.FromContext(ctx, s.logger)
	ok, err := s.store.DropJob(ctx, job.ID, reason)
	if err != nil {
		log.Error("dropping job failed", "reason", reason, "error", err)
		return
	}
	if !ok {
		// The job moved concurrently; whatever state it reached stands.
		return
	}
	s.dropped.Add(ctx, 1)
	log.Info("job dropped", "reason", reason)
	s.releaseResources(ctx, job)
	s.refreshPipelineStatus(ctx, job.PipelineID)
}

// FinishJob records a runner-reported outcome: a conditional
// running→terminal transition, resource release and pipeline status
// aggregation. Reporting against an already-terminal job is a no-op.
func (s *Scheduler) FinishJob(ctx context.Context, jobID uuid.UUID, to store.JobStatus, reason *store.FailureReason) error {
	if !to.Terminal() {
		return fmt.Errorf("status %q is not terminal", to)
	}
	ctx = logger.WithJobID(ctx, jobID)

	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	ok, err := s.store.FinishJob(ctx, jobID, to, reason)
	if err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	if !ok {
		return nil
	}

	s.releaseResources(ctx, job)
	s.refreshPipelineStatus(ctx, job.PipelineID)
	return nil
}

// releaseResources frees the job's resource group holding, if any. The
// release is conditional on the job still being the holder, so concurrent
// drops and finishes are idempotent.
func (s *Scheduler) releaseResources(ctx context.Context, job *store.Job) {
	if job.ResourceGroupKey == "" {
		return
	}
	log := logger.FromContext(ctx, s.logger)
	key := resolveResourceKey(job)
	groupID, err := s.store.UpsertResourceGroup(ctx, nil, job.ProjectID, key)
	if err != nil {
		log.Error("resolving resource group failed", "key", key, "error", err)
		return
	}
	if _, err := s.store.ReleaseResource(ctx, groupID, job.ID); err != nil {
		log.Error("releasing resource failed", "key", key, "error", err)
	}
}

// refreshPipelineStatus recomputes the aggregate after a job mutation.
// Failures here are logged, not propagated: the job transition already
// committed and the next mutation repairs the aggregate.
func (s *Scheduler) refreshPipelineStatus(ctx context.Context, pipelineID uuid.UUID) {
	log := logger.FromContext(ctx, s.logger).With("pipeline_id", pipelineID)
	jobs, err := s.store.ListPipelineJobs(ctx, pipelineID)
	if err != nil {
		log.Error("listing pipeline jobs failed", "error", err)
		return
	}
	status := store.AggregatePipelineStatus(jobs)
	if err := s.store.UpdatePipelineStatus(ctx, nil, pipelineID, status); err != nil {
		log.Error("updating pipeline status failed", "error", err)
	}
}
