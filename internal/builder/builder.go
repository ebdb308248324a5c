// Package builder turns a CI configuration plus commit context into a
// persisted pipeline: it resolves variables, evaluates workflow and job
// rules, validates the dependency graph and writes the result atomically.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pipeforge/internal/ciconfig"
	"pipeforge/internal/logger"
	"pipeforge/internal/store"
)

// Store combines the persistence interfaces pipeline building needs.
type Store interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	store.ProjectStore
	store.PipelineStore
	store.JobStore
	store.QueueStore
}

// AuthorizationError is raised (returned as a distinct kind, never folded
// into the pipeline record) when the requesting user may not create a
// pipeline on the ref.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

// CreateOptions is the full input tuple for one pipeline creation request.
type CreateOptions struct {
	Project *store.Project
	UserID  *uuid.UUID

	Ref       string
	SHA       string
	BeforeSHA string
	Source    store.PipelineSource

	// Config is the CI document source for this commit.
	Config []byte

	// ChangedFiles is the commit range's touched-file set; FilesKnown is
	// false when the caller could not compute it.
	ChangedFiles []string
	FilesKnown   bool

	Variables ciconfig.Variables

	MergeRequestID   *int64
	ParentPipelineID *uuid.UUID

	// ProtectedRef marks jobs as protected, restricting them to
	// protection-capable runners.
	ProtectedRef bool

	// IdempotencyKey, when set, makes creation reuse an existing pipeline
	// for the same (project, ref, sha, key) tuple.
	IdempotencyKey string
}

// Result is the outcome of a creation request. A pipeline persisted in
// failed state with zero jobs still yields a non-nil Pipeline so callers
// can surface the audit record.
type Result struct {
	Pipeline *store.Pipeline
	Jobs     []store.Job

	// Deduplicated is true when an existing pipeline was returned for the
	// request's idempotency key.
	Deduplicated bool
}

// Builder orchestrates pipeline creation.
type Builder struct {
	store  Store
	logger *slog.Logger

	created metric.Int64Counter
	failed  metric.Int64Counter
}

// New creates a pipeline builder.
func New(s Store, logger *slog.Logger) *Builder {
	meter := otel.Meter("pipeforge-builder")
	created, _ := meter.Int64Counter("pipeforge.pipelines.created",
		metric.WithDescription("Pipelines persisted with at least one job"))
	failed, _ := meter.Int64Counter("pipeforge.pipelines.failed",
		metric.WithDescription("Pipelines persisted in failed state with zero jobs"))

	return &Builder{
		store:   s,
		logger:  logger.With("component", "builder"),
		created: created,
		failed:  failed,
	}
}

// CreatePipeline runs the full build chain. Expected validation failures
// never return an error alongside a nil pipeline: the failed pipeline
// record carries the message. Only authorization problems surface as a
// distinct error kind with no pipeline persisted at all.
func (b *Builder) CreatePipeline(ctx context.Context, opts CreateOptions) (res *Result, err error) {
	// Compilation must never crash the calling process; a panic inside
	// the chain becomes a generic pipeline failure.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic during pipeline creation",
				"project_id", opts.Project.ID, "ref", opts.Ref, "panic", r)
			res, err = b.persistFailed(ctx, opts, "internal error during pipeline creation")
		}
	}()

	if err := b.authorize(ctx, opts); err != nil {
		return nil, err
	}

	if opts.IdempotencyKey != "" {
		existing, err := b.store.FindPipelineByKey(ctx, opts.Project.ID, opts.Ref, opts.SHA, opts.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			jobs, err := b.store.ListPipelineJobs(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("loading existing pipeline jobs: %w", err)
			}
			return &Result{Pipeline: existing, Jobs: jobs, Deduplicated: true}, nil
		}
	}

	doc, err := ciconfig.Parse(opts.Config)
	if err != nil {
		return b.persistFailed(ctx, opts, err.Error())
	}
	compiled, err := doc.Compile()
	if err != nil {
		return b.persistFailed(ctx, opts, err.Error())
	}

	pipeline := b.newPipeline(opts)
	vars := predefinedVariables(opts.Project, pipeline).
		Merge(compiled.Variables).
		Merge(opts.Variables)
	matchCtx := ciconfig.MatchContext{
		Variables:    vars,
		ChangedFiles: opts.ChangedFiles,
		FilesKnown:   opts.FilesKnown,
	}

	// Workflow rules decide whether the pipeline exists at all.
	if len(compiled.Workflow) > 0 {
		wf, err := ciconfig.EvaluateRules(compiled.Workflow, ciconfig.WhenAlways, false, matchCtx)
		if err != nil {
			return b.persistFailed(ctx, opts, err.Error())
		}
		if !wf.Include {
			return b.persistFailed(ctx, opts, "pipeline filtered out by workflow rules")
		}
	}

	included, err := b.evaluateJobRules(compiled, vars, matchCtx)
	if err != nil {
		return b.persistFailed(ctx, opts, err.Error())
	}
	if len(included) == 0 {
		return b.persistFailed(ctx, opts, "no jobs matched the pipeline context")
	}

	if err := validateDAG(included); err != nil {
		return b.persistFailed(ctx, opts, err.Error())
	}

	return b.persist(ctx, opts, pipeline, compiled, included, vars)
}

func (b *Builder) authorize(ctx context.Context, opts CreateOptions) error {
	if opts.UserID == nil {
		return nil
	}
	user, err := b.store.GetUserByID(ctx, *opts.UserID)
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	if user.Blocked {
		return &AuthorizationError{Reason: fmt.Sprintf("user %s is blocked", user.Username)}
	}
	return nil
}

func (b *Builder) newPipeline(opts CreateOptions) *store.Pipeline {
	var key *string
	if opts.IdempotencyKey != "" {
		key = &opts.IdempotencyKey
	}
	return &store.Pipeline{
		ID:               uuid.New(),
		ProjectID:        opts.Project.ID,
		UserID:           opts.UserID,
		Ref:              opts.Ref,
		SHA:              opts.SHA,
		BeforeSHA:        opts.BeforeSHA,
		Source:           opts.Source,
		Status:           store.PipelineStatusCreated,
		Lock:             store.LockStateUnlocked,
		ParentPipelineID: opts.ParentPipelineID,
		MergeRequestID:   opts.MergeRequestID,
		IdempotencyKey:   key,
		CreatedAt:        time.Now().UTC(),
	}
}

// evaluateJobRules applies each job's rule set in document order and
// returns the included jobs with their effective when/allow_failure.
func (b *Builder) evaluateJobRules(compiled *ciconfig.Compiled, vars ciconfig.Variables, matchCtx ciconfig.MatchContext) ([]ciconfig.CompiledJob, error) {
	var included []ciconfig.CompiledJob
	for _, job := range compiled.Jobs {
		jobCtx := matchCtx
		jobCtx.Variables = jobVariables(vars, &job)

		result, err := ciconfig.EvaluateRules(job.Rules, job.When, job.AllowFailure, jobCtx)
		if err != nil {
			return nil, fmt.Errorf("job:%s %w", job.Name, err)
		}
		if !result.Include {
			continue
		}
		job.When = result.When
		job.AllowFailure = result.AllowFailure
		job.StartIn = result.StartIn
		included = append(included, job)
	}
	return included, nil
}

// persist writes the pipeline graph in one transaction, with stages, jobs
// and dependency edges inserted in bulk.
func (b *Builder) persist(ctx context.Context, opts CreateOptions, pipeline *store.Pipeline, compiled *ciconfig.Compiled, included []ciconfig.CompiledJob, vars ciconfig.Variables) (*Result, error) {
	now := time.Now().UTC()

	usedStages := make(map[string]bool, len(included))
	for _, job := range included {
		usedStages[job.Stage] = true
	}

	var stages []store.Stage
	stageIDs := make(map[string]uuid.UUID)
	for pos, name := range compiled.Stages {
		if !usedStages[name] {
			continue
		}
		id := uuid.New()
		stageIDs[name] = id
		stages = append(stages, store.Stage{
			ID:         id,
			PipelineID: pipeline.ID,
			Name:       name,
			Position:   pos,
		})
	}

	var jobs []store.Job
	var needs []store.JobNeed
	jobStatuses := make([]store.Job, 0, len(included))
	for _, cj := range included {
		job := b.newJob(opts, pipeline, &cj, stageIDs[cj.Stage], vars, now)
		jobs = append(jobs, job)
		jobStatuses = append(jobStatuses, job)
		for _, need := range cj.Needs {
			needs = append(needs, store.JobNeed{JobID: job.ID, Name: need.Name, Artifacts: need.Artifacts})
		}
	}

	pipeline.Status = store.AggregatePipelineStatus(jobStatuses)

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := b.store.CreatePipeline(ctx, tx, pipeline); err != nil {
		return nil, fmt.Errorf("persisting pipeline: %w", err)
	}
	if err := b.store.InsertStages(ctx, tx, stages); err != nil {
		return nil, fmt.Errorf("persisting stages: %w", err)
	}
	if err := b.store.InsertJobs(ctx, tx, jobs); err != nil {
		return nil, fmt.Errorf("persisting jobs: %w", err)
	}
	if err := b.store.InsertNeeds(ctx, tx, needs); err != nil {
		return nil, fmt.Errorf("persisting dependency edges: %w", err)
	}

	var pending []store.Job
	for _, job := range jobs {
		if job.Status == store.JobStatusPending {
			pending = append(pending, job)
		}
	}
	if err := b.store.EnqueuePendingJobs(ctx, tx, pending, opts.Project); err != nil {
		return nil, fmt.Errorf("enqueueing jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	b.created.Add(ctx, 1)
	logger.FromContext(ctx, b.logger).Info("pipeline created",
		"pipeline_id", pipeline.ID, "ref", pipeline.Ref, "jobs", len(jobs))

	return &Result{Pipeline: pipeline, Jobs: jobs}, nil
}

func (b *Builder) newJob(opts CreateOptions, pipeline *store.Pipeline, cj *ciconfig.CompiledJob, stageID uuid.UUID, vars ciconfig.Variables, now time.Time) store.Job {
	status := store.JobStatusPending
	var queuedAt *time.Time
	switch cj.When {
	case ciconfig.WhenManual:
		// Manual jobs wait for a play action; they are not queued.
		status = store.JobStatusCreated
	default:
		queuedAt = &now
	}

	resolved := jobVariables(vars, cj)
	jobVars := make([]store.JobVariable, 0, len(resolved))
	for _, v := range resolved {
		jobVars = append(jobVars, store.JobVariable{Key: v.Key, Value: v.Value, Masked: v.Masked})
	}

	options := store.JobOptions{
		Script:         cj.Script,
		TimeoutSeconds: int(cj.Timeout / time.Second),
		Retry:          store.RetryPolicy{Max: cj.Retry.Max, When: cj.Retry.When},
		StartInSeconds: int(cj.StartIn / time.Second),
	}
	if cj.Environment != nil {
		options.Environment = &store.Environment{Name: cj.Environment.Name, URL: cj.Environment.URL}
	}

	return store.Job{
		ID:               uuid.New(),
		PipelineID:       pipeline.ID,
		ProjectID:        opts.Project.ID,
		UserID:           opts.UserID,
		StageID:          stageID,
		StageName:        cj.Stage,
		StageIndex:       cj.StageIndex,
		Name:             cj.Name,
		Status:           status,
		When:             cj.When,
		AllowFailure:     cj.AllowFailure,
		Tags:             cj.Tags,
		Protected:        opts.ProtectedRef,
		Interruptible:    cj.Interruptible,
		ResourceGroupKey: cj.ResourceGroup,
		Options:          options,
		Variables:        jobVars,
		CreatedAt:        now,
		QueuedAt:         queuedAt,
	}
}

// persistFailed writes the audit record for a pipeline that failed
// compilation: failed status, the aggregated error message and zero jobs.
func (b *Builder) persistFailed(ctx context.Context, opts CreateOptions, message string) (*Result, error) {
	pipeline := b.newPipeline(opts)
	pipeline.Status = store.PipelineStatusFailed
	pipeline.ErrorMessage = message
	now := time.Now().UTC()
	pipeline.FinishedAt = &now

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := b.store.CreatePipeline(ctx, tx, pipeline); err != nil {
		return nil, fmt.Errorf("persisting failed pipeline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	b.failed.Add(ctx, 1)
	logger.FromContext(ctx, b.logger).Info("pipeline failed compilation",
		"pipeline_id", pipeline.ID, "ref", pipeline.Ref, "error", message)

	return &Result{Pipeline: pipeline}, nil
}
