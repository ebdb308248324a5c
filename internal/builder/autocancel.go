package builder

import (
	"context"
	"fmt"
	"log/slog"

	"pipeforge/internal/logger"
	"pipeforge/internal/store"
)

// AutoCanceler supersedes redundant pipelines: when a new pipeline is
// created on a ref, older non-terminal pipelines on the same ref have
// their interruptible jobs canceled. Cancellation is advisory; every
// transition is conditional, so jobs finishing concurrently keep their
// final state.
type AutoCanceler struct {
	store  Store
	logger *slog.Logger
}

// NewAutoCanceler creates the auto-cancellation service.
func NewAutoCanceler(s Store, logger *slog.Logger) *AutoCanceler {
	return &AutoCanceler{store: s, logger: logger.With("component", "autocancel")}
}

// Run cancels pipelines superseded by newPipeline. It is invoked after a
// successful build and never fails the creation request: errors are
// reported to the caller but the new pipeline stands.
func (c *AutoCanceler) Run(ctx context.Context, project *store.Project, newPipeline *store.Pipeline) error {
	if !project.AutoCancelPending {
		return nil
	}

	// Only pipelines created before the new one are superseded. Without
	// the cutoff, two near-concurrent creations would cancel each other.
	candidates, err := c.store.FindSupersedablePipelines(ctx, project.ID, newPipeline.Ref, newPipeline.CreatedAt, newPipeline.ID)
	if err != nil {
		return fmt.Errorf("finding supersedable pipelines: %w", err)
	}

	for _, p := range candidates {
		if err := c.cancelPipeline(ctx, &p); err != nil {
			logger.FromContext(ctx, c.logger).Warn("auto-cancel skipped pipeline",
				"superseded_pipeline_id", p.ID, "error", err)
		}
	}
	return nil
}

func (c *AutoCanceler) cancelPipeline(ctx context.Context, p *store.Pipeline) error {
	jobs, err := c.store.ListPipelineJobs(ctx, p.ID)
	if err != nil {
		return err
	}

	canceled := 0
	for _, job := range jobs {
		if job.Status.Terminal() || !job.Interruptible {
			continue
		}
		ok, err := c.store.CancelJobIfInterruptible(ctx, job.ID)
		if err != nil {
			return err
		}
		if ok {
			canceled++
		}
	}

	// Recompute the aggregate from fresh state: jobs may have finished
	// or been canceled between listing and now.
	jobs, err = c.store.ListPipelineJobs(ctx, p.ID)
	if err != nil {
		return err
	}
	status := store.AggregatePipelineStatus(jobs)
	if status.Terminal() {
		if err := c.store.UpdatePipelineStatus(ctx, nil, p.ID, status); err != nil {
			return err
		}
	}

	logger.FromContext(ctx, c.logger).Info("superseded pipeline processed",
		"superseded_pipeline_id", p.ID, "jobs_canceled", canceled, "status", status)
	return nil
}
