// Package runner contains the runner agent: a poll loop that requests
// jobs from the controller, executes their scripts and reports results.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pipeforge/internal/runner/runtime"
	"pipeforge/pkg/api"
)

// AgentConfig holds configuration for the runner agent.
type AgentConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // Maximum backoff when no work is available (default: 30s)

	// Features declares this runner's capabilities, echoed on every poll.
	Features map[string]bool

	Version string
}

// Agent is the runner agent that runs the poll-loop for job execution.
type Agent struct {
	client  *Client
	runtime runtime.Runtime
	config  AgentConfig
	logger  *slog.Logger
	done    chan struct{}
}

// New creates a new runner agent.
func New(c *Client, rt runtime.Runtime, config AgentConfig, logger *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	return &Agent{
		client:  c,
		runtime: rt,
		config:  config,
		logger:  logger.With("component", "runner-agent"),
		done:    make(chan struct{}),
	}
}

// Run starts the main poll-loop. It blocks until the context is cancelled.
// On shutdown, it stops requesting new work and allows in-flight jobs to
// finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty polls, resets on work found)
	currentBackoff := a.config.PollInterval

	// Helper to trigger immediate non-blocking re-poll
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	// Initial poll
	triggerPoll()

	info := api.RunnerInfo{Features: a.config.Features, Version: a.config.Version}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			// Timer-based poll (with backoff)
			triggerPoll()

		case <-pollNow:
			if len(sem) >= a.config.Concurrency {
				continue
			}

			job, err := a.client.RequestJob(ctx, info)
			if err != nil {
				a.logger.Warn("job request failed", "error", err)
				continue
			}
			if job == nil {
				// No work - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval

			sem <- struct{}{}
			wg.Add(1)
			go func(job *api.JobPayload) {
				defer wg.Done()
				defer func() {
					<-sem
					// Slot available again - trigger immediate re-poll
					triggerPoll()
				}()
				a.process(ctx, job)
			}(job)

			// More slots may be free; poll again immediately.
			triggerPoll()
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// process executes one assigned job and reports the outcome.
func (a *Agent) process(ctx context.Context, job *api.JobPayload) {
	tracer := otel.Tracer("runner-agent")
	spanCtx, span := tracer.Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.name", job.Name),
			attribute.String("pipeline.id", job.PipelineID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log := a.logger.With("job_id", job.ID, "job_name", job.Name)
	log.Info("processing job")

	env := make(map[string]string, len(job.Variables))
	for _, v := range job.Variables {
		env[v.Key] = v.Value
	}

	timeout := time.Hour
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	// The execution context is independent of the poll context: an
	// in-flight job finishes even while the agent is draining.
	execCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	handle, err := a.runtime.Start(execCtx, runtime.StartOptions{
		Script: job.Script,
		Env:    env,
	})
	if err != nil {
		log.Error("failed to start job script", "error", err)
		a.report(job.ID, api.UpdateJobStatusRequest{
			State:         "failed",
			FailureReason: "script_failure",
		})
		return
	}

	var logWG sync.WaitGroup
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		a.streamLogs(job, handle)
	}()

	exitCode, err := handle.Wait(execCtx)
	logWG.Wait()

	if err != nil {
		span.RecordError(err)

		if execCtx.Err() == context.DeadlineExceeded {
			log.Warn("job timed out", "timeout", timeout)
			a.report(job.ID, api.UpdateJobStatusRequest{
				State:         "failed",
				FailureReason: "stuck_or_timeout_failure",
			})
			return
		}

		log.Error("waiting for job script failed", "error", err)
		a.report(job.ID, api.UpdateJobStatusRequest{
			State:         "failed",
			FailureReason: "script_failure",
		})
		return
	}

	span.SetAttributes(attribute.Int("exit_code", exitCode))

	if exitCode == 0 {
		log.Info("job completed")
		a.report(job.ID, api.UpdateJobStatusRequest{State: "success"})
		return
	}

	log.Info("job failed", "exit_code", exitCode)
	a.report(job.ID, api.UpdateJobStatusRequest{
		State:         "failed",
		FailureReason: "script_failure",
		ExitCode:      &exitCode,
	})
}

// report sends the outcome with a fresh context: the poll context may
// already be cancelled during drain.
func (a *Agent) report(jobID string, update api.UpdateJobStatusRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.client.UpdateStatus(ctx, jobID, update); err != nil {
		a.logger.Error("reporting job status failed", "job_id", jobID, "error", err)
	}
}

// streamLogs copies script output to the agent's own log, line by line.
func (a *Agent) streamLogs(job *api.JobPayload, handle runtime.Handle) {
	rc := handle.Logs()
	if rc == nil {
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		fmt.Printf("[%s] %s\n", job.Name, scanner.Text())
	}
}
