package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"pipeforge/internal/controller/middleware"
	"pipeforge/internal/scheduler"
	"pipeforge/internal/store"
	"pipeforge/pkg/api"
)

// RequestJob handles POST /runners/request.
// Runners poll this endpoint for work. 204 means no job matched; runners
// back off and poll again.
func (h *Handlers) RequestJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runner, ok := middleware.RunnerFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.RequestJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	assignment, err := h.dispatcher.RequestJob(ctx, runner, scheduler.Session{Features: req.Info.Features})
	if errors.Is(err, scheduler.ErrNoJobAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.httpError(w, "Failed to request job", http.StatusInternalServerError)
		return
	}

	job := assignment.Job
	payload := api.JobPayload{
		ID:             job.ID.String(),
		PipelineID:     job.PipelineID.String(),
		Name:           job.Name,
		Stage:          job.StageName,
		Script:         job.Options.Script,
		TimeoutSeconds: job.Options.TimeoutSeconds,
		Tags:           job.Tags,
	}
	for _, v := range job.Variables {
		payload.Variables = append(payload.Variables, api.Variable{
			Key: v.Key, Value: v.Value, Masked: v.Masked,
		})
	}

	// Dependencies name the earlier jobs whose artifacts the runner should
	// download before running the script. They ride along on the assignment
	// so an already-bound job never fails the response.
	for _, dep := range assignment.Dependencies {
		if !dep.WantsArtifacts {
			continue
		}
		payload.Dependencies = append(payload.Dependencies, api.ArtifactDependency{
			JobID:   dep.JobID.String(),
			JobName: dep.Name,
		})
	}

	h.respondJson(w, http.StatusCreated, payload)
}

// UpdateJobStatus handles PUT /runners/jobs/{id}/status.
// The assigned runner reports the job outcome. Reports against a job that
// already reached a terminal state are acknowledged without effect.
func (h *Handlers) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runner, ok := middleware.RunnerFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	var req api.UpdateJobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var to store.JobStatus
	var reason *store.FailureReason
	switch req.State {
	case "success":
		to = store.JobStatusSuccess
	case "canceled":
		to = store.JobStatusCanceled
	case "failed":
		to = store.JobStatusFailed
		fr := store.FailureScriptFailure
		if req.FailureReason != "" {
			fr = store.FailureReason(req.FailureReason)
		}
		reason = &fr
	default:
		h.httpError(w, "Unknown job state", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}
	if job.RunnerID == nil || *job.RunnerID != runner.ID {
		h.httpError(w, "Job is not assigned to this runner", http.StatusForbidden)
		return
	}

	if err := h.dispatcher.FinishJob(ctx, jobID, to, reason); err != nil {
		h.httpError(w, "Failed to update job status", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, map[string]string{"status": string(to)})
}
