package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"pipeforge/internal/builder"
	"pipeforge/internal/ciconfig"
	"pipeforge/internal/controller/middleware"
	"pipeforge/internal/logger"
	"pipeforge/internal/store"
	"pipeforge/pkg/api"
)

// CreatePipeline handles POST /projects/{id}/pipelines.
// It compiles the submitted CI configuration against the commit context and
// persists the resulting pipeline. Configuration errors still return 201:
// the pipeline is persisted in failed state as an audit record.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, ok := middleware.ProjectFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.PathValue("id") != project.ID.String() {
		h.httpError(w, "Project not found", http.StatusNotFound)
		return
	}

	var req api.CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Ref == "" || req.SHA == "" {
		h.httpError(w, "Ref and SHA are required", http.StatusBadRequest)
		return
	}
	source := store.PipelineSource(req.Source)
	if !store.ValidSource(source) {
		h.httpError(w, "Unknown pipeline source", http.StatusBadRequest)
		return
	}
	if req.Config == "" {
		h.httpError(w, "Config is required", http.StatusBadRequest)
		return
	}

	var parentID *uuid.UUID
	if req.ParentPipelineID != nil {
		id, err := uuid.Parse(*req.ParentPipelineID)
		if err != nil {
			h.httpError(w, "Invalid parent pipeline id", http.StatusBadRequest)
			return
		}
		parentID = &id
	}

	vars := make(ciconfig.Variables, 0, len(req.Variables))
	for _, v := range req.Variables {
		vars = append(vars, ciconfig.Variable{Key: v.Key, Value: v.Value, Masked: v.Masked})
	}

	opts := builder.CreateOptions{
		Project:          project,
		Ref:              req.Ref,
		SHA:              req.SHA,
		BeforeSHA:        req.BeforeSHA,
		Source:           source,
		Config:           []byte(req.Config),
		ChangedFiles:     req.ChangedFiles,
		FilesKnown:       req.ChangedFiles != nil,
		Variables:        vars,
		MergeRequestID:   req.MergeRequestID,
		ParentPipelineID: parentID,
		ProtectedRef:     protectedRef(project, req.Ref),
		IdempotencyKey:   req.IdempotencyKey,
	}

	result, err := h.builder.CreatePipeline(ctx, opts)
	if err != nil {
		var authErr *builder.AuthorizationError
		if errors.As(err, &authErr) {
			h.httpError(w, authErr.Reason, http.StatusForbidden)
			return
		}
		h.httpError(w, "Failed to create pipeline", http.StatusInternalServerError)
		return
	}

	if !result.Deduplicated {
		ctx = logger.WithPipelineID(ctx, result.Pipeline.ID)
		if err := h.canceler.Run(ctx, project, result.Pipeline); err != nil {
			logger.FromContext(ctx, h.logger).Warn("auto-cancellation failed", "error", err)
		}
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	h.respondJson(w, status, pipelineResponse(result.Pipeline, result.Jobs))
}

// GetPipeline handles GET /projects/{id}/pipelines/{pipeline_id}.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, ok := middleware.ProjectFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	pipelineID, err := uuid.Parse(r.PathValue("pipeline_id"))
	if err != nil {
		h.httpError(w, "Invalid pipeline id", http.StatusBadRequest)
		return
	}

	pipeline, err := h.store.GetPipelineByID(ctx, pipelineID)
	if err != nil || pipeline.ProjectID != project.ID {
		h.httpError(w, "Pipeline not found", http.StatusNotFound)
		return
	}

	jobs, err := h.store.ListPipelineJobs(ctx, pipelineID)
	if err != nil {
		h.httpError(w, "Failed to load pipeline jobs", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, pipelineResponse(pipeline, jobs))
}

// protectedRef reports whether jobs on this ref must be restricted to
// protection-capable runners. The default branch and all tags count as
// protected.
func protectedRef(project *store.Project, ref string) bool {
	return ref == project.DefaultBranch || strings.HasPrefix(ref, "refs/tags/")
}

func pipelineResponse(p *store.Pipeline, jobs []store.Job) api.PipelineResponse {
	resp := api.PipelineResponse{
		ID:           p.ID.String(),
		Ref:          p.Ref,
		SHA:          p.SHA,
		Status:       string(p.Status),
		Source:       string(p.Source),
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    p.CreatedAt,
	}
	for _, job := range jobs {
		summary := api.JobSummary{
			ID:           job.ID.String(),
			Name:         job.Name,
			Stage:        job.StageName,
			Status:       string(job.Status),
			When:         job.When,
			AllowFailure: job.AllowFailure,
		}
		if job.FailureReason != nil {
			reason := string(*job.FailureReason)
			summary.FailureReason = &reason
		}
		resp.Jobs = append(resp.Jobs, summary)
	}
	return resp
}
