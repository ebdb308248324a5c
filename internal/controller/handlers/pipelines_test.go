package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"pipeforge/internal/builder"
	"pipeforge/internal/controller/middleware"
	"pipeforge/internal/store"
	"pipeforge/pkg/api"
)

func createPipelineRequest(t *testing.T, project *store.Project, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/projects/"+project.ID.String()+"/pipelines", bytes.NewReader(raw))
	return req.WithContext(middleware.NewContextWithProject(req.Context(), project))
}

func pipelineMux(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{id}/pipelines", h.CreatePipeline)
	mux.HandleFunc("GET /projects/{id}/pipelines/{pipeline_id}", h.GetPipeline)
	return mux
}

func validCreateRequest() api.CreatePipelineRequest {
	return api.CreatePipelineRequest{
		Ref:    "main",
		SHA:    "abc123",
		Source: "push",
		Config: "run:\n  script: echo hi\n",
	}
}

func TestCreatePipeline_Success(t *testing.T) {
	project := &store.Project{ID: uuid.New(), DefaultBranch: "main"}
	pipeline := &store.Pipeline{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Ref:       "main",
		SHA:       "abc123",
		Status:    store.PipelineStatusPending,
		Source:    store.SourcePush,
		CreatedAt: time.Now(),
	}
	b := &mockBuilder{result: &builder.Result{
		Pipeline: pipeline,
		Jobs:     []store.Job{{ID: uuid.New(), Name: "run", StageName: "test", Status: store.JobStatusPending}},
	}}
	c := &mockCanceler{}
	h := newTestHandlers(nil, b, c, nil)

	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, createPipelineRequest(t, project, validCreateRequest()))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	var resp api.PipelineResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID != pipeline.ID.String() || resp.Status != "pending" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].Name != "run" {
		t.Errorf("jobs = %+v", resp.Jobs)
	}
	if c.calls != 1 {
		t.Error("auto-cancellation should run after a fresh creation")
	}

	// Default branch refs are protected.
	if !b.lastOpts.ProtectedRef {
		t.Error("ref equal to the default branch must be marked protected")
	}
	if b.lastOpts.FilesKnown {
		t.Error("absent changed_files means the file set is unknown")
	}
}

func TestCreatePipeline_DeduplicatedReturns200(t *testing.T) {
	project := &store.Project{ID: uuid.New(), DefaultBranch: "main"}
	b := &mockBuilder{result: &builder.Result{
		Pipeline:     &store.Pipeline{ID: uuid.New(), ProjectID: project.ID, Status: store.PipelineStatusRunning},
		Deduplicated: true,
	}}
	c := &mockCanceler{}
	h := newTestHandlers(nil, b, c, nil)

	req := validCreateRequest()
	req.IdempotencyKey = "deploy-1"

	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, createPipelineRequest(t, project, req))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a deduplicated request", rr.Code)
	}
	if c.calls != 0 {
		t.Error("auto-cancellation must not run for a deduplicated pipeline")
	}
}

func TestCreatePipeline_Validation(t *testing.T) {
	project := &store.Project{ID: uuid.New(), DefaultBranch: "main"}

	tests := []struct {
		name   string
		mutate func(*api.CreatePipelineRequest)
	}{
		{"missing ref", func(r *api.CreatePipelineRequest) { r.Ref = "" }},
		{"missing sha", func(r *api.CreatePipelineRequest) { r.SHA = "" }},
		{"unknown source", func(r *api.CreatePipelineRequest) { r.Source = "crontab" }},
		{"missing config", func(r *api.CreatePipelineRequest) { r.Config = "" }},
		{"bad parent id", func(r *api.CreatePipelineRequest) {
			bad := "not-a-uuid"
			r.ParentPipelineID = &bad
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(nil, nil, nil, nil)
			req := validCreateRequest()
			tt.mutate(&req)

			rr := httptest.NewRecorder()
			pipelineMux(h).ServeHTTP(rr, createPipelineRequest(t, project, req))

			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestCreatePipeline_ProjectIDMismatch(t *testing.T) {
	project := &store.Project{ID: uuid.New(), DefaultBranch: "main"}
	h := newTestHandlers(nil, nil, nil, nil)

	raw, _ := json.Marshal(validCreateRequest())
	req := httptest.NewRequest(http.MethodPost, "/projects/"+uuid.New().String()+"/pipelines", bytes.NewReader(raw))
	req = req.WithContext(middleware.NewContextWithProject(req.Context(), project))

	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for a token/path mismatch", rr.Code)
	}
}

func TestCreatePipeline_AuthorizationError(t *testing.T) {
	project := &store.Project{ID: uuid.New(), DefaultBranch: "main"}
	b := &mockBuilder{err: &builder.AuthorizationError{Reason: "user blocked"}}
	h := newTestHandlers(nil, b, nil, nil)

	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, createPipelineRequest(t, project, validCreateRequest()))

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestCreatePipeline_ChangedFilesMarkKnown(t *testing.T) {
	project := &store.Project{ID: uuid.New(), DefaultBranch: "main"}
	b := &mockBuilder{result: &builder.Result{
		Pipeline: &store.Pipeline{ID: uuid.New(), ProjectID: project.ID},
	}}
	h := newTestHandlers(nil, b, nil, nil)

	req := validCreateRequest()
	req.ChangedFiles = []string{}

	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, createPipelineRequest(t, project, req))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if !b.lastOpts.FilesKnown {
		t.Error("an empty (non-nil) changed_files list means the file set is known")
	}
}

func TestGetPipeline(t *testing.T) {
	project := &store.Project{ID: uuid.New()}
	pipelineID := uuid.New()
	reason := store.FailureMissingDependency

	s := &mockStore{
		getPipelineResp: &store.Pipeline{
			ID:        pipelineID,
			ProjectID: project.ID,
			Ref:       "main",
			Status:    store.PipelineStatusFailed,
		},
		listJobsResp: []store.Job{
			{ID: uuid.New(), Name: "run", Status: store.JobStatusFailed, FailureReason: &reason},
		},
	}
	h := newTestHandlers(s, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/projects/"+project.ID.String()+"/pipelines/"+pipelineID.String(), nil)
	req = req.WithContext(middleware.NewContextWithProject(req.Context(), project))
	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp api.PipelineResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Jobs[0].FailureReason == nil || *resp.Jobs[0].FailureReason != "missing_dependency" {
		t.Errorf("failure reason = %v", resp.Jobs[0].FailureReason)
	}
}

func TestGetPipeline_OtherProjectMasked(t *testing.T) {
	project := &store.Project{ID: uuid.New()}
	pipelineID := uuid.New()

	s := &mockStore{
		getPipelineResp: &store.Pipeline{ID: pipelineID, ProjectID: uuid.New()},
	}
	h := newTestHandlers(s, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/projects/"+project.ID.String()+"/pipelines/"+pipelineID.String(), nil)
	req = req.WithContext(middleware.NewContextWithProject(req.Context(), project))
	rr := httptest.NewRecorder()
	pipelineMux(h).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, another project's pipeline must be masked as 404", rr.Code)
	}
}
