package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pipeforge/pkg/api"
)

func TestClient_RequestJob_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runners/request" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer runner-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "runner-token")
	job, err := c.RequestJob(context.Background(), api.RunnerInfo{})
	if err != nil {
		t.Fatalf("RequestJob: %v", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil on 204", job)
	}
}

func TestClient_RequestJob_DecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.RequestJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding poll body: %v", err)
		}
		if !req.Info.Features["artifacts"] {
			t.Errorf("features = %v", req.Info.Features)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.JobPayload{
			ID:     "j-1",
			Name:   "build",
			Script: []string{"make"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "runner-token")
	job, err := c.RequestJob(context.Background(), api.RunnerInfo{
		Features: map[string]bool{"artifacts": true},
	})
	if err != nil {
		t.Fatalf("RequestJob: %v", err)
	}
	if job == nil || job.ID != "j-1" || len(job.Script) != 1 {
		t.Errorf("job = %+v", job)
	}
}

func TestClient_RequestJob_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "runner-token")
	if _, err := c.RequestJob(context.Background(), api.RunnerInfo{}); err == nil {
		t.Error("expected an error for a 502 response")
	}
}

func TestClient_UpdateStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/runners/jobs/j-1/status" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req api.UpdateJobStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding update body: %v", err)
		}
		if req.State != "failed" || req.FailureReason != "script_failure" {
			t.Errorf("update = %+v", req)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "runner-token")
	err := c.UpdateStatus(context.Background(), "j-1", api.UpdateJobStatusRequest{
		State:         "failed",
		FailureReason: "script_failure",
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}

func TestClient_UpdateStatus_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "runner-token")
	if err := c.UpdateStatus(context.Background(), "j-1", api.UpdateJobStatusRequest{State: "success"}); err == nil {
		t.Error("expected an error for a 403 response")
	}
}
