package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"pipeforge/pkg/api"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ci.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTriggerCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "/projects/proj-1/pipelines") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}

		var req api.CreatePipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("invalid request body: %v", err)
		}
		if req.Ref != "main" || req.SHA != "abc123" {
			t.Errorf("unexpected commit context: %+v", req)
		}
		if !strings.Contains(req.Config, "build:") {
			t.Errorf("config not forwarded: %q", req.Config)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.PipelineResponse{
			ID:     "pipe-1",
			Ref:    "main",
			SHA:    "abc123",
			Status: "pending",
			Jobs:   []api.JobSummary{{ID: "job-1", Name: "build", Stage: "build", Status: "pending"}},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	configPath := writeConfigFile(t, "build:\n  script: [make]\n")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"trigger",
		"--project", "proj-1", "--ref", "main", "--sha", "abc123",
		"--config", configPath})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "pipe-1") {
		t.Errorf("expected pipeline ID in output, got: %s", output)
	}
	if !strings.Contains(output, "Jobs: 1") {
		t.Errorf("expected job count in output, got: %s", output)
	}
}

func TestTriggerCommand_CompilationFailure(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.PipelineResponse{
			ID:           "pipe-2",
			Status:       "failed",
			ErrorMessage: "jobs:build config contains unknown stage: ship",
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	configPath := writeConfigFile(t, "build:\n  stage: ship\n  script: [make]\n")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"trigger",
		"--project", "proj-1", "--ref", "main", "--sha", "abc123",
		"--config", configPath})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "unknown stage") {
		t.Errorf("expected compile error in output, got: %s", output)
	}
}

func TestTriggerCommand_MissingToken(t *testing.T) {
	resetViper()

	viper.Set("url", "http://localhost:1")
	viper.Set("token", "")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"trigger",
		"--project", "proj-1", "--ref", "main", "--sha", "abc123",
		"--config", "unused.yml"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "API token not found") {
		t.Errorf("expected token error, got: %s", stdout.String())
	}
}
