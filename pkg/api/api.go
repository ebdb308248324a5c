// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the controller and the runner agent.
package api

import "time"

// Variable is a single CI variable as exchanged over the wire.
type Variable struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Masked bool   `json:"masked,omitempty"`
}

// CreatePipelineRequest is the request body for creating a new pipeline.
type CreatePipelineRequest struct {
	Ref       string `json:"ref"`
	SHA       string `json:"sha"`
	BeforeSHA string `json:"before_sha,omitempty"`
	Source    string `json:"source"`

	// ChangedFiles is the set of paths touched by the commit range.
	// Supplied by the caller (the git layer is external to this service);
	// nil means the file set is unknown.
	ChangedFiles []string `json:"changed_files,omitempty"`

	Variables []Variable `json:"variables,omitempty"`

	// MergeRequestID is set for merge-request pipelines.
	MergeRequestID *int64 `json:"merge_request_id,omitempty"`

	// ParentPipelineID is set when a bridge job in another pipeline
	// triggered this one.
	ParentPipelineID *string `json:"parent_pipeline_id,omitempty"`

	// IdempotencyKey makes the create call reuse an existing pipeline for
	// the same (ref, sha, key) tuple instead of creating a new one.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Config is the CI configuration document for this commit. The git
	// layer is external to this service, so the caller supplies it.
	Config string `json:"config,omitempty"`
}

// JobSummary is a compact job representation in pipeline responses.
type JobSummary struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Stage         string  `json:"stage"`
	Status        string  `json:"status"`
	When          string  `json:"when"`
	AllowFailure  bool    `json:"allow_failure"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// PipelineResponse is the response body for pipeline creation and lookup.
type PipelineResponse struct {
	ID           string       `json:"id"`
	Ref          string       `json:"ref"`
	SHA          string       `json:"sha"`
	Status       string       `json:"status"`
	Source       string       `json:"source"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Jobs         []JobSummary `json:"jobs,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RunnerInfo describes the requesting runner's capabilities.
type RunnerInfo struct {
	// Features declares runner capabilities by name. A job that requires a
	// capability the runner does not report is dropped for that runner.
	Features map[string]bool `json:"features,omitempty"`
	Version  string          `json:"version,omitempty"`
}

// RequestJobRequest is the body a runner sends when polling for work.
type RequestJobRequest struct {
	Info RunnerInfo `json:"info"`
}

// ArtifactDependency names an earlier job whose artifacts this job consumes.
type ArtifactDependency struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
}

// JobPayload is the full job description handed to a runner on assignment.
type JobPayload struct {
	ID             string               `json:"id"`
	PipelineID     string               `json:"pipeline_id"`
	Name           string               `json:"name"`
	Stage          string               `json:"stage"`
	Script         []string             `json:"script"`
	Variables      []Variable           `json:"variables"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
	Tags           []string             `json:"tags,omitempty"`
	Dependencies   []ArtifactDependency `json:"dependencies,omitempty"`
}

// UpdateJobStatusRequest is sent by a runner to report a job outcome.
type UpdateJobStatusRequest struct {
	State         string `json:"state"` // success, failed, canceled
	FailureReason string `json:"failure_reason,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
}

// VariableDefinition is one resolved top-level variable declaration, used by
// the config introspection endpoint.
type VariableDefinition struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// VariablesResponse is the response body for config variable introspection.
type VariablesResponse struct {
	Variables []VariableDefinition `json:"variables"`
}

// LintRequest is the request body for config validation.
type LintRequest struct {
	Config string `json:"config"`
}

// LintResponse reports structural validity of a CI configuration.
type LintResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
