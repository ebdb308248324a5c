package builder

import (
	"testing"

	"github.com/google/uuid"

	"pipeforge/internal/ciconfig"
	"pipeforge/internal/store"
)

func TestPredefinedVariables_Branch(t *testing.T) {
	project := testProject()
	p := &store.Pipeline{
		ID:     uuid.New(),
		Ref:    "main",
		SHA:    "0123456789abcdef",
		Source: store.SourcePush,
	}

	vars := predefinedVariables(project, p)

	if v, _ := vars.Get("CI_COMMIT_BRANCH"); v != "main" {
		t.Errorf("CI_COMMIT_BRANCH = %q, want main", v)
	}
	if _, ok := vars.Get("CI_COMMIT_TAG"); ok {
		t.Error("branch pipelines must not define CI_COMMIT_TAG")
	}
	if v, _ := vars.Get("CI_COMMIT_SHORT_SHA"); v != "01234567" {
		t.Errorf("CI_COMMIT_SHORT_SHA = %q, want the 8-char prefix", v)
	}
	if v, _ := vars.Get("CI_PIPELINE_SOURCE"); v != "push" {
		t.Errorf("CI_PIPELINE_SOURCE = %q, want push", v)
	}
}

func TestPredefinedVariables_Tag(t *testing.T) {
	p := &store.Pipeline{ID: uuid.New(), Ref: "refs/tags/v2.1", SHA: "abc"}
	vars := predefinedVariables(testProject(), p)

	if v, _ := vars.Get("CI_COMMIT_TAG"); v != "v2.1" {
		t.Errorf("CI_COMMIT_TAG = %q, want v2.1", v)
	}
	if _, ok := vars.Get("CI_COMMIT_BRANCH"); ok {
		t.Error("tag pipelines must not define CI_COMMIT_BRANCH")
	}
}

func TestPredefinedVariables_MergeRequest(t *testing.T) {
	mrID := int64(42)
	p := &store.Pipeline{ID: uuid.New(), Ref: "main", MergeRequestID: &mrID}
	vars := predefinedVariables(testProject(), p)

	if v, _ := vars.Get("CI_MERGE_REQUEST_ID"); v != "42" {
		t.Errorf("CI_MERGE_REQUEST_ID = %q, want 42", v)
	}
}

func TestJobVariables_EnvironmentAndShadowing(t *testing.T) {
	base := ciconfig.Variables{{Key: "LEVEL", Value: "pipeline"}}
	job := &ciconfig.CompiledJob{
		Variables:   ciconfig.Variables{{Key: "LEVEL", Value: "job"}},
		Environment: &ciconfig.Environment{Name: "staging"},
	}

	vars := jobVariables(base, job)

	if v, _ := vars.Get("LEVEL"); v != "job" {
		t.Errorf("LEVEL = %q, job variables must shadow pipeline variables", v)
	}
	if v, _ := vars.Get("CI_ENVIRONMENT_NAME"); v != "staging" {
		t.Errorf("CI_ENVIRONMENT_NAME = %q, want staging", v)
	}
}
