package builder

import (
	"strconv"

	"pipeforge/internal/ciconfig"
	"pipeforge/internal/store"
)

// predefinedVariables assembles the CI_* variables available to rule
// evaluation and interpolation for one pipeline.
func predefinedVariables(project *store.Project, p *store.Pipeline) ciconfig.Variables {
	shortSHA := p.SHA
	if len(shortSHA) > 8 {
		shortSHA = shortSHA[:8]
	}

	vars := ciconfig.Variables{
		{Key: "CI", Value: "true"},
		{Key: "CI_PIPELINE_ID", Value: p.ID.String()},
		{Key: "CI_PIPELINE_SOURCE", Value: string(p.Source)},
		{Key: "CI_PROJECT_ID", Value: project.ID.String()},
		{Key: "CI_PROJECT_NAME", Value: project.Name},
		{Key: "CI_DEFAULT_BRANCH", Value: project.DefaultBranch},
		{Key: "CI_COMMIT_REF_NAME", Value: p.Ref},
		{Key: "CI_COMMIT_SHA", Value: p.SHA},
		{Key: "CI_COMMIT_SHORT_SHA", Value: shortSHA},
		{Key: "CI_COMMIT_BEFORE_SHA", Value: p.BeforeSHA},
	}

	// Branch vs tag refs: the caller passes refs/tags/ for tag pipelines.
	if tag, ok := tagRef(p.Ref); ok {
		vars = append(vars, ciconfig.Variable{Key: "CI_COMMIT_TAG", Value: tag})
	} else {
		vars = append(vars, ciconfig.Variable{Key: "CI_COMMIT_BRANCH", Value: p.Ref})
	}

	if p.MergeRequestID != nil {
		vars = append(vars, ciconfig.Variable{
			Key:   "CI_MERGE_REQUEST_ID",
			Value: strconv.FormatInt(*p.MergeRequestID, 10),
		})
	}

	return vars
}

func tagRef(ref string) (string, bool) {
	const prefix = "refs/tags/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):], true
	}
	return "", false
}

// jobVariables layers job-level variables over the pipeline set and adds
// the per-job environment variable when one is declared.
func jobVariables(base ciconfig.Variables, job *ciconfig.CompiledJob) ciconfig.Variables {
	vars := base.Merge(job.Variables)
	if job.Environment != nil {
		vars = append(vars, ciconfig.Variable{Key: "CI_ENVIRONMENT_NAME", Value: job.Environment.Name})
	}
	return vars
}
