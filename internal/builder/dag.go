package builder

import (
	"fmt"
	"strings"

	"pipeforge/internal/ciconfig"
)

// validateDAG checks every `needs` edge of the post-rule-evaluation job
// set: the target must be part of the pipeline and live in a strictly
// earlier stage. All violations are aggregated into one error so a single
// push surfaces the full list. The earlier-stage constraint makes cycles
// impossible by construction; same-stage and later-stage references are
// rejected explicitly since they are the common misconfiguration.
func validateDAG(jobs []ciconfig.CompiledJob) error {
	stageIndex := make(map[string]int, len(jobs))
	for _, job := range jobs {
		stageIndex[job.Name] = job.StageIndex
	}

	var violations []string
	for _, job := range jobs {
		for _, need := range job.Needs {
			targetIdx, ok := stageIndex[need.Name]
			if !ok {
				violations = append(violations,
					fmt.Sprintf("job %q needs %q, which is not part of this pipeline", job.Name, need.Name))
				continue
			}
			if targetIdx >= job.StageIndex {
				violations = append(violations,
					fmt.Sprintf("job %q (stage index %d) needs %q (stage index %d), which is not in an earlier stage",
						job.Name, job.StageIndex, need.Name, targetIdx))
			}
		}
	}

	if len(violations) > 0 {
		return fmt.Errorf("invalid job dependencies: %s", strings.Join(violations, "; "))
	}
	return nil
}
