package ciconfig

import (
	"fmt"
	"strings"
	"time"

	"pipeforge/internal/ciconfig/expr"
)

// Default stage layout when the document declares none.
var defaultStages = []string{"build", "test", "deploy"}

const (
	// StagePre and StagePost bracket every pipeline.
	StagePre  = ".pre"
	StagePost = ".post"

	defaultJobStage = "test"
	maxRetryCount   = 2
)

// Compiled is the fully resolved form of a configuration: templates
// expanded, defaults merged, legacy shorthand normalized to rules, stage
// indexes assigned.
type Compiled struct {
	Stages    []string
	Variables Variables
	Workflow  []Rule
	Jobs      []CompiledJob
}

// Need is a compiled dependency edge declaration.
type Need struct {
	Name      string
	Artifacts bool
}

// Retry is a compiled retry policy.
type Retry struct {
	Max  int
	When []string
}

// Environment is a compiled environment reference.
type Environment struct {
	Name string
	URL  string
}

// CompiledJob is one job ready for rule evaluation and persistence.
type CompiledJob struct {
	Name          string
	Stage         string
	StageIndex    int
	Script        []string
	Rules         []Rule
	Needs         []Need
	Tags          []string
	When          string
	AllowFailure  bool
	ResourceGroup string
	Environment   *Environment
	Timeout       time.Duration
	Retry         Retry
	Interruptible bool
	Variables     Variables

	// StartIn is the delay before a `when: delayed` job becomes eligible.
	// Populated during rule evaluation.
	StartIn time.Duration
}

// StageIndexOf returns the index of a stage name in the compiled layout.
func (c *Compiled) StageIndexOf(name string) (int, bool) {
	for i, s := range c.Stages {
		if s == name {
			return i, true
		}
	}
	return 0, false
}

// JobByName returns the compiled job with the given name.
func (c *Compiled) JobByName(name string) (*CompiledJob, bool) {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			return &c.Jobs[i], true
		}
	}
	return nil, false
}

// Compile resolves a parsed document into its executable form. All
// structural errors are aggregated into a single InvalidConfigError.
func (doc *Document) Compile() (*Compiled, error) {
	var errs errorList

	stages := append([]string{StagePre}, orDefault(doc.Stages, defaultStages)...)
	stages = append(stages, StagePost)

	compiled := &Compiled{
		Stages:    stages,
		Variables: doc.Variables,
	}

	if doc.Workflow != nil {
		rules, ok := compileRules("workflow", doc.Workflow.Rules, &errs)
		if ok {
			compiled.Workflow = rules
		}
	}

	hasVisibleJob := false
	for _, name := range doc.JobOrder {
		if isTemplate(name) {
			continue
		}
		hasVisibleJob = true

		spec, err := doc.resolveExtends(name)
		if err != nil {
			errs.addf("job:%s %v", name, err)
			continue
		}
		spec = mergeDefaults(spec, doc.Default)

		job := doc.compileJob(name, spec, compiled, &errs)
		if job != nil {
			compiled.Jobs = append(compiled.Jobs, *job)
		}
	}

	if !hasVisibleJob {
		errs.addf("no jobs defined; at least one visible job is required")
	}

	// Need targets must name defined jobs. Stage ordering is validated
	// later, against the post-rule-evaluation job set.
	for _, job := range compiled.Jobs {
		for _, need := range job.Needs {
			if _, ok := doc.Jobs[need.Name]; !ok || isTemplate(need.Name) {
				errs.addf("job:%s needs undefined job %q", job.Name, need.Name)
			}
		}
	}

	if err := errs.err(); err != nil {
		return nil, err
	}
	return compiled, nil
}

func (doc *Document) compileJob(name string, spec *JobSpec, compiled *Compiled, errs *errorList) *CompiledJob {
	job := &CompiledJob{
		Name:          name,
		Stage:         orString(spec.Stage, defaultJobStage),
		Script:        spec.Script,
		Tags:          spec.Tags,
		When:          orString(spec.When, WhenOnSuccess),
		ResourceGroup: spec.ResourceGroup,
	}

	idx, ok := compiled.StageIndexOf(job.Stage)
	if !ok {
		errs.addf("job:%s uses unknown stage %q", name, job.Stage)
	}
	job.StageIndex = idx

	if len(spec.Script) == 0 {
		errs.addf("job:%s has no script", name)
	}
	if !validWhen(job.When) {
		errs.addf("job:%s has invalid when value %q", name, job.When)
	}
	if spec.AllowFailure != nil {
		job.AllowFailure = *spec.AllowFailure
	} else if job.When == WhenManual {
		// Manual jobs default to allow_failure so they do not block
		// pipeline success while unplayed.
		job.AllowFailure = true
	}
	if spec.Interruptible != nil {
		job.Interruptible = *spec.Interruptible
	}

	if len(spec.Rules) > 0 && (spec.onlySet || spec.exceptSet) {
		errs.addf("job:%s may not mix rules with only/except", name)
		return nil
	}

	if len(spec.Rules) > 0 {
		rules, ok := compileRules("job:"+name, spec.Rules, errs)
		if !ok {
			return nil
		}
		job.Rules = rules
	} else if spec.onlySet || spec.exceptSet {
		rules, err := legacyRules(spec.Only, spec.Except, spec.onlySet)
		if err != nil {
			errs.addf("job:%s %v", name, err)
			return nil
		}
		job.Rules = rules
	}

	for _, need := range spec.Needs {
		job.Needs = append(job.Needs, Need{Name: need.Job, Artifacts: need.WantsArtifacts()})
	}

	if spec.Environment != nil {
		job.Environment = &Environment{Name: spec.Environment.Name, URL: spec.Environment.URL}
		if job.Environment.Name == "" {
			errs.addf("job:%s environment requires a name", name)
		}
	}

	if spec.Timeout != "" {
		d, err := parseTimeout(spec.Timeout)
		if err != nil {
			errs.addf("job:%s timeout: %v", name, err)
		}
		job.Timeout = d
	}

	if spec.Retry != nil {
		if spec.Retry.Max < 0 || spec.Retry.Max > maxRetryCount {
			errs.addf("job:%s retry max must be between 0 and %d", name, maxRetryCount)
		}
		job.Retry = Retry{Max: spec.Retry.Max, When: spec.Retry.When}
	}

	for key, vv := range spec.Variables {
		job.Variables = append(job.Variables, Variable{Key: key, Value: vv.Value, Description: vv.Description})
	}

	return job
}

func compileRules(scope string, specs []RuleSpec, errs *errorList) ([]Rule, bool) {
	rules := make([]Rule, 0, len(specs))
	ok := true
	for i, spec := range specs {
		rule := Rule{
			Changes:      spec.Changes,
			When:         spec.When,
			AllowFailure: spec.AllowFailure,
		}
		if spec.When != "" && !validWhen(spec.When) {
			errs.addf("%s rules[%d] has invalid when value %q", scope, i, spec.When)
			ok = false
		}
		if spec.If != "" {
			parsed, err := expr.Parse(spec.If)
			if err != nil {
				errs.addf("%s rules[%d]: %v", scope, i, err)
				ok = false
				continue
			}
			rule.If = parsed
		}
		if spec.StartIn != "" {
			if spec.When != WhenDelayed {
				errs.addf("%s rules[%d] start_in requires when: delayed", scope, i)
				ok = false
			}
			d, err := parseTimeout(spec.StartIn)
			if err != nil {
				errs.addf("%s rules[%d] start_in: %v", scope, i, err)
				ok = false
			}
			rule.StartIn = d
		} else if spec.When == WhenDelayed {
			errs.addf("%s rules[%d] when: delayed requires start_in", scope, i)
			ok = false
		}
		rules = append(rules, rule)
	}
	return rules, ok
}

// legacyRules converts only/except shorthand into an equivalent rule list:
// every except entry becomes a `when: never` clause, the only entries merge
// into a single inclusion clause, and an absent only list falls back to an
// unconditional catch-all.
func legacyRules(only, except StringList, onlySet bool) ([]Rule, error) {
	var rules []Rule

	for _, entry := range except {
		cond, err := legacyCondition(entry)
		if err != nil {
			return nil, err
		}
		parsed, err := expr.Parse(cond)
		if err != nil {
			return nil, fmt.Errorf("except %q: %w", entry, err)
		}
		rules = append(rules, Rule{If: parsed, When: WhenNever})
	}

	if onlySet && len(only) > 0 {
		conds := make([]string, 0, len(only))
		for _, entry := range only {
			cond, err := legacyCondition(entry)
			if err != nil {
				return nil, err
			}
			conds = append(conds, "("+cond+")")
		}
		parsed, err := expr.Parse(strings.Join(conds, " || "))
		if err != nil {
			return nil, fmt.Errorf("only: %w", err)
		}
		rules = append(rules, Rule{If: parsed})
	} else {
		rules = append(rules, Rule{})
	}

	return rules, nil
}

// legacyCondition maps one only/except entry to an if-expression over the
// predefined variables. Entries are ref names, /regexps/ or source keywords.
func legacyCondition(entry string) (string, error) {
	switch entry {
	case "branches":
		return "$CI_COMMIT_BRANCH", nil
	case "tags":
		return "$CI_COMMIT_TAG", nil
	case "merge_requests":
		return `$CI_PIPELINE_SOURCE == "merge_request_event"`, nil
	case "external_pull_requests":
		return `$CI_PIPELINE_SOURCE == "external_pull_request_event"`, nil
	case "pushes":
		return `$CI_PIPELINE_SOURCE == "push"`, nil
	case "web":
		return `$CI_PIPELINE_SOURCE == "web"`, nil
	case "schedules":
		return `$CI_PIPELINE_SOURCE == "schedule"`, nil
	case "triggers":
		return `$CI_PIPELINE_SOURCE == "trigger"`, nil
	case "api":
		return `$CI_PIPELINE_SOURCE == "api"`, nil
	}
	if strings.HasPrefix(entry, "/") && strings.HasSuffix(entry, "/") && len(entry) > 1 {
		return "$CI_COMMIT_REF_NAME =~ " + entry, nil
	}
	if strings.ContainsAny(entry, `"\`) {
		return "", fmt.Errorf("invalid only/except ref %q", entry)
	}
	return fmt.Sprintf("$CI_COMMIT_REF_NAME == %q", entry), nil
}

func (doc *Document) resolveExtends(name string) (*JobSpec, error) {
	return doc.resolveExtendsSeen(name, map[string]bool{})
}

func (doc *Document) resolveExtendsSeen(name string, seen map[string]bool) (*JobSpec, error) {
	if seen[name] {
		return nil, fmt.Errorf("circular extends chain involving %q", name)
	}
	seen[name] = true
	defer delete(seen, name)

	spec, ok := doc.Jobs[name]
	if !ok {
		return nil, fmt.Errorf("extends unknown job or template %q", name)
	}
	if len(spec.Extends) == 0 {
		copied := *spec
		return &copied, nil
	}

	merged := &JobSpec{}
	for _, parent := range spec.Extends {
		base, err := doc.resolveExtendsSeen(parent, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeSpecs(base, merged)
	}
	return mergeSpecs(merged, spec), nil
}

// mergeSpecs overlays child keys on a base spec. Lists replace wholesale;
// job variables merge per key.
func mergeSpecs(base, child *JobSpec) *JobSpec {
	out := *base
	out.Extends = nil
	if child.Stage != "" {
		out.Stage = child.Stage
	}
	if len(child.Script) > 0 {
		out.Script = child.Script
	}
	if len(child.Rules) > 0 {
		out.Rules = child.Rules
	}
	if child.onlySet {
		out.Only = child.Only
		out.onlySet = true
	}
	if child.exceptSet {
		out.Except = child.Except
		out.exceptSet = true
	}
	if len(child.Needs) > 0 {
		out.Needs = child.Needs
	}
	if len(child.Tags) > 0 {
		out.Tags = child.Tags
	}
	if child.When != "" {
		out.When = child.When
	}
	if child.AllowFailure != nil {
		out.AllowFailure = child.AllowFailure
	}
	if child.ResourceGroup != "" {
		out.ResourceGroup = child.ResourceGroup
	}
	if child.Environment != nil {
		out.Environment = child.Environment
	}
	if child.Timeout != "" {
		out.Timeout = child.Timeout
	}
	if child.Retry != nil {
		out.Retry = child.Retry
	}
	if child.Interruptible != nil {
		out.Interruptible = child.Interruptible
	}
	if len(child.Variables) > 0 {
		if out.Variables == nil {
			out.Variables = map[string]VarValue{}
		} else {
			copied := make(map[string]VarValue, len(out.Variables)+len(child.Variables))
			for k, v := range out.Variables {
				copied[k] = v
			}
			out.Variables = copied
		}
		for k, v := range child.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}

// mergeDefaults applies the document-level default block for keys the job
// leaves unset.
func mergeDefaults(spec *JobSpec, def *JobSpec) *JobSpec {
	if def == nil {
		return spec
	}
	out := *spec
	if len(out.Script) == 0 {
		out.Script = def.Script
	}
	if len(out.Tags) == 0 {
		out.Tags = def.Tags
	}
	if out.Timeout == "" {
		out.Timeout = def.Timeout
	}
	if out.Retry == nil {
		out.Retry = def.Retry
	}
	if out.Interruptible == nil {
		out.Interruptible = def.Interruptible
	}
	return &out
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
