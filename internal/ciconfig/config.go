// Package ciconfig compiles declarative CI configuration documents into an
// in-memory model of stages, jobs and rules. Parsing and compilation are
// side-effect free and deterministic for identical input and variables.
package ciconfig

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Top-level keys that are not job definitions.
var reservedKeys = map[string]bool{
	"stages":    true,
	"workflow":  true,
	"variables": true,
	"default":   true,
	"include":   true,
}

// Document is the raw parsed form of a CI configuration, before
// compilation resolves templates, defaults and stage indexes.
type Document struct {
	Stages    []string
	Workflow  *WorkflowSpec
	Variables Variables
	Default   *JobSpec

	// Jobs holds job and template definitions keyed by name; JobOrder
	// preserves document order, which rule evaluation and persistence
	// depend on.
	Jobs     map[string]*JobSpec
	JobOrder []string
}

// WorkflowSpec controls whether the pipeline itself is created.
type WorkflowSpec struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one conditional clause in document form.
type RuleSpec struct {
	If           string     `yaml:"if"`
	Changes      StringList `yaml:"changes"`
	When         string     `yaml:"when"`
	AllowFailure *bool      `yaml:"allow_failure"`
	StartIn      string     `yaml:"start_in"`
}

// JobSpec is one job (or hidden template) definition in document form.
type JobSpec struct {
	Stage         string              `yaml:"stage"`
	Script        StringList          `yaml:"script"`
	Rules         []RuleSpec          `yaml:"rules"`
	Only          StringList          `yaml:"only"`
	Except        StringList          `yaml:"except"`
	Needs         []NeedSpec          `yaml:"needs"`
	Tags          StringList          `yaml:"tags"`
	When          string              `yaml:"when"`
	AllowFailure  *bool               `yaml:"allow_failure"`
	ResourceGroup string              `yaml:"resource_group"`
	Environment   *EnvironmentSpec    `yaml:"environment"`
	Timeout       string              `yaml:"timeout"`
	Retry         *RetrySpec          `yaml:"retry"`
	Interruptible *bool               `yaml:"interruptible"`
	Variables     map[string]VarValue `yaml:"variables"`
	Extends       StringList          `yaml:"extends"`

	// onlySet / exceptSet distinguish "key absent" from "empty list".
	onlySet   bool
	exceptSet bool
}

// UnmarshalYAML tracks which of the legacy keys were present so the
// compiler can reject rules combined with only/except.
func (j *JobSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain JobSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*j = JobSpec(p)
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "only":
			j.onlySet = true
		case "except":
			j.exceptSet = true
		}
	}
	return nil
}

// StringList accepts either a scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// NeedSpec accepts either a job name or a {job, artifacts} mapping.
type NeedSpec struct {
	Job       string `yaml:"job"`
	Artifacts *bool  `yaml:"artifacts"`
}

func (n *NeedSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&n.Job)
	}
	type plain NeedSpec
	return node.Decode((*plain)(n))
}

// WantsArtifacts reports whether the dependency includes artifact download
// (the default when unspecified).
func (n NeedSpec) WantsArtifacts() bool {
	return n.Artifacts == nil || *n.Artifacts
}

// EnvironmentSpec accepts either an environment name or a {name, url}
// mapping.
type EnvironmentSpec struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

func (e *EnvironmentSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.Name)
	}
	type plain EnvironmentSpec
	return node.Decode((*plain)(e))
}

// RetrySpec accepts either a bare count or a {max, when} mapping.
type RetrySpec struct {
	Max  int        `yaml:"max"`
	When StringList `yaml:"when"`
}

func (r *RetrySpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&r.Max)
	}
	type plain RetrySpec
	return node.Decode((*plain)(r))
}

// VarValue accepts either a scalar value or a {value, description} mapping.
type VarValue struct {
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
}

func (v *VarValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&v.Value)
	}
	type plain VarValue
	return node.Decode((*plain)(v))
}

// Parse decodes a CI configuration document. It reports YAML-level problems
// as an InvalidConfigError; structural validation happens in Compile.
func Parse(src []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		return nil, &InvalidConfigError{Errors: []string{fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &InvalidConfigError{Errors: []string{"configuration is empty"}}
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, &InvalidConfigError{Errors: []string{"configuration must be a mapping of keys to values"}}
	}

	doc := &Document{Jobs: make(map[string]*JobSpec)}
	var errs errorList

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		value := mapping.Content[i+1]

		switch key {
		case "stages":
			var stages []string
			if err := value.Decode(&stages); err != nil {
				errs.addf("stages: %v", err)
				continue
			}
			doc.Stages = stages
		case "workflow":
			var wf WorkflowSpec
			if err := value.Decode(&wf); err != nil {
				errs.addf("workflow: %v", err)
				continue
			}
			doc.Workflow = &wf
		case "variables":
			vars, err := decodeVariables(value)
			if err != nil {
				errs.addf("variables: %v", err)
				continue
			}
			doc.Variables = vars
		case "default":
			var def JobSpec
			if err := value.Decode(&def); err != nil {
				errs.addf("default: %v", err)
				continue
			}
			doc.Default = &def
		case "include":
			// Includes are resolved by the caller before compilation;
			// an unresolved include block is ignored here.
		default:
			var job JobSpec
			if err := value.Decode(&job); err != nil {
				errs.addf("job:%s config %v", key, err)
				continue
			}
			doc.Jobs[key] = &job
			doc.JobOrder = append(doc.JobOrder, key)
		}
	}

	if err := errs.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeVariables keeps declaration order, which Variables relies on for
// shadowing semantics.
func decodeVariables(node *yaml.Node) (Variables, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must be a mapping")
	}
	var vars Variables
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var vv VarValue
		if err := node.Content[i+1].Decode(&vv); err != nil {
			return nil, fmt.Errorf("%s: %v", key, err)
		}
		vars = append(vars, Variable{Key: key, Value: vv.Value, Description: vv.Description})
	}
	return vars, nil
}

// isTemplate reports whether a job name denotes a hidden template.
func isTemplate(name string) bool {
	return strings.HasPrefix(name, ".")
}
