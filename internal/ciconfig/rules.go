package ciconfig

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"pipeforge/internal/ciconfig/expr"
)

// When values a job or rule may carry.
const (
	WhenOnSuccess = "on_success"
	WhenOnFailure = "on_failure"
	WhenAlways    = "always"
	WhenManual    = "manual"
	WhenDelayed   = "delayed"
	WhenNever     = "never"
)

func validWhen(w string) bool {
	switch w {
	case WhenOnSuccess, WhenOnFailure, WhenAlways, WhenManual, WhenDelayed, WhenNever:
		return true
	}
	return false
}

// Rule is one compiled conditional clause. A clause with neither an
// if-expression nor a changes list matches unconditionally and acts as a
// catch-all.
type Rule struct {
	If           *expr.Expr
	Changes      []string
	When         string
	AllowFailure *bool
	StartIn      time.Duration
}

// MatchContext is the environment a rule set is evaluated against.
type MatchContext struct {
	Variables Variables

	// ChangedFiles is the set of paths touched by the pipeline's commit
	// range. FilesKnown distinguishes "no files changed" from "file set
	// unavailable"; when unavailable, changes clauses match.
	ChangedFiles []string
	FilesKnown   bool
}

// RuleResult is the outcome of evaluating a job's rule set.
type RuleResult struct {
	Include      bool
	When         string
	AllowFailure bool
	StartIn      time.Duration
}

// EvaluateRules walks clauses in document order; the first matching clause
// decides the outcome. No matching clause with at least one rule present
// excludes the job.
func EvaluateRules(rules []Rule, defaultWhen string, defaultAllowFailure bool, ctx MatchContext) (RuleResult, error) {
	if defaultWhen == "" {
		defaultWhen = WhenOnSuccess
	}
	if len(rules) == 0 {
		return RuleResult{Include: true, When: defaultWhen, AllowFailure: defaultAllowFailure}, nil
	}

	for _, rule := range rules {
		matched, err := rule.matches(ctx)
		if err != nil {
			return RuleResult{}, err
		}
		if !matched {
			continue
		}

		when := rule.When
		if when == "" {
			when = defaultWhen
		}
		allowFailure := defaultAllowFailure
		if rule.AllowFailure != nil {
			allowFailure = *rule.AllowFailure
		}
		if when == WhenNever {
			return RuleResult{Include: false, When: WhenNever, AllowFailure: allowFailure}, nil
		}
		return RuleResult{Include: true, When: when, AllowFailure: allowFailure, StartIn: rule.StartIn}, nil
	}

	return RuleResult{Include: false, When: WhenNever, AllowFailure: defaultAllowFailure}, nil
}

func (r *Rule) matches(ctx MatchContext) (bool, error) {
	if r.If != nil {
		ok, err := r.If.Evaluate(ctx.Variables.Lookup)
		if err != nil {
			return false, fmt.Errorf("rule %q: %w", r.If.Source(), err)
		}
		if !ok {
			return false, nil
		}
	}
	if len(r.Changes) > 0 {
		if !r.changesMatch(ctx) {
			return false, nil
		}
	}
	return true, nil
}

// changesMatch reports whether any changed file matches any pattern.
// Patterns are variable-interpolated before matching. When the file set is
// unknown the clause matches, which errs on the side of running the job.
func (r *Rule) changesMatch(ctx MatchContext) bool {
	if !ctx.FilesKnown {
		return true
	}
	for _, raw := range r.Changes {
		pattern := ctx.Variables.Expand(raw)
		for _, path := range ctx.ChangedFiles {
			if matchGlob(pattern, path) {
				return true
			}
		}
	}
	return false
}

// matchGlob matches a path against a glob pattern. `*` and `?` do not cross
// path separators; `**` does.
func matchGlob(pattern, path string) bool {
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	braceDepth := 0
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				// Collapse "**/" so that "**/foo" also matches a
				// top-level "foo".
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					sb.WriteString(`(?:.*/)?`)
				} else {
					sb.WriteString(`.*`)
				}
			} else {
				sb.WriteString(`[^/]*`)
			}
		case '?':
			sb.WriteString(`[^/]`)
		case '.', '+', '(', ')', '|', '^', '$', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '{':
			braceDepth++
			sb.WriteString(`(?:`)
		case '}':
			braceDepth--
			sb.WriteString(`)`)
		case ',':
			if braceDepth > 0 {
				sb.WriteString(`|`)
			} else {
				sb.WriteByte(',')
			}
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
