package ciconfig

import (
	"fmt"
	"strings"
)

// InvalidConfigError aggregates every structural problem found in a CI
// configuration. Compilation collects all errors instead of stopping at the
// first one, so a single push surfaces the full list.
type InvalidConfigError struct {
	Errors []string
}

func (e *InvalidConfigError) Error() string {
	return strings.Join(e.Errors, "; ")
}

type errorList struct {
	errors []string
}

func (l *errorList) addf(format string, args ...interface{}) {
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func (l *errorList) empty() bool { return len(l.errors) == 0 }

func (l *errorList) err() error {
	if l.empty() {
		return nil
	}
	return &InvalidConfigError{Errors: l.errors}
}
