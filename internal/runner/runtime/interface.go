// Package runtime provides the Runtime interface for job execution backends.
package runtime

import (
	"context"
	"io"
)

// Runtime defines the interface for executing job scripts.
type Runtime interface {
	// Start begins execution of a script and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a job script.
type StartOptions struct {
	// Script is the list of shell commands, run in order. A non-zero exit
	// from any command aborts the rest.
	Script []string

	Env     map[string]string
	WorkDir string
}

// Handle represents a running job execution.
type Handle interface {
	// Wait blocks until the script completes and returns the exit code.
	Wait(ctx context.Context) (int, error)

	// Stop forcefully terminates the script.
	Stop(ctx context.Context) error

	// Logs returns a reader for the combined stdout/stderr.
	Logs() io.ReadCloser
}
