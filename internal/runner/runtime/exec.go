package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// ExecRuntime runs job scripts as local shell processes.
type ExecRuntime struct {
	// Shell is the interpreter binary; defaults to /bin/sh.
	Shell string
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{Shell: "/bin/sh"}
}

// Start implements Runtime.Start using os/exec. The script lines are
// joined into a single shell program run with -e, so the first failing
// command aborts the job.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	program := strings.Join(opts.Script, "\n")
	cmd := exec.CommandContext(ctx, shell, "-e", "-c", program)
	cmd.Dir = opts.WorkDir

	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execHandle{cmd: cmd, output: stdout}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	output io.ReadCloser
}

func (h *execHandle) Wait(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-ctx.Done():
		h.Stop(context.Background())
		<-done
		return -1, ctx.Err()
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return -1, err
		}
		return 0, nil
	}
}

func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGKILL)
}

func (h *execHandle) Logs() io.ReadCloser {
	return h.output
}
