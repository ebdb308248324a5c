package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pipeforge/internal/runner/runtime"
	"pipeforge/pkg/api"
)

type fakeHandle struct {
	exitCode      int
	waitErr       error
	blockUntilCtx bool
}

func (f *fakeHandle) Wait(ctx context.Context) (int, error) {
	if f.blockUntilCtx {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return f.exitCode, f.waitErr
}

func (f *fakeHandle) Stop(context.Context) error { return nil }

func (f *fakeHandle) Logs() io.ReadCloser {
	return io.NopCloser(strings.NewReader("line one\nline two\n"))
}

type fakeRuntime struct {
	handle   *fakeHandle
	startErr error
	lastOpts runtime.StartOptions
}

func (f *fakeRuntime) Start(_ context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	f.lastOpts = opts
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.handle, nil
}

// statusRecorder is a controller standin that records job status reports.
type statusRecorder struct {
	srv     *httptest.Server
	updates chan api.UpdateJobStatusRequest
}

func newStatusRecorder(t *testing.T) *statusRecorder {
	t.Helper()
	rec := &statusRecorder{updates: make(chan api.UpdateJobStatusRequest, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /runners/jobs/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var req api.UpdateJobStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding status report: %v", err)
		}
		rec.updates <- req
		w.WriteHeader(http.StatusOK)
	})
	rec.srv = httptest.NewServer(mux)
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *statusRecorder) next(t *testing.T) api.UpdateJobStatusRequest {
	t.Helper()
	select {
	case u := <-r.updates:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("no status report received")
		return api.UpdateJobStatusRequest{}
	}
}

func newTestAgent(rec *statusRecorder, rt runtime.Runtime) *Agent {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(NewClient(rec.srv.URL, "runner-token"), rt, AgentConfig{}, logger)
}

func testJob() *api.JobPayload {
	return &api.JobPayload{
		ID:     "j-1",
		Name:   "build",
		Script: []string{"make"},
		Variables: []api.Variable{
			{Key: "CI", Value: "true"},
		},
		TimeoutSeconds: 60,
	}
}

func TestAgent_ProcessReportsSuccess(t *testing.T) {
	rec := newStatusRecorder(t)
	rt := &fakeRuntime{handle: &fakeHandle{exitCode: 0}}
	a := newTestAgent(rec, rt)

	a.process(context.Background(), testJob())

	update := rec.next(t)
	if update.State != "success" {
		t.Errorf("state = %q", update.State)
	}
	if rt.lastOpts.Env["CI"] != "true" {
		t.Errorf("env = %v, variables must be passed to the runtime", rt.lastOpts.Env)
	}
	if len(rt.lastOpts.Script) != 1 || rt.lastOpts.Script[0] != "make" {
		t.Errorf("script = %v", rt.lastOpts.Script)
	}
}

func TestAgent_ProcessReportsScriptFailure(t *testing.T) {
	rec := newStatusRecorder(t)
	a := newTestAgent(rec, &fakeRuntime{handle: &fakeHandle{exitCode: 2}})

	a.process(context.Background(), testJob())

	update := rec.next(t)
	if update.State != "failed" || update.FailureReason != "script_failure" {
		t.Errorf("update = %+v", update)
	}
	if update.ExitCode == nil || *update.ExitCode != 2 {
		t.Errorf("exit code = %v, want 2", update.ExitCode)
	}
}

func TestAgent_ProcessReportsStartFailure(t *testing.T) {
	rec := newStatusRecorder(t)
	a := newTestAgent(rec, &fakeRuntime{startErr: context.Canceled})

	a.process(context.Background(), testJob())

	update := rec.next(t)
	if update.State != "failed" || update.FailureReason != "script_failure" {
		t.Errorf("update = %+v", update)
	}
}

func TestAgent_ProcessReportsTimeout(t *testing.T) {
	rec := newStatusRecorder(t)
	a := newTestAgent(rec, &fakeRuntime{handle: &fakeHandle{blockUntilCtx: true}})

	job := testJob()
	job.TimeoutSeconds = 1

	a.process(context.Background(), job)

	update := rec.next(t)
	if update.State != "failed" || update.FailureReason != "stuck_or_timeout_failure" {
		t.Errorf("update = %+v", update)
	}
}

func TestAgent_RunDrainsOnCancel(t *testing.T) {
	rec := newStatusRecorder(t)
	a := newTestAgent(rec, &fakeRuntime{handle: &fakeHandle{exitCode: 0}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Error("Done channel not closed after drain")
	}
}
