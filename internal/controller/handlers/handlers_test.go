package handlers

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"pipeforge/internal/builder"
	"pipeforge/internal/scheduler"
	"pipeforge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStore implements StoreFactory with scripted responses.
type mockStore struct {
	pingErr error

	getPipelineResp *store.Pipeline
	getPipelineErr  error
	listJobsResp    []store.Job
	listJobsErr     error

	getJobResp *store.Job
	getJobErr  error

	depsResp []store.DependencyState
	depsErr  error
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) CreatePipeline(context.Context, store.DBTransaction, *store.Pipeline) error {
	return nil
}
func (m *mockStore) InsertStages(context.Context, store.DBTransaction, []store.Stage) error {
	return nil
}
func (m *mockStore) InsertJobs(context.Context, store.DBTransaction, []store.Job) error { return nil }
func (m *mockStore) InsertNeeds(context.Context, store.DBTransaction, []store.JobNeed) error {
	return nil
}
func (m *mockStore) GetPipelineByID(context.Context, uuid.UUID) (*store.Pipeline, error) {
	return m.getPipelineResp, m.getPipelineErr
}
func (m *mockStore) FindPipelineByKey(context.Context, uuid.UUID, string, string, string) (*store.Pipeline, error) {
	return nil, nil
}
func (m *mockStore) ListPipelineJobs(context.Context, uuid.UUID) ([]store.Job, error) {
	return m.listJobsResp, m.listJobsErr
}
func (m *mockStore) UpdatePipelineStatus(context.Context, store.DBTransaction, uuid.UUID, store.PipelineStatus) error {
	return nil
}
func (m *mockStore) FindSupersedablePipelines(context.Context, uuid.UUID, string, time.Time, uuid.UUID) ([]store.Pipeline, error) {
	return nil, nil
}

func (m *mockStore) GetJobByID(context.Context, uuid.UUID) (*store.Job, error) {
	if m.getJobResp == nil && m.getJobErr == nil {
		return nil, sql.ErrNoRows
	}
	return m.getJobResp, m.getJobErr
}
func (m *mockStore) GetJobDependencies(context.Context, uuid.UUID) ([]store.DependencyState, error) {
	return m.depsResp, m.depsErr
}
func (m *mockStore) TryAssignJob(context.Context, uuid.UUID, uuid.UUID, int) (bool, error) {
	return false, nil
}
func (m *mockStore) DropJob(context.Context, uuid.UUID, store.FailureReason) (bool, error) {
	return false, nil
}
func (m *mockStore) FinishJob(context.Context, uuid.UUID, store.JobStatus, *store.FailureReason) (bool, error) {
	return false, nil
}
func (m *mockStore) CancelJobIfInterruptible(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

// mockBuilder implements PipelineCreator.
type mockBuilder struct {
	lastOpts builder.CreateOptions
	result   *builder.Result
	err      error
}

func (m *mockBuilder) CreatePipeline(_ context.Context, opts builder.CreateOptions) (*builder.Result, error) {
	m.lastOpts = opts
	return m.result, m.err
}

// mockCanceler implements PipelineCanceler.
type mockCanceler struct {
	calls int
	err   error
}

func (m *mockCanceler) Run(context.Context, *store.Project, *store.Pipeline) error {
	m.calls++
	return m.err
}

// mockDispatcher implements JobDispatcher.
type mockDispatcher struct {
	requestResp *store.Job
	requestDeps []store.DependencyState
	requestErr  error
	lastSession scheduler.Session

	finishErr    error
	finishedID   uuid.UUID
	finishedTo   store.JobStatus
	finishReason *store.FailureReason
}

func (m *mockDispatcher) RequestJob(_ context.Context, _ *store.Runner, session scheduler.Session) (*scheduler.Assignment, error) {
	m.lastSession = session
	if m.requestResp == nil && m.requestErr == nil {
		return nil, scheduler.ErrNoJobAvailable
	}
	if m.requestErr != nil {
		return nil, m.requestErr
	}
	return &scheduler.Assignment{Job: m.requestResp, Dependencies: m.requestDeps}, nil
}

func (m *mockDispatcher) FinishJob(_ context.Context, jobID uuid.UUID, to store.JobStatus, reason *store.FailureReason) error {
	m.finishedID = jobID
	m.finishedTo = to
	m.finishReason = reason
	return m.finishErr
}

func newTestHandlers(s *mockStore, b *mockBuilder, c *mockCanceler, d *mockDispatcher) *Handlers {
	if s == nil {
		s = &mockStore{}
	}
	if b == nil {
		b = &mockBuilder{}
	}
	if c == nil {
		c = &mockCanceler{}
	}
	if d == nil {
		d = &mockDispatcher{}
	}
	return New(s, b, c, d, testLogger())
}

func TestHandlersInterfacesSatisfied(t *testing.T) {
	var _ StoreFactory = &mockStore{}
	var _ PipelineCreator = &mockBuilder{}
	var _ PipelineCanceler = &mockCanceler{}
	var _ JobDispatcher = &mockDispatcher{}
}
