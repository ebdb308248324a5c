package builder

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"pipeforge/internal/store"
)

func TestAutoCancel_CancelsInterruptibleJobsOnly(t *testing.T) {
	fs := newFakeStore()
	project := testProject()
	project.AutoCancelPending = true

	now := time.Now()
	old := store.Pipeline{ID: uuid.New(), Ref: "main", Status: store.PipelineStatusRunning, CreatedAt: now.Add(-time.Minute)}
	interruptible := store.Job{ID: uuid.New(), Status: store.JobStatusRunning, Interruptible: true}
	pinned := store.Job{ID: uuid.New(), Status: store.JobStatusRunning, Interruptible: false}
	finished := store.Job{ID: uuid.New(), Status: store.JobStatusSuccess, Interruptible: true}
	fs.supersedable = []store.Pipeline{old}
	fs.pipelineJobs[old.ID] = []store.Job{interruptible, pinned, finished}

	c := NewAutoCanceler(fs, testLogger())
	newPipeline := &store.Pipeline{ID: uuid.New(), Ref: "main", CreatedAt: now}
	if err := c.Run(context.Background(), project, newPipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fs.canceledJobs) != 1 || fs.canceledJobs[0] != interruptible.ID {
		t.Errorf("canceled = %v, want only the interruptible running job", fs.canceledJobs)
	}
}

func TestAutoCancel_NewerPipelineNotSuperseded(t *testing.T) {
	fs := newFakeStore()
	project := testProject()
	project.AutoCancelPending = true

	// A pipeline created after the triggering one is not superseded by it,
	// even while both are non-terminal on the same ref.
	now := time.Now()
	newer := store.Pipeline{ID: uuid.New(), Ref: "main", Status: store.PipelineStatusPending, CreatedAt: now.Add(time.Second)}
	job := store.Job{ID: uuid.New(), Status: store.JobStatusRunning, Interruptible: true}
	fs.supersedable = []store.Pipeline{newer}
	fs.pipelineJobs[newer.ID] = []store.Job{job}

	c := NewAutoCanceler(fs, testLogger())
	trigger := &store.Pipeline{ID: uuid.New(), Ref: "main", CreatedAt: now}
	if err := c.Run(context.Background(), project, trigger); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fs.canceledJobs) != 0 {
		t.Errorf("canceled = %v, want no cancellations for a newer pipeline", fs.canceledJobs)
	}
	if _, ok := fs.statusSet[newer.ID]; ok {
		t.Error("the newer pipeline's status must be untouched")
	}
}

func TestAutoCancel_DisabledProject(t *testing.T) {
	fs := newFakeStore()
	project := testProject()
	project.AutoCancelPending = false
	fs.supersedable = []store.Pipeline{{ID: uuid.New(), Ref: "main", CreatedAt: time.Now().Add(-time.Minute)}}

	c := NewAutoCanceler(fs, testLogger())
	if err := c.Run(context.Background(), project, &store.Pipeline{ID: uuid.New(), Ref: "main", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.canceledJobs) != 0 {
		t.Error("auto-cancel must be a no-op when the project disables it")
	}
}

func TestAutoCancel_UpdatesTerminalAggregate(t *testing.T) {
	fs := newFakeStore()
	project := testProject()
	project.AutoCancelPending = true

	old := store.Pipeline{ID: uuid.New(), Ref: "main", Status: store.PipelineStatusRunning, CreatedAt: time.Now().Add(-time.Minute)}
	job := store.Job{ID: uuid.New(), Status: store.JobStatusRunning, Interruptible: true}
	fs.supersedable = []store.Pipeline{old}
	fs.pipelineJobs[old.ID] = []store.Job{job}

	c := NewAutoCanceler(fs, testLogger())
	if err := c.Run(context.Background(), project, &store.Pipeline{ID: uuid.New(), Ref: "main", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fs.statusSet[old.ID]; got != store.PipelineStatusCanceled {
		t.Errorf("aggregate = %q, want canceled", got)
	}
}

func TestAutoCancel_NonTerminalAggregateUntouched(t *testing.T) {
	fs := newFakeStore()
	project := testProject()
	project.AutoCancelPending = true

	old := store.Pipeline{ID: uuid.New(), Ref: "main", Status: store.PipelineStatusRunning, CreatedAt: time.Now().Add(-time.Minute)}
	running := store.Job{ID: uuid.New(), Status: store.JobStatusRunning, Interruptible: false}
	canceled := store.Job{ID: uuid.New(), Status: store.JobStatusRunning, Interruptible: true}
	fs.supersedable = []store.Pipeline{old}
	fs.pipelineJobs[old.ID] = []store.Job{running, canceled}

	c := NewAutoCanceler(fs, testLogger())
	if err := c.Run(context.Background(), project, &store.Pipeline{ID: uuid.New(), Ref: "main", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := fs.statusSet[old.ID]; ok {
		t.Error("a pipeline with jobs still running must keep its status")
	}
}
