package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestUpsertResourceGroup_ReturnsExistingID(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	projectID := uuid.New()
	existingID := uuid.New()

	// The conflict arm makes RETURNING yield the row that already exists,
	// not the freshly generated candidate ID.
	mock.ExpectQuery(`INSERT INTO resource_groups .* ON CONFLICT \(project_id, resource_key\) DO UPDATE .* RETURNING id`).
		WithArgs(sqlmock.AnyArg(), projectID, "production").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existingID))

	id, err := s.UpsertResourceGroup(context.Background(), nil, projectID, "production")
	if err != nil {
		t.Fatalf("UpsertResourceGroup failed: %v", err)
	}
	if id != existingID {
		t.Errorf("id = %s, want the existing row's %s", id, existingID)
	}
}

func TestTryObtainResource_Free(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	groupID := uuid.New()
	jobID := uuid.New()

	mock.ExpectExec(`UPDATE resource_groups SET holder_job_id = \$2 WHERE id = \$1 AND \(holder_job_id IS NULL OR holder_job_id = \$2\)`).
		WithArgs(groupID, jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TryObtainResource(context.Background(), groupID, jobID)
	if err != nil {
		t.Fatalf("TryObtainResource failed: %v", err)
	}
	if !ok {
		t.Error("a free resource should be obtained")
	}
}

func TestTryObtainResource_Held(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE resource_groups`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TryObtainResource(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("TryObtainResource failed: %v", err)
	}
	if ok {
		t.Error("a resource held by another job must not be obtained")
	}
}

func TestReleaseResource_HolderOnly(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	groupID := uuid.New()
	jobID := uuid.New()

	mock.ExpectExec(`UPDATE resource_groups SET holder_job_id = NULL WHERE id = \$1 AND holder_job_id = \$2`).
		WithArgs(groupID, jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ReleaseResource(context.Background(), groupID, jobID)
	if err != nil {
		t.Fatalf("ReleaseResource failed: %v", err)
	}
	if !ok {
		t.Error("the holder's release should apply")
	}
}

func TestReleaseResource_NotHolder(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE resource_groups`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ReleaseResource(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("ReleaseResource failed: %v", err)
	}
	if ok {
		t.Error("releasing a resource held by someone else must be a no-op")
	}
}
