package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"demeter.dev/internal/classify"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestResolveCompareAndSet(t *testing.T) {
	store, mock := newMockStore(t)
	cs := store.Classifications()
	verdict := &classify.Verdict{GrainType: "Soja", Confidence: 0.88}

	// A pending row matches and moves to completed.
	mock.ExpectExec("update classifications").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := cs.Resolve(context.Background(), "c-1", classify.StatusCompleted, verdict, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// An already-resolved row matches nothing.
	mock.ExpectExec("update classifications").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := cs.Resolve(context.Background(), "c-1", classify.StatusFailed, nil, "late failure")
	if !errors.Is(err, classify.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFindDecodesRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"id", "user_id", "image_ref", "status", "grain_type", "confidence", "degraded",
		"analysis", "failure_reason", "notes", "deleted", "deleted_at", "created_at", "updated_at"}

	mock.ExpectQuery("select .+ from classifications where id=.+ and not deleted").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c-1", "u-1", "ab/abc.png", "completed", "Soja", 0.91, false,
				[]byte(`{"job_id":"j-1"}`), "", "field 12", false, nil, now, now))

	c, err := store.Classifications().Find(context.Background(), "c-1", false)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if c.Status != classify.StatusCompleted || c.GrainType != "Soja" {
		t.Errorf("decoded %s/%s", c.Status, c.GrainType)
	}
	if c.Confidence == nil || *c.Confidence != 0.91 {
		t.Errorf("confidence = %v", c.Confidence)
	}
	if c.Analysis["job_id"] != "j-1" {
		t.Errorf("analysis = %v", c.Analysis)
	}

	mock.ExpectQuery("select .+ from classifications where id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := store.Classifications().Find(context.Background(), "missing", true); !errors.Is(err, classify.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBuildFilter(t *testing.T) {
	where, args := buildFilter(classify.ListFilter{})
	if where != "where not deleted" || len(args) != 0 {
		t.Errorf("empty filter: %q %v", where, args)
	}

	where, args = buildFilter(classify.ListFilter{
		OwnerID:   "u-1",
		GrainType: "Soja",
		Status:    classify.StatusCompleted,
	})
	if where != "where not deleted and user_id=$1 and grain_type=$2 and status=$3" {
		t.Errorf("where = %q", where)
	}
	if len(args) != 3 || args[0] != "u-1" || args[1] != "Soja" || args[2] != "completed" {
		t.Errorf("args = %v", args)
	}

	where, args = buildFilter(classify.ListFilter{IncludeDeleted: true})
	if where != "" || args != nil {
		t.Errorf("include-deleted filter: %q %v", where, args)
	}
}

func TestRestoreMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update classifications set deleted=false").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Classifications().Restore(context.Background(), "missing"); !errors.Is(err, classify.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
