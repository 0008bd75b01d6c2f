package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestAdvisoryLeaseAcquireAndRelease(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	key := advisoryKey("bursar", "sweep")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	lease := NewAdvisoryLease(mockDB, "bursar")
	release, ok, err := lease.TryAcquire(context.Background(), "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lease, ok=%v err=%v", ok, err)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvisoryLeaseHeldElsewhere(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, ok, err := NewAdvisoryLease(mockDB, "bursar").TryAcquire(context.Background(), "sweep", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected lease to be unavailable, ok=%v err=%v", ok, err)
	}
}

func TestAdvisoryKeyIsStablePerName(t *testing.T) {
	if advisoryKey("bursar", "sweep") != advisoryKey("bursar", "sweep") {
		t.Fatal("key must be deterministic")
	}
	if advisoryKey("bursar", "sweep") == advisoryKey("bursar", "reconcile") {
		t.Fatal("different jobs must use different keys")
	}
}
