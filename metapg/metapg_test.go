package metapg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetHeadNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at FROM chronos_head").
		WithArgs("db", "col", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "meta_indexed", "system_header", "json_key", "deleted", "full_shadow", "shadow_at"}))

	_, err := s.GetHead(context.Background(), "db", "col", "missing")
	if !svcerrors.Is(err, svcerrors.KindNotFound) {
		t.Fatalf("GetHead() err = %v, want NotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetHeadScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at FROM chronos_head").
		WithArgs("db", "col", "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "meta_indexed", "system_header", "json_key", "deleted", "full_shadow", "shadow_at"}).
			AddRow("id-1", "db", "col", 3, 7, []byte(`{"status":"ok"}`), []byte(`{"state":"synced"}`), "col/id-1/item.json", false, nil, nil))

	h, err := s.GetHead(context.Background(), "db", "col", "id-1")
	if err != nil {
		t.Fatalf("GetHead() err = %v", err)
	}
	if h.OV != 3 || h.CV != 7 || h.MetaIndexed["status"] != "ok" {
		t.Errorf("GetHead() = %+v, unexpected contents", h)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConditionalUpdateHeadRaceLoses(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE chronos_head").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at FROM chronos_head").
		WithArgs("db", "col", "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "meta_indexed", "system_header", "json_key", "deleted", "full_shadow", "shadow_at"}).
			AddRow("id-1", "db", "col", 5, 9, []byte(`{}`), []byte(`{}`), "k", false, nil, nil))

	h := HeadRow{ID: "id-1", DBName: "db", Collection: "col", OV: 4, CV: 8, JSONKey: "k"}
	err := s.ConditionalUpdateHead(context.Background(), h, 3)
	if !svcerrors.Is(err, svcerrors.KindOptimisticLock) {
		t.Fatalf("ConditionalUpdateHead() err = %v, want OptimisticLock", err)
	}
	se := svcerrors.GetServiceError(err)
	if se.Details["actualOv"] != uint64(5) {
		t.Errorf("actualOv = %v, want 5", se.Details["actualOv"])
	}
}

func TestConditionalUpdateHeadSucceeds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE chronos_head").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := HeadRow{ID: "id-1", DBName: "db", Collection: "col", OV: 1, JSONKey: "k"}
	if err := s.ConditionalUpdateHead(context.Background(), h, 0); err != nil {
		t.Fatalf("ConditionalUpdateHead() err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendVersionAndGetAsOf(t *testing.T) {
	s, mock := newMockStore(t)
	committedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO chronos_ver").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.AppendVersion(context.Background(), VersionRow{
		ID: "id-1", DBName: "db", Collection: "col", OV: 1, CV: 1,
		CommittedAt: committedAt, JSONKey: "k",
	}); err != nil {
		t.Fatalf("AppendVersion() err = %v", err)
	}

	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted FROM chronos_ver").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "committed_at", "json_key", "meta_indexed", "system_header", "deleted"}).
			AddRow("id-1", "db", "col", 1, 1, committedAt, "k", []byte(`{}`), []byte(`{}`), false))

	v, err := s.GetAsOf(context.Background(), "db", "col", "id-1", committedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetAsOf() err = %v", err)
	}
	if v.OV != 1 {
		t.Errorf("GetAsOf() ov = %d, want 1", v.OV)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNextCVAllocatesMonotonically(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO chronos_counter").
		WillReturnRows(sqlmock.NewRows([]string{"next_cv"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO chronos_counter").
		WillReturnRows(sqlmock.NewRows([]string{"next_cv"}).AddRow(2))

	first, err := s.NextCV(context.Background(), "db", "col")
	if err != nil {
		t.Fatalf("NextCV() err = %v", err)
	}
	second, err := s.NextCV(context.Background(), "db", "col")
	if err != nil {
		t.Fatalf("NextCV() err = %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("NextCV() sequence = %d, %d, want 1, 2", first, second)
	}
}

func TestAcquireLockBusyReturnsHolder(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO chronos_locks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT owner_id FROM chronos_locks").
		WithArgs("db", "col", "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("other-owner"))

	err := s.AcquireLock(context.Background(), "db", "col", "id-1", "me", time.Now().Add(time.Minute))
	if !svcerrors.Is(err, svcerrors.KindLockBusy) {
		t.Fatalf("AcquireLock() err = %v, want LockBusy", err)
	}
	se := svcerrors.GetServiceError(err)
	if se.Details["heldBy"] != "other-owner" {
		t.Errorf("heldBy = %v, want other-owner", se.Details["heldBy"])
	}
}

func TestAcquireLockSucceedsWhenFree(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO chronos_locks").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AcquireLock(context.Background(), "db", "col", "id-1", "me", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLock() err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordUniqueValueAndCount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO chronos_cnt_unique_values").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM chronos_cnt_unique_values").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	if err := s.RecordUniqueValue(context.Background(), "db", "col", "rule", "email", "a@example.com"); err != nil {
		t.Fatalf("RecordUniqueValue() err = %v", err)
	}
	n, err := s.CountUnique(context.Background(), "db", "col", "rule", "email")
	if err != nil {
		t.Fatalf("CountUnique() err = %v", err)
	}
	if n != 3 {
		t.Errorf("CountUnique() = %d, want 3", n)
	}
}

func TestNewObjectIDIsUniqueAndSortable(t *testing.T) {
	a := NewObjectID()
	b := NewObjectID()
	if a == b {
		t.Errorf("NewObjectID() produced a duplicate: %s", a)
	}
	if len(a) != 24 {
		t.Errorf("NewObjectID() length = %d, want 24", len(a))
	}
	if a[:8] > b[:8] {
		t.Errorf("NewObjectID() timestamp prefix not non-decreasing: %s then %s", a, b)
	}
}
