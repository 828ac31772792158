package restore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nx-intelligence/chronos-db/blobstore"
	"github.com/nx-intelligence/chronos-db/router"
)

func newLocalBlobs(t *testing.T) blobstore.Store {
	t.Helper()
	s, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func testBuckets() blobstore.BucketSet {
	return blobstore.BucketSet{Records: "records", Versions: "versions", Content: "content", Backups: "backups"}
}

func TestRestoreObjectByOV(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	blobs := newLocalBlobs(t)
	if _, err := blobs.PutJSON(context.Background(), "records", "widgets/rec-1/v1.json", map[string]interface{}{"status": "old"}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	r := router.NewForTest(db, testBuckets(), "testdb")
	e := New(r, blobs, nil, nil)

	committedAt := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted FROM chronos_ver").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "committed_at", "json_key", "meta_indexed", "system_header", "deleted"}).
			AddRow("rec-1", "testdb", "widgets", 1, 1, committedAt, "widgets/rec-1/v1.json", []byte(`{}`), []byte(`{}`), false))
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at FROM chronos_head").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "meta_indexed", "system_header", "json_key", "deleted", "full_shadow", "shadow_at"}).
			AddRow("rec-1", "testdb", "widgets", 3, 3, []byte(`{}`), []byte(`{}`), "widgets/rec-1/v3.json", false, nil, nil))
	mock.ExpectQuery("INSERT INTO chronos_counter").WillReturnRows(sqlmock.NewRows([]string{"next_cv"}).AddRow(4))
	mock.ExpectExec("UPDATE chronos_head").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chronos_ver").WillReturnResult(sqlmock.NewResult(0, 1))

	one := uint64(1)
	res, err := e.RestoreObject(context.Background(), router.RouteContext{Collection: "widgets"}, "rec-1", Target{OV: &one})
	if err != nil {
		t.Fatalf("RestoreObject() err = %v", err)
	}
	if res.OV != 4 || res.CV != 4 {
		t.Errorf("RestoreObject() = %+v, want ov=4 cv=4", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRestoreCollectionPartialFailureKeepsPrefix(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	blobs := newLocalBlobs(t)
	if _, err := blobs.PutJSON(context.Background(), "records", "widgets/rec-1/v1.json", map[string]interface{}{"status": "a"}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	r := router.NewForTest(db, testBuckets(), "testdb")
	e := New(r, blobs, nil, nil)
	target := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT id FROM chronos_ver").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1").AddRow("rec-2"))

	// rec-1 restores cleanly.
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted FROM chronos_ver").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "committed_at", "json_key", "meta_indexed", "system_header", "deleted"}).
			AddRow("rec-1", "testdb", "widgets", 1, 1, target.Add(-time.Minute), "widgets/rec-1/v1.json", []byte(`{}`), []byte(`{}`), false))
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at FROM chronos_head").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "meta_indexed", "system_header", "json_key", "deleted", "full_shadow", "shadow_at"}).
			AddRow("rec-1", "testdb", "widgets", 2, 2, []byte(`{}`), []byte(`{}`), "widgets/rec-1/v2.json", false, nil, nil))
	mock.ExpectQuery("INSERT INTO chronos_counter").WillReturnRows(sqlmock.NewRows([]string{"next_cv"}).AddRow(3))
	mock.ExpectExec("UPDATE chronos_head").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chronos_ver").WillReturnResult(sqlmock.NewResult(0, 1))

	// rec-2 has no matching version at target — GetAsOf returns NotFound.
	mock.ExpectQuery("SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted FROM chronos_ver").
		WillReturnRows(sqlmock.NewRows([]string{"id", "db_name", "collection", "ov", "cv", "committed_at", "json_key", "meta_indexed", "system_header", "deleted"}))

	res, err := e.RestoreCollection(context.Background(), router.RouteContext{Collection: "widgets"}, target)
	if err == nil {
		t.Fatalf("RestoreCollection() err = nil, want the rec-2 failure surfaced")
	}
	if len(res.Restored) != 1 || res.Restored[0].ID != "rec-1" {
		t.Errorf("RestoreCollection() restored = %+v, want just rec-1", res.Restored)
	}
	if res.Failures != 1 {
		t.Errorf("RestoreCollection() failures = %d, want 1", res.Failures)
	}
}
