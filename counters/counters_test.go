package counters

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/pipeline"
)

func eqCond(v interface{}) Condition {
	return Condition{Eq: &v}
}

func TestPredicateMatchesShorthandEquality(t *testing.T) {
	p := Predicate{"status": eqCond("active")}
	if !p.matches(map[string]interface{}{"status": "active"}) {
		t.Errorf("matches() = false, want true")
	}
	if p.matches(map[string]interface{}{"status": "inactive"}) {
		t.Errorf("matches() = true, want false")
	}
}

func TestPredicateGtOperator(t *testing.T) {
	threshold := 10.0
	p := Predicate{"amount": {OpGt: &threshold}}
	if !p.matches(map[string]interface{}{"amount": 11.0}) {
		t.Errorf("matches(11) = false, want true")
	}
	if p.matches(map[string]interface{}{"amount": 9.0}) {
		t.Errorf("matches(9) = true, want false")
	}
	if p.matches(map[string]interface{}{"amount": "not-a-number"}) {
		t.Errorf("matches(non-numeric) = true, want false")
	}
}

func TestPredicateExistsOperator(t *testing.T) {
	yes := true
	p := Predicate{"flag": {OpExists: &yes}}
	if !p.matches(map[string]interface{}{"flag": false}) {
		t.Errorf("matches(present) = false, want true")
	}
	if p.matches(map[string]interface{}{}) {
		t.Errorf("matches(missing) = true, want false")
	}
}

func TestOnCommitBumpsOpBucketAndMatchingRule(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := metapg.New(db)
	threshold := 100.0
	engine := New(store, []Rule{
		{Name: "big-orders", On: []Op{OpCreate}, Scope: ScopePayload, When: Predicate{"amount": {OpGt: &threshold}}},
	}, nil, nil)

	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "orders", "_ops.CREATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "orders", "big-orders.CREATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))

	engine.OnCommit(context.Background(), pipeline.CommitEvent{
		Op: "create", DBName: "testdb", Collection: "orders",
		Payload: map[string]interface{}{"amount": 150.0},
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// TestOnCommitKeepsCreateAndUpdateBucketsSeparate codifies spec.md §8's
// end-to-end scenario 6: two creates and one update matching the same
// rule must report rules.active.created=2 and rules.active.updated=1,
// not a single collapsed rules.active=3.
func TestOnCommitKeepsCreateAndUpdateBucketsSeparate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := metapg.New(db)
	yes := true
	engine := New(store, []Rule{
		{Name: "active", On: []Op{OpCreate, OpUpdate}, Scope: ScopeMeta, When: Predicate{"status": {OpExists: &yes}}},
	}, nil, nil)

	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "widgets", "_ops.CREATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "widgets", "active.CREATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "widgets", "_ops.CREATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(2))
	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "widgets", "active.CREATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(2))
	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "widgets", "_ops.UPDATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO chronos_cnt_total").
		WithArgs("testdb", "widgets", "active.UPDATE", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))

	meta := map[string]interface{}{"status": "open"}
	engine.OnCommit(context.Background(), pipeline.CommitEvent{Op: "create", DBName: "testdb", Collection: "widgets", Meta: meta})
	engine.OnCommit(context.Background(), pipeline.CommitEvent{Op: "create", DBName: "testdb", Collection: "widgets", Meta: meta})
	engine.OnCommit(context.Background(), pipeline.CommitEvent{Op: "update", DBName: "testdb", Collection: "widgets", Meta: meta})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
