// Package metapg is the PostgreSQL-backed implementation of the versioned
// metadata store: head rows, the append-only version index, the cv
// allocator, per-record locks, the counter engine's totals/unique tables,
// and the fallback queue/dead-letter tables. Every table is shared across
// collections and scoped by (db_name, collection) columns rather than one
// physical table per collection — see DESIGN.md for the rationale.
package metapg

import (
	"database/sql"
	"encoding/json"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/pkg/storage"
	"github.com/nx-intelligence/chronos-db/pkg/storage/postgres"
)

// Querier is the subset of *sql.DB / *sql.Tx every repository method needs.
// An alias for pkg/storage.Querier, not a re-declaration of the same shape,
// so every chronos_* repository in this package and postgres.BaseStore
// agree on one type.
type Querier = storage.Querier

// Store bundles a *postgres.BaseStore — which resolves the right Querier
// (an in-flight *sql.Tx carried on ctx, or the plain pool) and owns
// BeginTx/CommitTx/RollbackTx/WithTx — with the (db_name, collection)-scoped
// chronos_* repository methods defined across this package's other files.
// BaseStore's single-table helpers (Exists, DeleteByID, ...) go unused here:
// every repository method below names its own chronos_* table directly.
type Store struct {
	*postgres.BaseStore
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{BaseStore: postgres.NewBaseStore(db, "")}
}

// SupportsTransactions reports whether this MetadataStore offers real
// multi-statement transactions. Store always does; the interface
// exists so the write pipeline can degrade to the sequenced-write path
// against a future backend that doesn't (spec §4.6).
func (s *Store) SupportsTransactions() bool { return true }

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, svcerrors.Internal("marshal json column", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return svcerrors.Internal("unmarshal json column", err)
	}
	return nil
}

// nowUTC is a single seam for "now" so repository methods are trivially
// mockable in tests that stamp expected timestamps.
func nowUTC() time.Time { return time.Now().UTC() }
