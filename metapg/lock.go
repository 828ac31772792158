package metapg

import (
	"context"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// AcquireLock upserts a per-record lock row iff no unexpired lock is held
// by a different owner (spec §4.6 step 2). expiresAt bounds how long a
// crashed writer can hold a record hostage.
func (s *Store) AcquireLock(ctx context.Context, dbName, collection, id, ownerID string, expiresAt time.Time) error {
	now := nowUTC()
	result, err := s.Querier(ctx).ExecContext(ctx, `
		INSERT INTO chronos_locks (db_name, collection, id, owner_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (db_name, collection, id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at
		WHERE chronos_locks.expires_at < $6 OR chronos_locks.owner_id = EXCLUDED.owner_id
	`, dbName, collection, id, ownerID, expiresAt, now)
	if err != nil {
		return svcerrors.Storage("acquireLock", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return svcerrors.Storage("acquireLock", err)
	}
	if rows == 0 {
		heldBy, _ := s.lockOwner(ctx, dbName, collection, id)
		return svcerrors.LockBusy(id, heldBy)
	}
	return nil
}

// ReleaseLock drops a lock row this owner holds. Releasing a lock you don't
// own (already expired and reclaimed by someone else) is a no-op, not an
// error — the caller's write already either committed or failed upstream.
func (s *Store) ReleaseLock(ctx context.Context, dbName, collection, id, ownerID string) error {
	_, err := s.Querier(ctx).ExecContext(ctx, `
		DELETE FROM chronos_locks WHERE db_name = $1 AND collection = $2 AND id = $3 AND owner_id = $4
	`, dbName, collection, id, ownerID)
	if err != nil {
		return svcerrors.Storage("releaseLock", err)
	}
	return nil
}

func (s *Store) lockOwner(ctx context.Context, dbName, collection, id string) (string, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT owner_id FROM chronos_locks WHERE db_name = $1 AND collection = $2 AND id = $3
	`, dbName, collection, id)
	var owner string
	if err := row.Scan(&owner); err != nil {
		return "", err
	}
	return owner, nil
}
