package metapg

import (
	"context"
	"database/sql"
	"errors"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// NextCV atomically allocates and returns the next cluster-version number
// for (dbName, collection) — spec §4.6 step 4. cv is a single monotonically
// increasing counter per collection, distinct from each record's own ov.
func (s *Store) NextCV(ctx context.Context, dbName, collection string) (uint64, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		INSERT INTO chronos_counter (db_name, collection, next_cv)
		VALUES ($1, $2, 1)
		ON CONFLICT (db_name, collection)
		DO UPDATE SET next_cv = chronos_counter.next_cv + 1
		RETURNING next_cv
	`, dbName, collection)

	var cv uint64
	if err := row.Scan(&cv); err != nil {
		return 0, svcerrors.Storage("nextCV", err)
	}
	return cv, nil
}

// CurrentCV reports the last allocated cv without advancing it, or 0 if
// none has been allocated yet.
func (s *Store) CurrentCV(ctx context.Context, dbName, collection string) (uint64, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT next_cv FROM chronos_counter WHERE db_name = $1 AND collection = $2
	`, dbName, collection)

	var cv uint64
	if err := row.Scan(&cv); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, svcerrors.Storage("currentCV", err)
	}
	return cv, nil
}
