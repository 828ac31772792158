package metapg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// VersionRow is one row of chronos_ver: the append-only version index. The
// blob itself lives in the blob store at JSONKey; this row is what makes it
// addressable by ov and by point-in-time.
type VersionRow struct {
	ID          string
	DBName      string
	Collection  string
	OV          uint64
	CV          uint64
	CommittedAt time.Time
	JSONKey     string
	MetaIndexed map[string]interface{}
	SystemJSON  map[string]interface{}
	Deleted     bool
}

// AppendVersion inserts the next version row. Callers must hold the
// record's lock (or be inside the same transaction as the head update) so
// ov stays contiguous.
func (s *Store) AppendVersion(ctx context.Context, v VersionRow) error {
	metaRaw, err := marshalJSON(v.MetaIndexed)
	if err != nil {
		return err
	}
	sysRaw, err := marshalJSON(v.SystemJSON)
	if err != nil {
		return err
	}
	_, err = s.Querier(ctx).ExecContext(ctx, `
		INSERT INTO chronos_ver (id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, v.ID, v.DBName, v.Collection, v.OV, v.CV, v.CommittedAt, v.JSONKey, metaRaw, sysRaw, v.Deleted)
	if err != nil {
		return svcerrors.Storage("appendVersion", err)
	}
	return nil
}

// GetVersion fetches one exact (id, ov) version row.
func (s *Store) GetVersion(ctx context.Context, dbName, collection, id string, ov uint64) (VersionRow, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted
		FROM chronos_ver WHERE db_name = $1 AND collection = $2 AND id = $3 AND ov = $4
	`, dbName, collection, id, ov)
	return scanVersionRow(row)
}

// GetAsOf returns the version row whose committedAt is the latest one at or
// before target — point-in-time lookup for a single record (spec §4.7).
func (s *Store) GetAsOf(ctx context.Context, dbName, collection, id string, target time.Time) (VersionRow, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted
		FROM chronos_ver
		WHERE db_name = $1 AND collection = $2 AND id = $3 AND committed_at <= $4
		ORDER BY committed_at DESC, ov DESC
		LIMIT 1
	`, dbName, collection, id, target)
	return scanVersionRow(row)
}

// ListVersions returns every version row for id, oldest first.
func (s *Store) ListVersions(ctx context.Context, dbName, collection, id string) ([]VersionRow, error) {
	rows, err := s.Querier(ctx).QueryContext(ctx, `
		SELECT id, db_name, collection, ov, cv, committed_at, json_key, meta_indexed, system_header, deleted
		FROM chronos_ver WHERE db_name = $1 AND collection = $2 AND id = $3
		ORDER BY ov ASC
	`, dbName, collection, id)
	if err != nil {
		return nil, svcerrors.Storage("listVersions", err)
	}
	defer rows.Close()

	var out []VersionRow
	for rows.Next() {
		v, err := scanVersionRowsIter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListIDsAsOf returns the id of every record in (dbName, collection) whose
// latest version's committedAt is strictly after target — the candidate
// set restoreCollection walks (spec §4.7). A record last touched at or
// before target is already in the state it would be restored to, so it's
// left alone entirely rather than rewritten as a no-op version.
func (s *Store) ListIDsAsOf(ctx context.Context, dbName, collection string, target time.Time) ([]string, error) {
	rows, err := s.Querier(ctx).QueryContext(ctx, `
		SELECT id FROM chronos_ver
		WHERE db_name = $1 AND collection = $2
		GROUP BY id
		HAVING MAX(committed_at) > $3
	`, dbName, collection, target)
	if err != nil {
		return nil, svcerrors.Storage("listIdsAsOf", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, svcerrors.Storage("listIdsAsOf", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanVersionRow(row *sql.Row) (VersionRow, error) {
	var v VersionRow
	var metaRaw, sysRaw []byte
	if err := row.Scan(&v.ID, &v.DBName, &v.Collection, &v.OV, &v.CV, &v.CommittedAt, &v.JSONKey, &metaRaw, &sysRaw, &v.Deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VersionRow{}, svcerrors.NotFound("version", v.ID)
		}
		return VersionRow{}, svcerrors.Storage("getVersion", err)
	}
	v.MetaIndexed = map[string]interface{}{}
	if err := unmarshalJSON(metaRaw, &v.MetaIndexed); err != nil {
		return VersionRow{}, err
	}
	v.SystemJSON = map[string]interface{}{}
	if err := unmarshalJSON(sysRaw, &v.SystemJSON); err != nil {
		return VersionRow{}, err
	}
	return v, nil
}

func scanVersionRowsIter(rows *sql.Rows) (VersionRow, error) {
	var v VersionRow
	var metaRaw, sysRaw []byte
	if err := rows.Scan(&v.ID, &v.DBName, &v.Collection, &v.OV, &v.CV, &v.CommittedAt, &v.JSONKey, &metaRaw, &sysRaw, &v.Deleted); err != nil {
		return VersionRow{}, svcerrors.Storage("listVersions", err)
	}
	v.MetaIndexed = map[string]interface{}{}
	if err := unmarshalJSON(metaRaw, &v.MetaIndexed); err != nil {
		return VersionRow{}, err
	}
	v.SystemJSON = map[string]interface{}{}
	if err := unmarshalJSON(sysRaw, &v.SystemJSON); err != nil {
		return VersionRow{}, err
	}
	return v, nil
}
