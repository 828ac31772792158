package metapg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// HeadRow is one row of chronos_head: the current version of a record.
//
// FullShadow mirrors the record's current payload onto the head row itself
// (spec §3, §4.10's dev-shadow fast path): when present, a read can skip
// the blob store round trip entirely. nil means no shadow was written for
// this version — either the dev-shadow feature is disabled, or the write
// optimizer's ShouldSkipShadow judged the payload too large or the op a
// bulk one. ShadowAt is the zero time whenever FullShadow is nil.
type HeadRow struct {
	ID          string
	DBName      string
	Collection  string
	OV          uint64
	CV          uint64
	MetaIndexed map[string]interface{}
	SystemJSON  map[string]interface{}
	JSONKey     string
	Deleted     bool
	FullShadow  []byte
	ShadowAt    time.Time
}

// GetHead fetches the current head row for id, or a NotFound ServiceError.
func (s *Store) GetHead(ctx context.Context, dbName, collection, id string) (HeadRow, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at
		FROM chronos_head WHERE db_name = $1 AND collection = $2 AND id = $3
	`, dbName, collection, id)

	var h HeadRow
	var metaRaw, sysRaw []byte
	var shadowAt sql.NullTime
	if err := row.Scan(&h.ID, &h.DBName, &h.Collection, &h.OV, &h.CV, &metaRaw, &sysRaw, &h.JSONKey, &h.Deleted, &h.FullShadow, &shadowAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HeadRow{}, svcerrors.NotFound("record", id)
		}
		return HeadRow{}, svcerrors.Storage("getHead", err)
	}
	if shadowAt.Valid {
		h.ShadowAt = shadowAt.Time
	}
	h.MetaIndexed = map[string]interface{}{}
	if err := unmarshalJSON(metaRaw, &h.MetaIndexed); err != nil {
		return HeadRow{}, err
	}
	h.SystemJSON = map[string]interface{}{}
	if err := unmarshalJSON(sysRaw, &h.SystemJSON); err != nil {
		return HeadRow{}, err
	}
	return h, nil
}

// InsertHead inserts the initial ov=0 head row for a newly created record.
func (s *Store) InsertHead(ctx context.Context, h HeadRow) error {
	metaRaw, err := marshalJSON(h.MetaIndexed)
	if err != nil {
		return err
	}
	sysRaw, err := marshalJSON(h.SystemJSON)
	if err != nil {
		return err
	}

	_, err = s.Querier(ctx).ExecContext(ctx, `
		INSERT INTO chronos_head (id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.DBName, h.Collection, h.OV, h.CV, metaRaw, sysRaw, h.JSONKey, h.Deleted, h.FullShadow, nullableTime(h.ShadowAt))
	if err != nil {
		return svcerrors.Storage("insertHead", err)
	}
	return nil
}

// ConditionalUpdateHead advances a head row from expectedOv to h.OV = expectedOv+1
// iff the stored ov still matches expectedOv. Returns OptimisticLockError
// when the condition fails (either a concurrent writer won, or the record
// doesn't exist).
func (s *Store) ConditionalUpdateHead(ctx context.Context, h HeadRow, expectedOv uint64) error {
	metaRaw, err := marshalJSON(h.MetaIndexed)
	if err != nil {
		return err
	}
	sysRaw, err := marshalJSON(h.SystemJSON)
	if err != nil {
		return err
	}

	result, err := s.Querier(ctx).ExecContext(ctx, `
		UPDATE chronos_head
		SET ov = $1, cv = $2, meta_indexed = $3, system_header = $4, json_key = $5, deleted = $6, full_shadow = $11, shadow_at = $12
		WHERE db_name = $7 AND collection = $8 AND id = $9 AND ov = $10
	`, h.OV, h.CV, metaRaw, sysRaw, h.JSONKey, h.Deleted, h.DBName, h.Collection, h.ID, expectedOv, h.FullShadow, nullableTime(h.ShadowAt))
	if err != nil {
		return svcerrors.Storage("conditionalUpdateHead", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return svcerrors.Storage("conditionalUpdateHead", err)
	}
	if rows == 0 {
		current, getErr := s.GetHead(ctx, h.DBName, h.Collection, h.ID)
		actualOv := expectedOv
		if getErr == nil {
			actualOv = current.OV
		}
		return svcerrors.OptimisticLock(h.ID, expectedOv, actualOv)
	}
	return nil
}

// ListByMeta runs a paginated query over head rows' meta_indexed JSONB
// column using a caller-supplied SQL filter fragment. dbName and collection
// take $1 and $2, so the fragment's own placeholders start at $3; afterID and
// limit take the placeholders after Args.
type ListByMetaFilter struct {
	DBName     string
	Collection string
	WhereSQL   string // e.g. "meta_indexed->>'status' = $3"; empty means no filter
	Args       []any
	AfterID    string
	Limit      int
	Descending bool
}

// ListByMeta returns head rows matching the filter, ordered by id.
func (s *Store) ListByMeta(ctx context.Context, f ListByMetaFilter) ([]HeadRow, error) {
	order := "ASC"
	if f.Descending {
		order = "DESC"
	}
	query := `
		SELECT id, db_name, collection, ov, cv, meta_indexed, system_header, json_key, deleted, full_shadow, shadow_at
		FROM chronos_head WHERE db_name = $1 AND collection = $2`
	args := []any{f.DBName, f.Collection}
	if f.WhereSQL != "" {
		query += " AND " + f.WhereSQL
		args = append(args, f.Args...)
	}
	if f.AfterID != "" {
		query += " AND id > $" + placeholderIndex(len(args)+1)
		args = append(args, f.AfterID)
	}
	query += " ORDER BY id " + order
	if f.Limit > 0 {
		query += " LIMIT $" + placeholderIndex(len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := s.Querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, svcerrors.Storage("listByMeta", err)
	}
	defer rows.Close()

	var out []HeadRow
	for rows.Next() {
		var h HeadRow
		var metaRaw, sysRaw []byte
		var shadowAt sql.NullTime
		if err := rows.Scan(&h.ID, &h.DBName, &h.Collection, &h.OV, &h.CV, &metaRaw, &sysRaw, &h.JSONKey, &h.Deleted, &h.FullShadow, &shadowAt); err != nil {
			return nil, svcerrors.Storage("listByMeta", err)
		}
		if shadowAt.Valid {
			h.ShadowAt = shadowAt.Time
		}
		h.MetaIndexed = map[string]interface{}{}
		_ = unmarshalJSON(metaRaw, &h.MetaIndexed)
		h.SystemJSON = map[string]interface{}{}
		_ = unmarshalJSON(sysRaw, &h.SystemJSON)
		out = append(out, h)
	}
	return out, rows.Err()
}

// nullableTime converts the zero time.Time (meaning "no shadow written") to
// a SQL NULL, since chronos_head.shadow_at has no meaningful zero value.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func placeholderIndex(i int) string {
	// small helper kept local to avoid pulling strconv into every call site
	return itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
