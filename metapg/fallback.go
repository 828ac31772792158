package metapg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// FallbackOp is a durably queued write that couldn't commit inline and was
// handed to the fallback worker for replay (spec §4.9).
type FallbackOp struct {
	ID            int64
	RequestID     string
	Type          string
	DBName        string
	Collection    string
	Payload       map[string]interface{}
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// EnqueueFallback inserts a fallback op, idempotent on requestID: a retry
// of the same request that raced the enqueue is a no-op, not a duplicate.
func (s *Store) EnqueueFallback(ctx context.Context, op FallbackOp) error {
	payload, err := marshalJSON(op.Payload)
	if err != nil {
		return err
	}
	_, err = s.Querier(ctx).ExecContext(ctx, `
		INSERT INTO chronos_fallback_ops (request_id, type, db_name, collection, payload, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING
	`, op.RequestID, op.Type, op.DBName, op.Collection, payload, op.Attempts, op.NextAttemptAt, op.CreatedAt)
	if err != nil {
		return svcerrors.Storage("enqueueFallback", err)
	}
	return nil
}

// ClaimDue returns up to limit fallback ops whose nextAttemptAt has passed,
// ordered oldest-due-first.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]FallbackOp, error) {
	rows, err := s.Querier(ctx).QueryContext(ctx, `
		SELECT id, request_id, type, db_name, collection, payload, attempts, next_attempt_at, created_at
		FROM chronos_fallback_ops
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`, nowUTC(), limit)
	if err != nil {
		return nil, svcerrors.Storage("claimDue", err)
	}
	defer rows.Close()

	var out []FallbackOp
	for rows.Next() {
		var op FallbackOp
		var payload []byte
		if err := rows.Scan(&op.ID, &op.RequestID, &op.Type, &op.DBName, &op.Collection, &payload, &op.Attempts, &op.NextAttemptAt, &op.CreatedAt); err != nil {
			return nil, svcerrors.Storage("claimDue", err)
		}
		op.Payload = map[string]interface{}{}
		_ = unmarshalJSON(payload, &op.Payload)
		out = append(out, op)
	}
	return out, rows.Err()
}

// RescheduleFallback bumps attempts and pushes nextAttemptAt out after a
// failed replay.
func (s *Store) RescheduleFallback(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time) error {
	_, err := s.Querier(ctx).ExecContext(ctx, `
		UPDATE chronos_fallback_ops SET attempts = $1, next_attempt_at = $2 WHERE id = $3
	`, attempts, nextAttemptAt, id)
	if err != nil {
		return svcerrors.Storage("rescheduleFallback", err)
	}
	return nil
}

// CompleteFallback removes a fallback op after a successful replay.
func (s *Store) CompleteFallback(ctx context.Context, id int64) error {
	_, err := s.Querier(ctx).ExecContext(ctx, `DELETE FROM chronos_fallback_ops WHERE id = $1`, id)
	if err != nil {
		return svcerrors.Storage("completeFallback", err)
	}
	return nil
}

// DeadLetter moves a fallback op that exhausted its retry budget into
// chronos_dead_letter for manual inspection, removing it from the active
// queue in the same call.
func (s *Store) DeadLetter(ctx context.Context, op FallbackOp, reason string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		payload, err := marshalJSON(op.Payload)
		if err != nil {
			return err
		}
		_, err = s.Querier(ctx).ExecContext(ctx, `
			INSERT INTO chronos_dead_letter (request_id, type, db_name, collection, payload, attempts, reason, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, op.RequestID, op.Type, op.DBName, op.Collection, payload, op.Attempts, reason, nowUTC())
		if err != nil {
			return svcerrors.Storage("deadLetter", err)
		}
		_, err = s.Querier(ctx).ExecContext(ctx, `DELETE FROM chronos_fallback_ops WHERE id = $1`, op.ID)
		if err != nil {
			return svcerrors.Storage("deadLetter", err)
		}
		return nil
	})
}

// QueueDepth reports how many fallback ops are currently pending, for the
// FallbackQueueDepth gauge.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM chronos_fallback_ops`)
	var n int64
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, svcerrors.Storage("queueDepth", err)
	}
	return n, nil
}
