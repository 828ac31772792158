package metapg

import (
	"context"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// IncTotal atomically bumps (or creates) a named counter scoped to
// (dbName, collection, ruleName) by delta — spec §4.8's $inc rule action.
func (s *Store) IncTotal(ctx context.Context, dbName, collection, ruleName string, delta int64) (int64, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		INSERT INTO chronos_cnt_total (db_name, collection, rule_name, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (db_name, collection, rule_name)
		DO UPDATE SET value = chronos_cnt_total.value + $4
		RETURNING value
	`, dbName, collection, ruleName, delta)

	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, svcerrors.Storage("incTotal", err)
	}
	return value, nil
}

// GetTotal reads the current value of a named counter, 0 if never bumped.
func (s *Store) GetTotal(ctx context.Context, dbName, collection, ruleName string) (int64, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT value FROM chronos_cnt_total WHERE db_name = $1 AND collection = $2 AND rule_name = $3
	`, dbName, collection, ruleName)
	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, nil
	}
	return value, nil
}

// RecordUniqueValue registers one observed (propertyName, propertyValue)
// pair for a unique-value rule. The table's unique constraint makes this
// idempotent: re-observing the same value from a replayed write is a no-op,
// not a double count. Cardinality is always read fresh via CountUnique
// rather than maintained incrementally (spec Open Question 9(i)) — a
// concurrent delete of the matching value row must immediately lower the
// count, which an incrementally maintained counter cannot guarantee without
// its own race window.
func (s *Store) RecordUniqueValue(ctx context.Context, dbName, collection, ruleName, propertyName, propertyValue string) error {
	_, err := s.Querier(ctx).ExecContext(ctx, `
		INSERT INTO chronos_cnt_unique_values (db_name, collection, rule_name, property_name, property_value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (db_name, collection, rule_name, property_name, property_value) DO NOTHING
	`, dbName, collection, ruleName, propertyName, propertyValue)
	if err != nil {
		return svcerrors.Storage("recordUniqueValue", err)
	}
	return nil
}

// ForgetUniqueValue removes one observed value, e.g. when the record that
// contributed it is deleted or restored to a state that no longer has it.
func (s *Store) ForgetUniqueValue(ctx context.Context, dbName, collection, ruleName, propertyName, propertyValue string) error {
	_, err := s.Querier(ctx).ExecContext(ctx, `
		DELETE FROM chronos_cnt_unique_values
		WHERE db_name = $1 AND collection = $2 AND rule_name = $3 AND property_name = $4 AND property_value = $5
	`, dbName, collection, ruleName, propertyName, propertyValue)
	if err != nil {
		return svcerrors.Storage("forgetUniqueValue", err)
	}
	return nil
}

// CountUnique returns the live cardinality of a unique-value rule.
func (s *Store) CountUnique(ctx context.Context, dbName, collection, ruleName, propertyName string) (int64, error) {
	row := s.Querier(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chronos_cnt_unique_values
		WHERE db_name = $1 AND collection = $2 AND rule_name = $3 AND property_name = $4
	`, dbName, collection, ruleName, propertyName)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, svcerrors.Storage("countUnique", err)
	}
	return n, nil
}
