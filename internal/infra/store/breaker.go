package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Circuit Breaker State ──────────────────────────────────────────────────
// DB implements domain.BreakerStore so that instances sharing a database also
// share breaker state when no Redis is configured.

var _ domain.BreakerStore = (*DB)(nil)

// LoadBreaker returns the persisted state, zero if the breaker was never used.
func (db *DB) LoadBreaker(ctx context.Context, name string) (domain.BreakerState, error) {
	return db.loadBreaker(ctx, name, "")
}

func (c conn) loadBreaker(ctx context.Context, name, suffix string) (domain.BreakerState, error) {
	var (
		st        domain.BreakerState
		openUntil sql.NullString
	)
	err := c.queryRow(ctx, `
		SELECT failures, total_trips, open_until
		FROM circuit_breakers WHERE name = ?`+suffix, name,
	).Scan(&st.Failures, &st.TotalTrips, &openUntil)
	if isNoRows(err) {
		return domain.BreakerState{}, nil
	}
	if err != nil {
		return st, fmt.Errorf("load breaker %s: %w", name, err)
	}
	if t := parseNullTime(openUntil); t != nil {
		st.OpenUntil = *t
	}
	return st, nil
}

// RecordSuccess resets the failure count. An open window is left alone.
func (db *DB) RecordSuccess(ctx context.Context, name string) error {
	_, err := db.exec(ctx, `
		INSERT INTO circuit_breakers (name, failures, total_trips, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT (name) DO UPDATE SET
			failures   = 0,
			updated_at = excluded.updated_at
	`, name, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record breaker success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure count and trips the breaker when it
// reaches maxFailures.
func (db *DB) RecordFailure(ctx context.Context, name string, maxFailures int, cooldown time.Duration, now time.Time) (domain.BreakerState, bool, error) {
	var (
		st      domain.BreakerState
		tripped bool
	)
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.exec(ctx, `
			INSERT INTO circuit_breakers (name, failures, total_trips, updated_at)
			VALUES (?, 0, 0, ?)
			ON CONFLICT (name) DO NOTHING
		`, name, formatTime(now)); err != nil {
			return err
		}

		var err error
		st, err = tx.loadBreaker(ctx, name, tx.forUpdate())
		if err != nil {
			return err
		}

		st.Failures++
		var trippedAt sql.NullString
		if st.Failures >= maxFailures {
			tripped = true
			st.Failures = 0
			st.TotalTrips++
			st.OpenUntil = now.Add(cooldown)
			trippedAt = sql.NullString{String: formatTime(now), Valid: true}
		}

		openUntil := sql.NullString{}
		if !st.OpenUntil.IsZero() {
			openUntil = sql.NullString{String: formatTime(st.OpenUntil), Valid: true}
		}
		_, err = tx.exec(ctx, `
			UPDATE circuit_breakers SET
				failures    = ?,
				total_trips = ?,
				open_until  = ?,
				tripped_at  = COALESCE(?, tripped_at),
				updated_at  = ?
			WHERE name = ?
		`, st.Failures, st.TotalTrips, openUntil, trippedAt, formatTime(now), name)
		return err
	})
	if err != nil {
		return st, false, fmt.Errorf("record breaker failure: %w", err)
	}
	return st, tripped, nil
}
