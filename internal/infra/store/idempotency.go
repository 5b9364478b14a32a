package store

import (
	"context"
	"fmt"
	"time"
)

// ─── Idempotency Records ────────────────────────────────────────────────────
// Keyed by the provider transaction id. A record is created on first sight of
// a delivery and marked completed once processing reached a final outcome, so
// redeliveries after that point are short-circuited.

// IdempotencyCompleted reports whether reference was already fully processed.
func (c conn) IdempotencyCompleted(ctx context.Context, reference string) (bool, error) {
	var completed int
	err := c.queryRow(ctx, `SELECT completed FROM idempotency_records WHERE reference = ?`, reference).Scan(&completed)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("get idempotency record: %w", err)
	}
	return completed != 0, nil
}

// TouchIdempotency creates the record for reference if it is missing.
func (c conn) TouchIdempotency(ctx context.Context, reference, event string) error {
	_, err := c.exec(ctx, `
		INSERT INTO idempotency_records (reference, event, completed, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (reference) DO NOTHING
	`, reference, event, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("touch idempotency record: %w", err)
	}
	return nil
}

// CompleteIdempotency marks reference as processed, creating it if needed.
func (c conn) CompleteIdempotency(ctx context.Context, reference, event string) error {
	now := formatTime(time.Now())
	_, err := c.exec(ctx, `
		INSERT INTO idempotency_records (reference, event, completed, created_at, completed_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (reference) DO UPDATE SET
			completed    = 1,
			completed_at = excluded.completed_at
	`, reference, event, now, now)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}
