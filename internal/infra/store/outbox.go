package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Fulfillment Outbox ─────────────────────────────────────────────────────
// A task is written by the transaction that settles its payment, so both
// commit or roll back together. Publishing happens after commit; a task stays
// pending until a publish succeeds.

const outboxColumns = `id, action, payment_id, target, attempts, last_error, created_at, dispatched_at`

// ErrTaskNotFound is returned when no outbox task matches.
var ErrTaskNotFound = errors.New("fulfillment task not found")

func scanTask(s scanner) (*domain.FulfillmentTask, error) {
	var (
		t            domain.FulfillmentTask
		action       string
		target       sql.NullString
		lastError    sql.NullString
		createdAt    string
		dispatchedAt sql.NullString
	)
	if err := s.Scan(&t.ID, &action, &t.PaymentID, &target, &t.Attempts,
		&lastError, &createdAt, &dispatchedAt); err != nil {
		return nil, err
	}
	t.Action = domain.FulfillmentAction(action)
	t.Target = target.String
	t.LastError = lastError.String
	t.CreatedAt = parseTime(createdAt)
	t.DispatchedAt = parseNullTime(dispatchedAt)
	return &t, nil
}

// EnqueueFulfillment stores t unless a task with the same id exists. It
// reports whether a row was created.
func (c conn) EnqueueFulfillment(ctx context.Context, t *domain.FulfillmentTask) (bool, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := c.exec(ctx, `
		INSERT INTO fulfillment_outbox (id, action, payment_id, target, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, string(t.Action), t.PaymentID, nullString(t.Target), formatTime(t.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("enqueue fulfillment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetFulfillment returns one outbox task.
func (c conn) GetFulfillment(ctx context.Context, id string) (*domain.FulfillmentTask, error) {
	t, err := scanTask(c.queryRow(ctx, `SELECT `+outboxColumns+` FROM fulfillment_outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fulfillment: %w", err)
	}
	return t, nil
}

// ListPendingFulfillments returns undispatched tasks created before cutoff,
// oldest first.
func (c conn) ListPendingFulfillments(ctx context.Context, cutoff time.Time, limit int) ([]*domain.FulfillmentTask, error) {
	rows, err := c.query(ctx, `
		SELECT `+outboxColumns+` FROM fulfillment_outbox
		WHERE dispatched_at IS NULL AND created_at < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending fulfillments: %w", err)
	}
	defer rows.Close()

	var out []*domain.FulfillmentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkFulfillmentDispatched records a successful publish.
func (c conn) MarkFulfillmentDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := c.exec(ctx, `
		UPDATE fulfillment_outbox
		SET attempts = attempts + 1, last_error = NULL, dispatched_at = ?
		WHERE id = ? AND dispatched_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark fulfillment dispatched: %w", err)
	}
	return nil
}

// RecordFulfillmentFailure counts a failed publish attempt.
func (c conn) RecordFulfillmentFailure(ctx context.Context, id, reason string) error {
	_, err := c.exec(ctx, `
		UPDATE fulfillment_outbox
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ? AND dispatched_at IS NULL
	`, reason, id)
	if err != nil {
		return fmt.Errorf("record fulfillment failure: %w", err)
	}
	return nil
}
