package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Commission Ledger ──────────────────────────────────────────────────────

const entryColumns = `id, payment_id, amount_cents, paid_cents, status,
	transfer_reference, paid_at, created_at`

// ErrEntryNotFound is returned when no commission entry matches.
var ErrEntryNotFound = errors.New("commission entry not found")

func scanEntry(s scanner) (*domain.CommissionEntry, error) {
	var (
		e            domain.CommissionEntry
		amount, paid int64
		status       string
		transferRef  sql.NullString
		paidAt       sql.NullString
		createdAt    string
	)
	if err := s.Scan(&e.ID, &e.PaymentID, &amount, &paid, &status,
		&transferRef, &paidAt, &createdAt); err != nil {
		return nil, err
	}
	e.Amount = domain.FromCents(amount)
	e.Paid = domain.FromCents(paid)
	e.Status = domain.EntryStatus(status)
	e.TransferReference = transferRef.String
	e.PaidAt = parseNullTime(paidAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// InsertCommissionEntry stores an entry unless one already exists for the
// payment. It reports whether a row was created.
func (c conn) InsertCommissionEntry(ctx context.Context, e *domain.CommissionEntry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	created := formatTime(e.CreatedAt)
	res, err := c.exec(ctx, `
		INSERT INTO commission_entries (`+entryColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO NOTHING
	`, e.ID, e.PaymentID, domain.ToCents(e.Amount), domain.ToCents(e.Paid),
		string(e.Status), nullString(e.TransferReference), formatNullTime(e.PaidAt),
		created, created)
	if err != nil {
		return false, fmt.Errorf("insert commission entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCommissionByPayment returns the entry registered for a payment.
func (c conn) GetCommissionByPayment(ctx context.Context, paymentID string) (*domain.CommissionEntry, error) {
	row := c.queryRow(ctx, `SELECT `+entryColumns+` FROM commission_entries WHERE payment_id = ?`, paymentID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commission entry: %w", err)
	}
	return e, nil
}

// OutstandingCents sums amount - paid over PENDING entries, and FAILED_NSF
// entries when includeFailed is set.
func (c conn) OutstandingCents(ctx context.Context, includeFailed bool) (int64, error) {
	query := `SELECT COALESCE(SUM(amount_cents - paid_cents), 0) FROM commission_entries WHERE status = ?`
	args := []any{string(domain.EntryPending)}
	if includeFailed {
		query = `SELECT COALESCE(SUM(amount_cents - paid_cents), 0) FROM commission_entries WHERE status IN (?, ?)`
		args = append(args, string(domain.EntryFailedNSF))
	}
	var cents int64
	if err := c.queryRow(ctx, query, args...).Scan(&cents); err != nil {
		return 0, fmt.Errorf("sum outstanding commission: %w", err)
	}
	return cents, nil
}

// LockOutstandingEntries locks every PENDING and FAILED_NSF entry, oldest
// first, so a distribution sees a stable set.
func (tx *Tx) LockOutstandingEntries(ctx context.Context) ([]*domain.CommissionEntry, error) {
	return tx.listEntries(ctx, `
		SELECT `+entryColumns+` FROM commission_entries
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC`+tx.forUpdate(),
		string(domain.EntryPending), string(domain.EntryFailedNSF))
}

// ListCommissionEntries returns entries in the given statuses, oldest first.
// No statuses means all entries.
func (c conn) ListCommissionEntries(ctx context.Context, statuses ...domain.EntryStatus) ([]*domain.CommissionEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM commission_entries`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	return c.listEntries(ctx, query+` ORDER BY created_at ASC, id ASC`, args...)
}

// UpdateCommissionEntry persists paid amount, status, reference and paid time.
func (c conn) UpdateCommissionEntry(ctx context.Context, e *domain.CommissionEntry) error {
	_, err := c.exec(ctx, `
		UPDATE commission_entries SET
			paid_cents         = ?,
			status             = ?,
			transfer_reference = ?,
			paid_at            = ?,
			updated_at         = ?
		WHERE id = ?
	`, domain.ToCents(e.Paid), string(e.Status), nullString(e.TransferReference),
		formatNullTime(e.PaidAt), formatTime(time.Now()), e.ID)
	if err != nil {
		return fmt.Errorf("update commission entry %s: %w", e.ID, err)
	}
	return nil
}

// MarkPendingFailedNSF flags every PENDING entry FAILED_NSF.
func (c conn) MarkPendingFailedNSF(ctx context.Context) (int64, error) {
	res, err := c.exec(ctx, `
		UPDATE commission_entries SET status = ?, updated_at = ?
		WHERE status = ?
	`, string(domain.EntryFailedNSF), formatTime(time.Now()), string(domain.EntryPending))
	if err != nil {
		return 0, fmt.Errorf("mark entries failed: %w", err)
	}
	return res.RowsAffected()
}

func (c conn) listEntries(ctx context.Context, query string, args ...any) ([]*domain.CommissionEntry, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commission entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.CommissionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Payouts ────────────────────────────────────────────────────────────────

// InsertPayout records an executed payout.
func (c conn) InsertPayout(ctx context.Context, p *domain.PayoutRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `
		INSERT INTO payouts (id, transfer_reference, amount_cents, source, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.TransferReference, domain.ToCents(p.Amount), string(p.Source),
		nullString(p.Actor), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// ListPayouts returns the most recent payouts first.
func (c conn) ListPayouts(ctx context.Context, limit int) ([]*domain.PayoutRecord, error) {
	rows, err := c.query(ctx, `
		SELECT id, transfer_reference, amount_cents, source, actor, created_at
		FROM payouts ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var out []*domain.PayoutRecord
	for rows.Next() {
		var (
			p       domain.PayoutRecord
			cents   int64
			source  string
			actor   sql.NullString
			created string
		)
		if err := rows.Scan(&p.ID, &p.TransferReference, &cents, &source, &actor, &created); err != nil {
			return nil, err
		}
		p.Amount = domain.FromCents(cents)
		p.Source = domain.PayoutSource(source)
		p.Actor = actor.String
		p.CreatedAt = parseTime(created)
		out = append(out, &p)
	}
	return out, rows.Err()
}
