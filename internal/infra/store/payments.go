package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Payments ───────────────────────────────────────────────────────────────

const paymentColumns = `id, user_id, reference, type, status, method, amount_cents,
	credit_applied_cents, currency, transaction_id, appointment_id, order_id,
	provider_response, method_metadata, failure_reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var (
		p                          domain.Payment
		typ, status, method        string
		amount, credit             int64
		txnID, apptID, orderID     sql.NullString
		response, metadata, reason sql.NullString
		createdAt, updatedAt       string
	)
	err := s.Scan(&p.ID, &p.UserID, &p.Reference, &typ, &status, &method,
		&amount, &credit, &p.Currency, &txnID, &apptID, &orderID,
		&response, &metadata, &reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Type = domain.PaymentType(typ)
	p.Status = domain.PaymentStatus(status)
	p.Method = domain.PaymentMethod(method)
	p.Amount = domain.FromCents(amount)
	p.CreditApplied = domain.FromCents(credit)
	p.TransactionID = txnID.String
	p.AppointmentID = apptID.String
	p.OrderID = orderID.String
	if response.Valid && response.String != "" {
		p.ProviderResponse = []byte(response.String)
	}
	if metadata.Valid && metadata.String != "" {
		p.MethodMetadata = []byte(metadata.String)
	}
	p.FailureReason = reason.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// InsertPayment creates a payment row. CreatedAt/UpdatedAt default to now.
func (c conn) InsertPayment(ctx context.Context, p *domain.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := c.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Reference, string(p.Type), string(p.Status), string(p.Method),
		domain.ToCents(p.Amount), domain.ToCents(p.CreditApplied), p.Currency,
		nullString(p.TransactionID), nullString(p.AppointmentID), nullString(p.OrderID),
		nullString(string(p.ProviderResponse)), nullString(string(p.MethodMetadata)),
		nullString(p.FailureReason), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePayment writes every mutable column of p and bumps UpdatedAt.
func (c conn) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := c.exec(ctx, `
		UPDATE payments SET
			status               = ?,
			method               = ?,
			credit_applied_cents = ?,
			transaction_id       = ?,
			provider_response    = ?,
			method_metadata      = ?,
			failure_reason       = ?,
			updated_at           = ?
		WHERE id = ?
	`, string(p.Status), string(p.Method), domain.ToCents(p.CreditApplied),
		nullString(p.TransactionID), nullString(string(p.ProviderResponse)),
		nullString(string(p.MethodMetadata)), nullString(p.FailureReason),
		formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update payment %s: %w", p.ID, domain.ErrPaymentNotFound)
	}
	return nil
}

// GetPayment reads a payment without locking it.
func (c conn) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return c.getPaymentWhere(ctx, "id = ?", id, "")
}

// LockPayment reads a payment and holds its row until the transaction ends.
func (tx *Tx) LockPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return tx.getPaymentWhere(ctx, "id = ?", id, tx.forUpdate())
}

// FindPaymentByReference looks a payment up by its caller-unique reference.
func (c conn) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return c.getPaymentWhere(ctx, "reference = ?", reference, "")
}

// FindPaymentByTransaction looks a payment up by the provider transaction id.
func (c conn) FindPaymentByTransaction(ctx context.Context, transactionID string) (*domain.Payment, error) {
	return c.getPaymentWhere(ctx, "transaction_id = ?", transactionID, "")
}

func (c conn) getPaymentWhere(ctx context.Context, where string, arg any, suffix string) (*domain.Payment, error) {
	row := c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+suffix, arg)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// LockPendingByAppointment locks every PENDING payment of a booking.
func (tx *Tx) LockPendingByAppointment(ctx context.Context, appointmentID string) ([]*domain.Payment, error) {
	return tx.listPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE appointment_id = ? AND status = ?
		ORDER BY created_at ASC`+tx.forUpdate(),
		appointmentID, string(domain.StatusPending))
}

// ListPendingWithTransaction returns PENDING payments that already carry a
// provider transaction id and were last touched before the cutoff.
func (c conn) ListPendingWithTransaction(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Payment, error) {
	return c.listPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = ? AND transaction_id IS NOT NULL AND updated_at < ?
		ORDER BY created_at ASC
		LIMIT ?`,
		string(domain.StatusPending), formatTime(updatedBefore), limit)
}

// ListStalePending returns ids of PENDING payments with no transaction id
// created before noTxnBefore, or any PENDING payment created before anyBefore.
func (c conn) ListStalePending(ctx context.Context, noTxnBefore, anyBefore time.Time) ([]string, error) {
	rows, err := c.query(ctx, `
		SELECT id FROM payments
		WHERE status = ?
		  AND ((transaction_id IS NULL AND created_at < ?) OR created_at < ?)
		ORDER BY created_at ASC
	`, string(domain.StatusPending), formatTime(noTxnBefore), formatTime(anyBefore))
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPaymentsByStatus returns the number of payments per status.
func (c conn) CountPaymentsByStatus(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	rows, err := c.query(ctx, `SELECT status, COUNT(*) FROM payments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count payments: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PaymentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.PaymentStatus(status)] = n
	}
	return counts, rows.Err()
}

func (c conn) listPayments(ctx context.Context, query string, args ...any) ([]*domain.Payment, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
