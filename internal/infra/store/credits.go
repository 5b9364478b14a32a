package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Client Credits ─────────────────────────────────────────────────────────

const creditColumns = `id, user_id, origin_payment_id, source, initial_cents,
	remaining_cents, status, expires_on, created_at`

// ErrCreditNotFound is returned when a credit id does not exist.
var ErrCreditNotFound = errors.New("credit not found")

func scanCredit(s scanner) (*domain.ClientCredit, error) {
	var (
		c                  domain.ClientCredit
		origin             sql.NullString
		source, status     string
		initial, remaining int64
		expiresOn, created string
	)
	if err := s.Scan(&c.ID, &c.UserID, &origin, &source, &initial,
		&remaining, &status, &expiresOn, &created); err != nil {
		return nil, err
	}
	c.OriginPaymentID = origin.String
	c.Source = domain.CreditSource(source)
	c.Initial = domain.FromCents(initial)
	c.Remaining = domain.FromCents(remaining)
	c.Status = domain.CreditStatus(status)
	c.ExpiresOn, _ = time.Parse(domain.DateLayout, expiresOn)
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// InsertCredit stores a new credit grant.
func (c conn) InsertCredit(ctx context.Context, cr *domain.ClientCredit) error {
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = time.Now().UTC()
	}
	created := formatTime(cr.CreatedAt)
	_, err := c.exec(ctx, `
		INSERT INTO client_credits (`+creditColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cr.ID, cr.UserID, nullString(cr.OriginPaymentID), string(cr.Source),
		domain.ToCents(cr.Initial), domain.ToCents(cr.Remaining), string(cr.Status),
		cr.ExpiresOn.Format(domain.DateLayout), created, created)
	if err != nil {
		return fmt.Errorf("insert credit: %w", err)
	}
	return nil
}

// UpdateCredit persists the remaining amount and status of a credit.
func (c conn) UpdateCredit(ctx context.Context, cr *domain.ClientCredit) error {
	_, err := c.exec(ctx, `
		UPDATE client_credits SET remaining_cents = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, domain.ToCents(cr.Remaining), string(cr.Status), formatTime(time.Now()), cr.ID)
	if err != nil {
		return fmt.Errorf("update credit %s: %w", cr.ID, err)
	}
	return nil
}

// ListUsableCredits returns a user's AVAILABLE and PARTIALLY_USED credits that
// have not expired on today, oldest first. No rows are locked.
func (c conn) ListUsableCredits(ctx context.Context, userID string, today time.Time) ([]*domain.ClientCredit, error) {
	return c.listUsableCredits(ctx, userID, today, "")
}

// LockUsableCredits is ListUsableCredits holding the rows until the
// transaction ends, which serializes allocations for the user.
func (tx *Tx) LockUsableCredits(ctx context.Context, userID string, today time.Time) ([]*domain.ClientCredit, error) {
	return tx.listUsableCredits(ctx, userID, today, tx.forUpdate())
}

func (c conn) listUsableCredits(ctx context.Context, userID string, today time.Time, suffix string) ([]*domain.ClientCredit, error) {
	return c.listCredits(ctx, `
		SELECT `+creditColumns+` FROM client_credits
		WHERE user_id = ? AND status IN (?, ?) AND expires_on >= ?
		ORDER BY created_at ASC, id ASC`+suffix,
		userID, string(domain.CreditAvailable), string(domain.CreditPartiallyUsed),
		today.Format(domain.DateLayout))
}

// ListCredits returns every credit of a user, oldest first.
func (c conn) ListCredits(ctx context.Context, userID string) ([]*domain.ClientCredit, error) {
	return c.listCredits(ctx, `
		SELECT `+creditColumns+` FROM client_credits
		WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
}

// GetCredit reads one credit.
func (c conn) GetCredit(ctx context.Context, id string) (*domain.ClientCredit, error) {
	return c.getCredit(ctx, id, "")
}

// LockCredit reads one credit and holds its row.
func (tx *Tx) LockCredit(ctx context.Context, id string) (*domain.ClientCredit, error) {
	return tx.getCredit(ctx, id, tx.forUpdate())
}

func (c conn) getCredit(ctx context.Context, id, suffix string) (*domain.ClientCredit, error) {
	row := c.queryRow(ctx, `SELECT `+creditColumns+` FROM client_credits WHERE id = ?`+suffix, id)
	cr, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCreditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit: %w", err)
	}
	return cr, nil
}

// FindCreditByOrigin returns the credit of the given source granted for a
// payment, or ErrCreditNotFound.
func (c conn) FindCreditByOrigin(ctx context.Context, paymentID string, source domain.CreditSource) (*domain.ClientCredit, error) {
	row := c.queryRow(ctx, `SELECT `+creditColumns+` FROM client_credits
		WHERE origin_payment_id = ? AND source = ?`, paymentID, string(source))
	cr, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCreditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find credit by origin: %w", err)
	}
	return cr, nil
}

// ExpireCredits marks usable credits whose expiry is before today as EXPIRED
// and returns how many rows changed.
func (c conn) ExpireCredits(ctx context.Context, today time.Time) (int64, error) {
	res, err := c.exec(ctx, `
		UPDATE client_credits SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND expires_on < ?
	`, string(domain.CreditExpired), formatTime(time.Now()),
		string(domain.CreditAvailable), string(domain.CreditPartiallyUsed),
		today.Format(domain.DateLayout))
	if err != nil {
		return 0, fmt.Errorf("expire credits: %w", err)
	}
	return res.RowsAffected()
}

func (c conn) listCredits(ctx context.Context, query string, args ...any) ([]*domain.ClientCredit, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credits: %w", err)
	}
	defer rows.Close()

	var out []*domain.ClientCredit
	for rows.Next() {
		cr, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// ─── Credit Usages ──────────────────────────────────────────────────────────

// InsertCreditUsage records one allocation movement against a payment.
func (c conn) InsertCreditUsage(ctx context.Context, u *domain.CreditUsage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `
		INSERT INTO credit_usages (id, credit_id, payment_id, amount_cents, released, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.CreditID, u.PaymentID, domain.ToCents(u.Amount), boolInt(u.Released),
		formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert credit usage: %w", err)
	}
	return nil
}

// LockActiveUsages returns the unreleased usages of a payment, locked.
func (tx *Tx) LockActiveUsages(ctx context.Context, paymentID string) ([]*domain.CreditUsage, error) {
	return tx.listUsages(ctx, `
		SELECT id, credit_id, payment_id, amount_cents, released, created_at
		FROM credit_usages WHERE payment_id = ? AND released = 0
		ORDER BY created_at ASC, id ASC`+tx.forUpdate(), paymentID)
}

// ListUsages returns every usage recorded for a payment.
func (c conn) ListUsages(ctx context.Context, paymentID string) ([]*domain.CreditUsage, error) {
	return c.listUsages(ctx, `
		SELECT id, credit_id, payment_id, amount_cents, released, created_at
		FROM credit_usages WHERE payment_id = ?
		ORDER BY created_at ASC, id ASC`, paymentID)
}

// MarkUsageReleased flags a usage whose amount went back to its credit.
func (c conn) MarkUsageReleased(ctx context.Context, id string) error {
	_, err := c.exec(ctx, `UPDATE credit_usages SET released = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release usage %s: %w", id, err)
	}
	return nil
}

func (c conn) listUsages(ctx context.Context, query string, args ...any) ([]*domain.CreditUsage, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usages: %w", err)
	}
	defer rows.Close()

	var out []*domain.CreditUsage
	for rows.Next() {
		var (
			u        domain.CreditUsage
			cents    int64
			released int
			created  string
		)
		if err := rows.Scan(&u.ID, &u.CreditID, &u.PaymentID, &cents, &released, &created); err != nil {
			return nil, err
		}
		u.Amount = domain.FromCents(cents)
		u.Released = released != 0
		u.CreatedAt = parseTime(created)
		out = append(out, &u)
	}
	return out, rows.Err()
}
