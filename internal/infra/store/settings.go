package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Payout Settings ────────────────────────────────────────────────────────
// A single row (id = 1). It is seeded once and afterwards written only by the
// payout controller.

// EnsurePayoutSettings seeds the singleton if it does not exist yet.
// Existing values are left untouched.
func (c conn) EnsurePayoutSettings(ctx context.Context, pct, threshold decimal.Decimal) error {
	_, err := c.exec(ctx, `
		INSERT INTO payout_settings (id, commission_pct, threshold_cents, in_default, default_debt_cents, updated_at)
		VALUES (1, ?, ?, 0, 0, ?)
		ON CONFLICT (id) DO NOTHING
	`, pct.String(), domain.ToCents(threshold), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("seed payout settings: %w", err)
	}
	return nil
}

// GetPayoutSettings returns a snapshot of the settings row.
func (c conn) GetPayoutSettings(ctx context.Context) (*domain.PayoutSettings, error) {
	return c.getPayoutSettings(ctx, "")
}

// LockPayoutSettings reads the settings row and holds it.
func (tx *Tx) LockPayoutSettings(ctx context.Context) (*domain.PayoutSettings, error) {
	return tx.getPayoutSettings(ctx, tx.forUpdate())
}

func (c conn) getPayoutSettings(ctx context.Context, suffix string) (*domain.PayoutSettings, error) {
	var (
		s               domain.PayoutSettings
		pct             string
		threshold, debt int64
		inDefault       int
		defaultSince    sql.NullString
		updatedAt       string
	)
	err := c.queryRow(ctx, `
		SELECT commission_pct, threshold_cents, in_default, default_since, default_debt_cents, updated_at
		FROM payout_settings WHERE id = 1`+suffix,
	).Scan(&pct, &threshold, &inDefault, &defaultSince, &debt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payout settings not seeded: %w", domain.ErrConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("get payout settings: %w", err)
	}
	s.CommissionPct, err = decimal.NewFromString(pct)
	if err != nil {
		return nil, fmt.Errorf("parse commission pct %q: %w", pct, err)
	}
	s.Threshold = domain.FromCents(threshold)
	s.InDefault = inDefault != 0
	s.DefaultSince = parseNullTime(defaultSince)
	s.DefaultDebt = domain.FromCents(debt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

// SavePayoutSettings overwrites the singleton with s.
func (c conn) SavePayoutSettings(ctx context.Context, s *domain.PayoutSettings) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := c.exec(ctx, `
		UPDATE payout_settings SET
			commission_pct     = ?,
			threshold_cents    = ?,
			in_default         = ?,
			default_since      = ?,
			default_debt_cents = ?,
			updated_at         = ?
		WHERE id = 1
	`, s.CommissionPct.String(), domain.ToCents(s.Threshold), boolInt(s.InDefault),
		formatNullTime(s.DefaultSince), domain.ToCents(s.DefaultDebt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save payout settings: %w", err)
	}
	return nil
}
