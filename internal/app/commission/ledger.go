// Package commission tracks the developer revenue share owed on approved
// payments and pays it out from the merchant's payout balance.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/observability"
	"github.com/slotbook/paycore/internal/infra/store"
)

// LedgerConfig controls how commission is computed.
type LedgerConfig struct {
	// ExcludeCredit computes commission on the charged amount only, leaving
	// out whatever store credit covered.
	ExcludeCredit bool
}

// Ledger is the CommissionLedger.
type Ledger struct {
	db  *store.DB
	cfg LedgerConfig
	log *zap.Logger
	now func() time.Time
}

// NewLedger creates a commission ledger.
func NewLedger(db *store.DB, cfg LedgerConfig, log *zap.Logger) *Ledger {
	return &Ledger{db: db, cfg: cfg, log: log.Named("commission"), now: time.Now}
}

// ─── Registration ───────────────────────────────────────────────────────────

// Base returns the amount commission is computed on.
func (l *Ledger) Base(p domain.Payment) decimal.Decimal {
	if l.cfg.ExcludeCredit {
		return p.ChargeAmount()
	}
	return p.Amount
}

// RegisterTx records the commission owed for an approved payment inside tx.
// It returns nil without error when nothing is owed or the entry exists.
func (l *Ledger) RegisterTx(ctx context.Context, tx *store.Tx, p domain.Payment) (*domain.CommissionEntry, error) {
	if p.Status != domain.StatusApproved || !p.Type.EarnsCommission() {
		return nil, nil
	}
	base := l.Base(p)
	if base.Sign() <= 0 {
		return nil, nil
	}
	settings, err := tx.GetPayoutSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.CommissionPct.Sign() <= 0 {
		return nil, nil
	}
	amount := domain.CommissionFor(base, settings.CommissionPct)
	if amount.Sign() <= 0 {
		return nil, nil
	}

	e := &domain.CommissionEntry{
		ID:        uuid.NewString(),
		PaymentID: p.ID,
		Amount:    amount,
		Paid:      domain.Zero,
		Status:    domain.EntryPending,
		CreatedAt: l.now().UTC(),
	}
	created, err := tx.InsertCommissionEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	observability.CommissionRegistered.Inc()
	l.log.Info("commission registered",
		zap.String("payment_id", p.ID),
		zap.String("base", base.StringFixed(domain.MoneyScale)),
		zap.String("pct", settings.CommissionPct.String()),
		zap.String("amount", amount.StringFixed(domain.MoneyScale)))
	return e, nil
}

// RegisterCommission is RegisterTx in its own transaction.
func (l *Ledger) RegisterCommission(ctx context.Context, p domain.Payment) (*domain.CommissionEntry, error) {
	var e *domain.CommissionEntry
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		e, err = l.RegisterTx(ctx, tx, p)
		return err
	})
	return e, err
}

// ─── Debt ───────────────────────────────────────────────────────────────────

// GetDebt sums what is still owed on PENDING entries, plus FAILED_NSF
// entries when includeFailed is set.
func (l *Ledger) GetDebt(ctx context.Context, includeFailed bool) (decimal.Decimal, error) {
	cents, err := l.db.OutstandingCents(ctx, includeFailed)
	if err != nil {
		return domain.Zero, err
	}
	return domain.FromCents(cents), nil
}

// Entries lists entries in the given statuses, oldest first.
func (l *Ledger) Entries(ctx context.Context, statuses ...domain.EntryStatus) ([]*domain.CommissionEntry, error) {
	return l.db.ListCommissionEntries(ctx, statuses...)
}

// MarkFailedNSF flags every PENDING entry as unpaid for lack of funds.
func (l *Ledger) MarkFailedNSF(ctx context.Context, tx *store.Tx) (int64, error) {
	return tx.MarkPendingFailedNSF(ctx)
}

// ─── Distribution ───────────────────────────────────────────────────────────

// Distribute spreads amount over entries in the order given, updating the
// entries in place. A fully paid entry becomes PAID; a partially paid one
// goes back to PENDING. Whatever the entries cannot absorb is reported as
// Unapplied.
func Distribute(entries []*domain.CommissionEntry, amount decimal.Decimal, reference string, now time.Time) domain.Distribution {
	d := domain.Distribution{
		TransferReference: reference,
		Amount:            amount,
		Applied:           domain.Zero,
		Unapplied:         amount,
	}
	for _, e := range entries {
		if d.Unapplied.Sign() <= 0 {
			break
		}
		due := e.Outstanding()
		if due.Sign() <= 0 {
			continue
		}
		applied := domain.MinAmount(due, d.Unapplied)
		e.Paid = e.Paid.Add(applied)
		e.TransferReference = reference
		settled := !e.Paid.LessThan(e.Amount)
		if settled {
			paidAt := now.UTC()
			e.Status = domain.EntryPaid
			e.PaidAt = &paidAt
		} else {
			e.Status = domain.EntryPending
		}
		d.Applied = d.Applied.Add(applied)
		d.Unapplied = d.Unapplied.Sub(applied)
		d.Chunks = append(d.Chunks, domain.PayoutChunk{EntryID: e.ID, Applied: applied, Settled: settled})
	}
	return d
}

// DistributeTx locks the outstanding entries, distributes amount oldest
// first and persists every entry it touched.
func (l *Ledger) DistributeTx(ctx context.Context, tx *store.Tx, amount decimal.Decimal, reference string) (domain.Distribution, error) {
	if amount.Sign() <= 0 {
		return domain.Distribution{}, fmt.Errorf("%w: payout amount %s", domain.ErrInvalidAmount, amount)
	}
	entries, err := tx.LockOutstandingEntries(ctx)
	if err != nil {
		return domain.Distribution{}, err
	}
	d := Distribute(entries, amount, reference, l.now())

	byID := make(map[string]*domain.CommissionEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	for _, ch := range d.Chunks {
		e, ok := byID[ch.EntryID]
		if !ok {
			return d, errors.New("distribution references an unknown entry")
		}
		if err := tx.UpdateCommissionEntry(ctx, e); err != nil {
			return d, err
		}
	}
	if d.Unapplied.IsPositive() {
		l.log.Warn("payout exceeds outstanding commission",
			zap.String("reference", reference),
			zap.String("unapplied", d.Unapplied.StringFixed(domain.MoneyScale)))
	}
	return d, nil
}
