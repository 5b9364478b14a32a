// Package credits consumes and grants client store credit.
//
// Allocation is FIFO: the oldest usable credit is drawn down first. Every
// write happens inside a store transaction that holds the user's eligible
// credit rows, so two bookings can never spend the same credit.
package credits

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

// Config controls grants made by the allocator itself.
type Config struct {
	CashbackPct          decimal.Decimal // percent of the charged amount; zero disables cashback
	CashbackValidityDays int
	DefaultValidityDays  int // used by Grant when no validity is given
}

// DefaultConfig returns the defaults: cashback disabled, one-year validity.
func DefaultConfig() Config {
	return Config{
		CashbackPct:          decimal.Zero,
		CashbackValidityDays: 90,
		DefaultValidityDays:  365,
	}
}

// Allocator is the CreditAllocator.
type Allocator struct {
	db  *store.DB
	cfg Config
	log *zap.Logger
	now func() time.Time
}

// New creates an allocator.
func New(db *store.DB, cfg Config, log *zap.Logger) *Allocator {
	return &Allocator{db: db, cfg: cfg, log: log.Named("credits"), now: time.Now}
}

func (a *Allocator) today() time.Time {
	y, m, d := a.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ─── Allocation ─────────────────────────────────────────────────────────────

// Allocate consumes the user's credit against amountDue inside tx.
// The user's usable credits stay locked until tx ends.
func (a *Allocator) Allocate(ctx context.Context, tx *store.Tx, userID string, amountDue decimal.Decimal) (domain.Allocation, error) {
	if amountDue.IsNegative() {
		return domain.Allocation{}, fmt.Errorf("%w: amount due %s", domain.ErrInvalidAmount, amountDue)
	}
	credits, err := tx.LockUsableCredits(ctx, userID, a.today())
	if err != nil {
		return domain.Allocation{}, err
	}

	alloc := consume(credits, domain.RoundMoney(amountDue))
	for _, c := range credits {
		if !touched(alloc, c.ID) {
			continue
		}
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return domain.Allocation{}, err
		}
	}
	return alloc, nil
}

// AllocateForPayment is Allocate plus one usage record per movement.
func (a *Allocator) AllocateForPayment(ctx context.Context, tx *store.Tx, paymentID, userID string, amountDue decimal.Decimal) (domain.Allocation, error) {
	alloc, err := a.Allocate(ctx, tx, userID, amountDue)
	if err != nil {
		return alloc, err
	}
	for _, m := range alloc.Movements {
		if err := tx.InsertCreditUsage(ctx, &domain.CreditUsage{
			ID:        uuid.NewString(),
			CreditID:  m.CreditID,
			PaymentID: paymentID,
			Amount:    m.Amount,
		}); err != nil {
			return alloc, err
		}
	}
	if alloc.Applied.IsPositive() {
		observability.CreditApplied.Add(float64(domain.ToCents(alloc.Applied)))
		a.log.Info("credit applied",
			zap.String("payment_id", paymentID),
			zap.String("user_id", userID),
			zap.String("applied", alloc.Applied.StringFixed(domain.MoneyScale)),
			zap.Int("movements", len(alloc.Movements)))
	}
	return alloc, nil
}

// Preview computes the allocation without locking or writing anything.
func (a *Allocator) Preview(ctx context.Context, userID string, amountDue decimal.Decimal) (domain.Allocation, error) {
	if amountDue.IsNegative() {
		return domain.Allocation{}, fmt.Errorf("%w: amount due %s", domain.ErrInvalidAmount, amountDue)
	}
	credits, err := a.db.ListUsableCredits(ctx, userID, a.today())
	if err != nil {
		return domain.Allocation{}, err
	}
	return consume(credits, domain.RoundMoney(amountDue)), nil
}

// consume draws due from credits in order and mutates them in place.
func consume(credits []*domain.ClientCredit, due decimal.Decimal) domain.Allocation {
	alloc := domain.Allocation{Remaining: due, Applied: domain.Zero}
	for _, c := range credits {
		if alloc.Remaining.Sign() <= 0 {
			break
		}
		taken := c.Take(alloc.Remaining)
		if taken.Sign() <= 0 {
			continue
		}
		alloc.Remaining = alloc.Remaining.Sub(taken)
		alloc.Applied = alloc.Applied.Add(taken)
		alloc.Movements = append(alloc.Movements, domain.CreditMovement{CreditID: c.ID, Amount: taken})
	}
	return alloc
}

func touched(alloc domain.Allocation, creditID string) bool {
	for _, m := range alloc.Movements {
		if m.CreditID == creditID {
			return true
		}
	}
	return false
}

// ─── Release ────────────────────────────────────────────────────────────────

// ReleaseForPayment returns every unreleased usage of a failed payment to
// its credit and reports the total returned.
func (a *Allocator) ReleaseForPayment(ctx context.Context, tx *store.Tx, paymentID string) (decimal.Decimal, error) {
	usages, err := tx.LockActiveUsages(ctx, paymentID)
	if err != nil {
		return domain.Zero, err
	}
	released := domain.Zero
	today := a.today()
	for _, u := range usages {
		c, err := tx.LockCredit(ctx, u.CreditID)
		if err != nil {
			return domain.Zero, err
		}
		c.Remaining = c.Remaining.Add(u.Amount)
		if c.Remaining.GreaterThan(c.Initial) {
			c.Remaining = c.Initial
		}
		c.Status = c.DeriveStatus(today)
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return domain.Zero, err
		}
		if err := tx.MarkUsageReleased(ctx, u.ID); err != nil {
			return domain.Zero, err
		}
		released = released.Add(u.Amount)
	}
	if released.IsPositive() {
		observability.CreditReleased.Add(float64(domain.ToCents(released)))
		a.log.Info("credit released",
			zap.String("payment_id", paymentID),
			zap.String("amount", released.StringFixed(domain.MoneyScale)))
	}
	return released, nil
}

// ─── Grants ─────────────────────────────────────────────────────────────────

// creditWriter is satisfied by both *store.DB and *store.Tx.
type creditWriter interface {
	InsertCredit(ctx context.Context, c *domain.ClientCredit) error
}

// Grant describes a new credit.
type Grant struct {
	UserID          string
	Amount          decimal.Decimal
	Source          domain.CreditSource
	OriginPaymentID string
	ValidityDays    int // zero uses the configured default
}

// Grant creates a credit through w (the database or an open transaction).
func (a *Allocator) Grant(ctx context.Context, w creditWriter, g Grant) (*domain.ClientCredit, error) {
	amount := domain.RoundMoney(g.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount %s", domain.ErrInvalidAmount, g.Amount)
	}
	if g.UserID == "" {
		return nil, fmt.Errorf("%w: credit without user", domain.ErrInvalidPayment)
	}
	days := g.ValidityDays
	if days <= 0 {
		days = a.cfg.DefaultValidityDays
	}
	c := &domain.ClientCredit{
		ID:              uuid.NewString(),
		UserID:          g.UserID,
		OriginPaymentID: g.OriginPaymentID,
		Source:          g.Source,
		Initial:         amount,
		Remaining:       amount,
		Status:          domain.CreditAvailable,
		ExpiresOn:       a.today().AddDate(0, 0, days),
		CreatedAt:       a.now().UTC(),
	}
	if err := w.InsertCredit(ctx, c); err != nil {
		return nil, err
	}
	a.log.Info("credit granted",
		zap.String("user_id", c.UserID),
		zap.String("source", string(c.Source)),
		zap.String("amount", amount.StringFixed(domain.MoneyScale)),
		zap.String("expires_on", c.ExpiresOn.Format(domain.DateLayout)))
	return c, nil
}

// AccrueCashback grants the configured cashback for an approved payment.
// It returns nil when cashback is disabled or was already granted.
func (a *Allocator) AccrueCashback(ctx context.Context, p domain.Payment) (*domain.ClientCredit, error) {
	if !a.cfg.CashbackPct.IsPositive() || p.Status != domain.StatusApproved {
		return nil, nil
	}
	amount := domain.CommissionFor(p.ChargeAmount(), a.cfg.CashbackPct)
	if !amount.IsPositive() {
		return nil, nil
	}

	var granted *domain.ClientCredit
	err := a.db.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.FindCreditByOrigin(ctx, p.ID, domain.CreditFromCashback)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrCreditNotFound) {
			return err
		}
		granted, err = a.Grant(ctx, tx, Grant{
			UserID:          p.UserID,
			Amount:          amount,
			Source:          domain.CreditFromCashback,
			OriginPaymentID: p.ID,
			ValidityDays:    a.cfg.CashbackValidityDays,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("accrue cashback for %s: %w", p.ID, err)
	}
	return granted, nil
}

// ─── Queries & Maintenance ──────────────────────────────────────────────────

// Balance is the sum of the user's usable credit today.
func (a *Allocator) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	credits, err := a.db.ListUsableCredits(ctx, userID, a.today())
	if err != nil {
		return domain.Zero, err
	}
	total := domain.Zero
	for _, c := range credits {
		total = total.Add(c.Remaining)
	}
	return total, nil
}

// ExpireCredits moves credits past their expiry to EXPIRED.
func (a *Allocator) ExpireCredits(ctx context.Context, today time.Time) (int64, error) {
	n, err := a.db.ExpireCredits(ctx, today)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.CreditsExpired.Add(float64(n))
		a.log.Info("credits expired", zap.Int64("count", n))
	}
	return n, nil
}
