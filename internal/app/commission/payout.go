package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/app/executor"
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/observability"
	"github.com/slotbook/paycore/internal/infra/provider"
	"github.com/slotbook/paycore/internal/infra/store"
)

// LockKey serializes distributions across the fleet.
const LockKey = "payout:distribution"

// Audit actions and notification codes.
const (
	ActionDefaultEntered  = "payout.default_entered"
	ActionDefaultExited   = "payout.default_exited"
	ActionManualPayout    = "payout.manual"
	ActionSettingsUpdated = "payout.settings_updated"
	EventDefaultEntered   = "payout.default_entered"
)

const (
	systemActor        = "system"
	automaticRefPrefix = "payout-"
	manualRefPrefix    = "manual-"
	outcomeSuccess     = "success"

	defaultLockTTL        = 2 * time.Minute
	defaultLockWait       = 200 * time.Millisecond
	defaultManualLockWait = 5 * time.Second
	maxCommissionPct      = 100
)

// Evaluate outcomes.
const (
	EvalNoDebt                   = "no_debt"
	EvalBelowThreshold           = "below_threshold"
	EvalLocked                   = "locked"
	EvalPaid                     = "paid"
	EvalDefaultBalanceError      = "default_balance_error"
	EvalDefaultInsufficientFunds = "default_insufficient_funds"
	EvalDefaultTransferFailed    = "default_transfer_failed"
)

// PayoutAPI is the provider's payout surface.
type PayoutAPI interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	Transfer(ctx context.Context, amount decimal.Decimal, reference string) (*provider.TransferResult, error)
}

// ControllerConfig controls the distributed lock used by payouts.
type ControllerConfig struct {
	LockTTL        time.Duration
	LockWait       time.Duration // Evaluate gives up quickly
	ManualLockWait time.Duration // operators wait for a running evaluation
}

// Deps are the collaborators of a Controller.
type Deps struct {
	DB       *store.DB
	Ledger   *Ledger
	Payouts  PayoutAPI
	Locker   domain.Locker
	Auditor  domain.Auditor
	Admins   domain.AdminDirectory
	Notifier domain.Notifier
	Executor *executor.Executor
	Log      *zap.Logger
}

// Controller is the PayoutController. It is the only writer of the payout
// settings row.
type Controller struct {
	db       *store.DB
	ledger   *Ledger
	payouts  PayoutAPI
	locker   domain.Locker
	auditor  domain.Auditor
	admins   domain.AdminDirectory
	notifier domain.Notifier
	exec     *executor.Executor
	cfg      ControllerConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewController creates a payout controller.
func NewController(cfg ControllerConfig, d Deps) *Controller {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.ManualLockWait <= 0 {
		cfg.ManualLockWait = defaultManualLockWait
	}
	return &Controller{
		db:       d.DB,
		ledger:   d.Ledger,
		payouts:  d.Payouts,
		locker:   d.Locker,
		auditor:  d.Auditor,
		admins:   d.Admins,
		notifier: d.Notifier,
		exec:     d.Executor,
		cfg:      cfg,
		log:      d.Log.Named("payout"),
		now:      time.Now,
	}
}

// EvaluateResult describes what an evaluation did.
type EvaluateResult struct {
	Action    string               `json:"action"`
	Debt      decimal.Decimal      `json:"debt"`
	Balance   decimal.Decimal      `json:"balance"`
	Paid      decimal.Decimal      `json:"paid"`
	Remaining decimal.Decimal      `json:"remaining"`
	InDefault bool                 `json:"in_default"`
	Payout    *domain.Distribution `json:"payout,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Automatic payout
// ═══════════════════════════════════════════════════════════════════════════

// Evaluate pays outstanding commission when it reaches the threshold, or
// whenever the account is in default. Lack of funds and provider failures put
// the account in default; they are reported in the result, not as errors.
func (c *Controller) Evaluate(ctx context.Context) (EvaluateResult, error) {
	var res EvaluateResult
	debt, err := c.ledger.GetDebt(ctx, true)
	if err != nil {
		return res, err
	}
	settings, err := c.db.GetPayoutSettings(ctx)
	if err != nil {
		return res, err
	}
	res.Debt, res.Remaining, res.InDefault = debt, debt, settings.InDefault
	observability.CommissionDebt.Set(debt.InexactFloat64())

	if debt.Sign() <= 0 {
		return c.noDebt(ctx, res)
	}
	if !settings.InDefault && debt.LessThan(settings.Threshold) {
		res.Action = EvalBelowThreshold
		return res, nil
	}

	lock, err := c.locker.Acquire(ctx, LockKey, c.cfg.LockTTL, c.cfg.LockWait)
	if errors.Is(err, domain.ErrLockNotAcquired) {
		c.log.Info("payout distribution already running")
		res.Action = EvalLocked
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("acquire %s: %w", LockKey, err)
	}
	defer c.release(lock)

	// Another instance may have paid while we waited for the lock.
	debt, err = c.ledger.GetDebt(ctx, true)
	if err != nil {
		return res, err
	}
	res.Debt, res.Remaining = debt, debt
	if debt.Sign() <= 0 {
		return c.noDebt(ctx, res)
	}

	balance, err := c.payouts.Balance(ctx)
	if err != nil {
		c.log.Warn("payout balance unavailable", zap.Error(err))
		observability.Payouts.WithLabelValues(string(domain.PayoutAutomatic), "balance_error").Inc()
		return c.defaulted(ctx, res, EvalDefaultBalanceError, "balance unavailable: "+err.Error())
	}
	res.Balance = balance

	amount := domain.RoundMoney(domain.MinAmount(debt, balance))
	if amount.Sign() <= 0 {
		observability.Payouts.WithLabelValues(string(domain.PayoutAutomatic), "insufficient_funds").Inc()
		return c.defaulted(ctx, res, EvalDefaultInsufficientFunds, domain.ErrInsufficientFunds.Error())
	}

	reference := automaticRefPrefix + uuid.NewString()
	transfer, err := c.payouts.Transfer(ctx, amount, reference)
	if err != nil {
		c.log.Warn("payout transfer failed",
			zap.String("reference", reference),
			zap.String("amount", amount.StringFixed(domain.MoneyScale)),
			zap.Error(err))
		observability.Payouts.WithLabelValues(string(domain.PayoutAutomatic), "transfer_failed").Inc()
		return c.defaulted(ctx, res, EvalDefaultTransferFailed, "transfer failed: "+err.Error())
	}

	d, remaining, inDefault, err := c.settle(ctx, amount, reference, domain.PayoutAutomatic, systemActor)
	if err != nil {
		// Money has moved; the ledger must be reconciled against the reference.
		c.log.Error("payout transferred but not recorded",
			zap.String("reference", reference),
			zap.String("transfer_id", transfer.ID),
			zap.String("amount", amount.StringFixed(domain.MoneyScale)),
			zap.Error(err))
		observability.Payouts.WithLabelValues(string(domain.PayoutAutomatic), "error").Inc()
		return res, err
	}
	observability.Payouts.WithLabelValues(string(domain.PayoutAutomatic), outcomeSuccess).Inc()
	observability.CommissionDebt.Set(remaining.InexactFloat64())
	c.log.Info("payout completed",
		zap.String("reference", reference),
		zap.String("transfer_id", transfer.ID),
		zap.String("amount", amount.StringFixed(domain.MoneyScale)),
		zap.String("remaining", remaining.StringFixed(domain.MoneyScale)),
		zap.Bool("in_default", inDefault))

	res.Action = EvalPaid
	res.Paid = d.Applied
	res.Remaining = remaining
	res.InDefault = inDefault
	res.Payout = &d
	return res, nil
}

func (c *Controller) release(lock domain.Lock) {
	// The caller's context may already be done; the lease must still go.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		c.log.Warn("release payout lock", zap.String("key", lock.Key()), zap.Error(err))
	}
}

func (c *Controller) noDebt(ctx context.Context, res EvaluateResult) (EvaluateResult, error) {
	res.Action = EvalNoDebt
	err := c.db.WithTx(ctx, func(tx *store.Tx) error {
		settings, err := tx.LockPayoutSettings(ctx)
		if err != nil {
			return err
		}
		return c.exitDefault(ctx, tx, settings, systemActor)
	})
	if err != nil {
		return res, err
	}
	res.InDefault = false
	return res, nil
}

func (c *Controller) defaulted(ctx context.Context, res EvaluateResult, action, reason string) (EvaluateResult, error) {
	res.Action = action
	err := c.db.WithTx(ctx, func(tx *store.Tx) error {
		settings, err := tx.LockPayoutSettings(ctx)
		if err != nil {
			return err
		}
		return c.enterDefault(ctx, tx, settings, res.Debt, reason)
	})
	if err != nil {
		return res, err
	}
	res.InDefault = true
	return res, nil
}

// settle applies a transferred amount to the ledger and recomputes the
// default state. Manual payouts never put the account into default.
func (c *Controller) settle(ctx context.Context, amount decimal.Decimal, reference string, source domain.PayoutSource, actor string) (d domain.Distribution, remaining decimal.Decimal, inDefault bool, err error) {
	err = c.db.WithTx(ctx, func(tx *store.Tx) error {
		d, err = c.ledger.DistributeTx(ctx, tx, amount, reference)
		if err != nil {
			return err
		}
		if err := tx.InsertPayout(ctx, &domain.PayoutRecord{
			ID:                uuid.NewString(),
			TransferReference: reference,
			Amount:            amount,
			Source:            source,
			Actor:             actor,
			CreatedAt:         c.now().UTC(),
		}); err != nil {
			return err
		}
		cents, err := tx.OutstandingCents(ctx, true)
		if err != nil {
			return err
		}
		remaining = domain.FromCents(cents)

		settings, err := tx.LockPayoutSettings(ctx)
		if err != nil {
			return err
		}
		switch {
		case remaining.Sign() <= 0:
			inDefault = false
			return c.exitDefault(ctx, tx, settings, actor)
		case source == domain.PayoutAutomatic:
			inDefault = true
			return c.enterDefault(ctx, tx, settings, remaining, domain.ErrInsufficientFunds.Error())
		case settings.InDefault:
			inDefault = true
			settings.DefaultDebt = remaining
			return tx.SavePayoutSettings(ctx, settings)
		default:
			inDefault = false
			return nil
		}
	})
	return d, remaining, inDefault, err
}

// ─── Default state ──────────────────────────────────────────────────────────

// enterDefault records debt as unpayable. Only the first entry is audited
// and announced; staying in default just refreshes the debt figure.
func (c *Controller) enterDefault(ctx context.Context, tx *store.Tx, s *domain.PayoutSettings, debt decimal.Decimal, reason string) error {
	if _, err := c.ledger.MarkFailedNSF(ctx, tx); err != nil {
		return err
	}
	wasInDefault := s.InDefault
	now := c.now().UTC()
	s.InDefault = true
	if s.DefaultSince == nil {
		s.DefaultSince = &now
	}
	s.DefaultDebt = debt
	if err := tx.SavePayoutSettings(ctx, s); err != nil {
		return err
	}
	if wasInDefault {
		return nil
	}

	since := *s.DefaultSince
	tx.AfterCommit(func() {
		observability.SetInDefault(true)
		c.log.Warn("payout default entered",
			zap.String("debt", debt.StringFixed(domain.MoneyScale)),
			zap.String("reason", reason))
		c.audit(ctx, systemActor, ActionDefaultEntered, map[string]any{
			"debt":   debt.StringFixed(domain.MoneyScale),
			"since":  since.Format(time.RFC3339),
			"reason": reason,
		})
		c.notifyAdmins(debt, since, reason)
	})
	return nil
}

// exitDefault clears the default state. It is a no-op when not in default.
func (c *Controller) exitDefault(ctx context.Context, tx *store.Tx, s *domain.PayoutSettings, actor string) error {
	if !s.InDefault {
		return nil
	}
	var since time.Time
	if s.DefaultSince != nil {
		since = *s.DefaultSince
	}
	previousDebt := s.DefaultDebt
	s.InDefault = false
	s.DefaultSince = nil
	s.DefaultDebt = domain.Zero
	if err := tx.SavePayoutSettings(ctx, s); err != nil {
		return err
	}
	exitedAt := c.now().UTC()
	tx.AfterCommit(func() {
		observability.SetInDefault(false)
		c.log.Info("payout default cleared", zap.String("actor", actor))
		c.audit(ctx, actor, ActionDefaultExited, map[string]any{
			"since":         since.Format(time.RFC3339),
			"exited_at":     exitedAt.Format(time.RFC3339),
			"previous_debt": previousDebt.StringFixed(domain.MoneyScale),
			"debt":          domain.Zero.StringFixed(domain.MoneyScale),
		})
	})
	return nil
}

func (c *Controller) audit(ctx context.Context, actor, action string, details map[string]any) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.RecordAudit(ctx, actor, action, details); err != nil {
		c.log.Error("audit failed", zap.String("action", action), zap.Error(err))
	}
}

func (c *Controller) notifyAdmins(debt decimal.Decimal, since time.Time, reason string) {
	if c.notifier == nil || c.admins == nil || c.exec == nil {
		return
	}
	data := map[string]string{
		"debt":   debt.StringFixed(domain.MoneyScale),
		"since":  since.Format(time.RFC3339),
		"reason": reason,
	}
	err := c.exec.Submit("payout.notify_default", func(ctx context.Context) error {
		admins, err := c.admins.SuperAdmins(ctx)
		if err != nil {
			return fmt.Errorf("resolve super admins: %w", err)
		}
		var errs []error
		for _, admin := range admins {
			if err := c.notifier.Notify(ctx, admin, EventDefaultEntered, data, domain.PriorityHigh); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", admin.ID, err))
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		c.log.Warn("default notification not scheduled", zap.Error(err))
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Operator actions
// ═══════════════════════════════════════════════════════════════════════════

// ManualPayout records a payout made outside the provider. It waits for any
// running distribution, applies amount oldest-first and clears the default
// state if nothing remains owed.
func (c *Controller) ManualPayout(ctx context.Context, actor string, amount decimal.Decimal, note string) (*domain.Distribution, error) {
	amount = domain.RoundMoney(amount)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: manual payout %s", domain.ErrInvalidAmount, amount)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: manual payout without actor", domain.ErrInvalidPayment)
	}

	lock, err := c.locker.Acquire(ctx, LockKey, c.cfg.LockTTL, c.cfg.ManualLockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", LockKey, err)
	}
	defer c.release(lock)

	reference := manualRefPrefix + uuid.NewString()
	d, remaining, inDefault, err := c.settle(ctx, amount, reference, domain.PayoutManual, actor)
	if err != nil {
		observability.Payouts.WithLabelValues(string(domain.PayoutManual), "error").Inc()
		return nil, err
	}
	observability.Payouts.WithLabelValues(string(domain.PayoutManual), outcomeSuccess).Inc()
	observability.CommissionDebt.Set(remaining.InexactFloat64())

	c.audit(ctx, actor, ActionManualPayout, map[string]any{
		"reference": reference,
		"amount":    amount.StringFixed(domain.MoneyScale),
		"applied":   d.Applied.StringFixed(domain.MoneyScale),
		"unapplied": d.Unapplied.StringFixed(domain.MoneyScale),
		"remaining": remaining.StringFixed(domain.MoneyScale),
		"note":      note,
	})
	c.log.Info("manual payout recorded",
		zap.String("actor", actor),
		zap.String("reference", reference),
		zap.String("amount", amount.StringFixed(domain.MoneyScale)),
		zap.Bool("in_default", inDefault))
	return &d, nil
}

// SettingsUpdate changes the commission percentage and/or threshold.
type SettingsUpdate struct {
	CommissionPct *decimal.Decimal `json:"commission_pct,omitempty"`
	Threshold     *decimal.Decimal `json:"threshold,omitempty"`
}

// UpdateSettings applies an operator change to the payout settings.
func (c *Controller) UpdateSettings(ctx context.Context, actor string, u SettingsUpdate) (*domain.PayoutSettings, error) {
	if u.CommissionPct != nil && (u.CommissionPct.IsNegative() || u.CommissionPct.GreaterThan(decimal.NewFromInt(maxCommissionPct))) {
		return nil, fmt.Errorf("%w: commission pct %s", domain.ErrInvalidAmount, u.CommissionPct)
	}
	if u.Threshold != nil && u.Threshold.IsNegative() {
		return nil, fmt.Errorf("%w: threshold %s", domain.ErrInvalidAmount, u.Threshold)
	}

	var out *domain.PayoutSettings
	err := c.db.WithTx(ctx, func(tx *store.Tx) error {
		s, err := tx.LockPayoutSettings(ctx)
		if err != nil {
			return err
		}
		details := map[string]any{}
		if u.CommissionPct != nil {
			details["commission_pct"] = map[string]string{"from": s.CommissionPct.String(), "to": u.CommissionPct.String()}
			s.CommissionPct = *u.CommissionPct
		}
		if u.Threshold != nil {
			t := domain.RoundMoney(*u.Threshold)
			details["threshold"] = map[string]string{"from": s.Threshold.StringFixed(domain.MoneyScale), "to": t.StringFixed(domain.MoneyScale)}
			s.Threshold = t
		}
		if err := tx.SavePayoutSettings(ctx, s); err != nil {
			return err
		}
		tx.AfterCommit(func() { c.audit(ctx, actor, ActionSettingsUpdated, details) })
		out = s
		return nil
	})
	return out, err
}

// Settings returns the current payout settings.
func (c *Controller) Settings(ctx context.Context) (*domain.PayoutSettings, error) {
	return c.db.GetPayoutSettings(ctx)
}

// Debt reports the outstanding commission and the default state.
type Debt struct {
	Pending  decimal.Decimal        `json:"pending"`
	Total    decimal.Decimal        `json:"total"`
	Settings *domain.PayoutSettings `json:"settings"`
	Payouts  []*domain.PayoutRecord `json:"recent_payouts"`
}

// Debt summarizes what is owed.
func (c *Controller) Debt(ctx context.Context, recent int) (*Debt, error) {
	pending, err := c.ledger.GetDebt(ctx, false)
	if err != nil {
		return nil, err
	}
	total, err := c.ledger.GetDebt(ctx, true)
	if err != nil {
		return nil, err
	}
	settings, err := c.db.GetPayoutSettings(ctx)
	if err != nil {
		return nil, err
	}
	payouts, err := c.db.ListPayouts(ctx, recent)
	if err != nil {
		return nil, err
	}
	return &Debt{Pending: pending, Total: total, Settings: settings, Payouts: payouts}, nil
}
