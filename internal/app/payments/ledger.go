// Package payments owns the payment state machine.
//
// Every status change goes through one transition that runs with the payment
// row locked: it records the fulfillment task, registers commission and
// releases credit inside the same transaction, and publishes the fulfillment,
// notifications, cashback and payout evaluation once the transaction has
// committed. No network call is made while a row lock is held.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/app/commission"
	"github.com/slotbook/paycore/internal/app/credits"
	"github.com/slotbook/paycore/internal/app/executor"
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/observability"
	"github.com/slotbook/paycore/internal/infra/provider"
	"github.com/slotbook/paycore/internal/infra/store"
)

// Gateway is the part of the provider client the ledger drives.
type Gateway interface {
	CreateCardTransaction(ctx context.Context, ch provider.CardCharge) (*provider.TransactionResult, int, error)
	CreateWalletTransaction(ctx context.Context, ch provider.WalletCharge) (*provider.TransactionResult, int, error)
	CreateBankTransferTransaction(ctx context.Context, ch provider.BankTransferCharge) (*provider.TransactionResult, int, error)
	GetTransaction(ctx context.Context, transactionID string) (*provider.TransactionResult, error)
}

// PayoutEvaluator runs a payout evaluation.
type PayoutEvaluator interface {
	Evaluate(ctx context.Context) (commission.EvaluateResult, error)
}

// Config holds the ledger's time windows.
type Config struct {
	PendingGrace   time.Duration // PENDING without a transaction id times out after this
	PendingTimeout time.Duration // any PENDING payment times out after this
	PollAge        time.Duration // PENDING payments untouched this long are polled
	PollBatch      int
	RetryAge       time.Duration // unpublished fulfillments older than this are retried
	Currency       string
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		PendingGrace:   30 * time.Minute,
		PendingTimeout: 24 * time.Hour,
		PollAge:        2 * time.Minute,
		PollBatch:      50,
		RetryAge:       time.Minute,
		Currency:       domain.DefaultCurrency,
	}
}

// Deps are the collaborators of a Ledger. Payouts, Notifier and Auditor are
// optional.
type Deps struct {
	DB         *store.DB
	Credits    *credits.Allocator
	Commission *commission.Ledger
	Payouts    PayoutEvaluator
	Gateway    Gateway
	Fulfiller  domain.Fulfiller
	Notifier   domain.Notifier
	Auditor    domain.Auditor
	Executor   *executor.Executor
	Log        *zap.Logger
}

// Ledger is the PaymentLedger.
type Ledger struct {
	db         *store.DB
	credits    *credits.Allocator
	commission *commission.Ledger
	payouts    PayoutEvaluator
	gateway    Gateway
	fulfiller  domain.Fulfiller
	notifier   domain.Notifier
	auditor    domain.Auditor
	exec       *executor.Executor
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
}

// New creates a payment ledger.
func New(cfg Config, d Deps) *Ledger {
	def := DefaultConfig()
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = def.PendingGrace
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.PollAge <= 0 {
		cfg.PollAge = def.PollAge
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = def.PollBatch
	}
	if cfg.RetryAge <= 0 {
		cfg.RetryAge = def.RetryAge
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	return &Ledger{
		db:         d.DB,
		credits:    d.Credits,
		commission: d.Commission,
		payouts:    d.Payouts,
		gateway:    d.Gateway,
		fulfiller:  d.Fulfiller,
		notifier:   d.Notifier,
		auditor:    d.Auditor,
		exec:       d.Executor,
		cfg:        cfg,
		log:        d.Log.Named("payments"),
		now:        time.Now,
	}
}

// Result is the outcome of a status application.
type Result struct {
	Payment  *domain.Payment      `json:"payment"`
	Previous domain.PaymentStatus `json:"previous"`
	Changed  bool                 `json:"changed"`
}

// transition is a requested move out of PENDING.
type transition struct {
	status        domain.PaymentStatus
	transactionID string
	raw           json.RawMessage
	reason        string
}

// effects are the post-commit side effects of a transition.
type effects struct {
	fulfill  *domain.FulfillmentTask
	cashback bool
	evaluate bool
}

// ═══════════════════════════════════════════════════════════════════════════
// State machine
// ═══════════════════════════════════════════════════════════════════════════

// ApplyProviderStatus moves a payment according to a provider-reported
// status. Terminal payments are returned unchanged.
func (l *Ledger) ApplyProviderStatus(ctx context.Context, paymentID, providerStatus, transactionID string, raw json.RawMessage) (*Result, error) {
	return l.apply(ctx, paymentID, func(*domain.Payment) transition {
		return transition{
			status:        domain.NormalizeProviderStatus(providerStatus),
			transactionID: transactionID,
			raw:           raw,
		}
	})
}

// apply locks the payment, asks decide for the transition and runs it.
func (l *Ledger) apply(ctx context.Context, paymentID string, decide func(p *domain.Payment) transition) (*Result, error) {
	var res *Result
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		res, err = l.transitionTx(ctx, tx, p, decide(p))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// transitionTx runs t against the locked payment p.
func (l *Ledger) transitionTx(ctx context.Context, tx *store.Tx, p *domain.Payment, t transition) (*Result, error) {
	res := &Result{Payment: p, Previous: p.Status}
	if p.Status.IsTerminal() {
		return res, nil
	}

	if t.transactionID != "" {
		p.TransactionID = t.transactionID
	}
	if len(t.raw) > 0 {
		p.ProviderResponse = t.raw
	}
	if t.status == domain.StatusPending {
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return nil, err
		}
		return res, nil
	}

	p.Status = t.status
	p.FailureReason = t.reason
	var fx effects
	switch t.status {
	case domain.StatusApproved:
		task, err := l.enqueueFulfillment(ctx, tx, *p)
		if err != nil {
			return nil, err
		}
		fx.fulfill = task
		entry, err := l.commission.RegisterTx(ctx, tx, *p)
		if err != nil {
			return nil, err
		}
		fx.evaluate = entry != nil
		fx.cashback = true
	case domain.StatusPaidWithCredit:
		task, err := l.enqueueFulfillment(ctx, tx, *p)
		if err != nil {
			return nil, err
		}
		fx.fulfill = task
	case domain.StatusDeclined, domain.StatusError:
		if p.FailureReason == "" {
			p.FailureReason = DeclineReason(p.ProviderResponse)
		}
		if _, err := l.credits.ReleaseForPayment(ctx, tx, p.ID); err != nil {
			return nil, err
		}
	case domain.StatusTimeout, domain.StatusCancelled:
		if _, err := l.credits.ReleaseForPayment(ctx, tx, p.ID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot move payment to %s", domain.ErrInvalidPayment, t.status)
	}

	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	res.Changed = true

	snapshot := *p
	tx.AfterCommit(func() {
		observability.PaymentTransitions.WithLabelValues(string(snapshot.Type), string(snapshot.Status)).Inc()
		l.log.Info("payment transitioned",
			zap.String("payment_id", snapshot.ID),
			zap.String("reference", snapshot.Reference),
			zap.String("from", string(res.Previous)),
			zap.String("to", string(snapshot.Status)),
			zap.String("reason", snapshot.FailureReason))
		l.afterCommit(snapshot, fx)
	})
	return res, nil
}

// fulfillmentTask returns the single fulfillment a payment's type calls for,
// or nil for types that need none.
func fulfillmentTask(p domain.Payment, now time.Time) (*domain.FulfillmentTask, error) {
	switch p.Type {
	case domain.TypePackage:
		return domain.NewFulfillmentTask(domain.ActionFulfillPackage, p, "", now), nil
	case domain.TypeSubscription:
		return domain.NewFulfillmentTask(domain.ActionFulfillSubscription, p, "", now), nil
	case domain.TypeAdvance, domain.TypeBalance:
		if p.AppointmentID == "" {
			return nil, fmt.Errorf("%w: %s payment without appointment", domain.ErrInvalidPayment, p.Type)
		}
		return domain.NewFulfillmentTask(domain.ActionRecomputeBalance, p, p.AppointmentID, now), nil
	case domain.TypeOrder:
		if p.OrderID == "" {
			return nil, fmt.Errorf("%w: order payment without order", domain.ErrInvalidPayment)
		}
		return domain.NewFulfillmentTask(domain.ActionConfirmOrder, p, p.OrderID, now), nil
	case domain.TypeTip:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown payment type %q", domain.ErrInvalidPayment, p.Type)
}

// enqueueFulfillment writes the payment's fulfillment task inside tx. It
// returns nil when there is nothing new to publish.
func (l *Ledger) enqueueFulfillment(ctx context.Context, tx *store.Tx, p domain.Payment) (*domain.FulfillmentTask, error) {
	task, err := fulfillmentTask(p, l.now())
	if err != nil || task == nil {
		return nil, err
	}
	created, err := tx.EnqueueFulfillment(ctx, task)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return task, nil
}

// publish hands task to the fulfiller and records the outcome in the outbox.
func (l *Ledger) publish(ctx context.Context, task *domain.FulfillmentTask, p domain.Payment) error {
	var err error
	switch task.Action {
	case domain.ActionFulfillPackage:
		err = l.fulfiller.FulfillPackage(ctx, p)
	case domain.ActionFulfillSubscription:
		err = l.fulfiller.FulfillSubscription(ctx, p)
	case domain.ActionRecomputeBalance:
		err = l.fulfiller.RecomputeAppointmentBalance(ctx, task.Target, p)
	case domain.ActionConfirmOrder:
		err = l.fulfiller.ConfirmOrder(ctx, task.Target, p)
	default:
		err = fmt.Errorf("unknown fulfillment action %q", task.Action)
	}
	if err != nil {
		observability.FulfillmentPublishes.WithLabelValues(string(task.Action), "failed").Inc()
		if rerr := l.db.RecordFulfillmentFailure(ctx, task.ID, err.Error()); rerr != nil {
			l.log.Error("record fulfillment failure", zap.String("task", task.ID), zap.Error(rerr))
		}
		return fmt.Errorf("fulfill %s: %w", task.ID, err)
	}
	observability.FulfillmentPublishes.WithLabelValues(string(task.Action), "ok").Inc()
	return l.db.MarkFulfillmentDispatched(ctx, task.ID, l.now())
}

// DispatchSummary reports a pass over the fulfillment outbox.
type DispatchSummary struct {
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// DispatchFulfillments publishes outbox tasks that were not published after
// their transition committed, oldest first.
func (l *Ledger) DispatchFulfillments(ctx context.Context) (DispatchSummary, error) {
	var sum DispatchSummary
	tasks, err := l.db.ListPendingFulfillments(ctx, l.now().Add(-l.cfg.RetryAge), l.cfg.PollBatch)
	if err != nil {
		return sum, err
	}
	sum.Pending = len(tasks)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		p, err := l.db.GetPayment(ctx, task.PaymentID)
		if err != nil {
			sum.Failed++
			l.log.Error("fulfillment for missing payment", zap.String("task", task.ID), zap.Error(err))
			continue
		}
		if err := l.publish(ctx, task, *p); err != nil {
			sum.Failed++
			l.log.Warn("fulfillment retry failed",
				zap.String("task", task.ID),
				zap.Int("attempts", task.Attempts+1),
				zap.Error(err))
			continue
		}
		sum.Dispatched++
	}
	return sum, nil
}

// afterCommit schedules the best-effort side effects of a transition.
func (l *Ledger) afterCommit(p domain.Payment, fx effects) {
	if fx.fulfill != nil {
		task := fx.fulfill
		l.submit("payment.fulfill", func(ctx context.Context) error {
			return l.publish(ctx, task, p)
		})
	}
	l.submit("payment.notify", func(ctx context.Context) error {
		if l.notifier == nil {
			return nil
		}
		data := map[string]string{
			"payment_id": p.ID,
			"reference":  p.Reference,
			"type":       string(p.Type),
			"amount":     p.Amount.StringFixed(domain.MoneyScale),
			"status":     string(p.Status),
		}
		if p.FailureReason != "" {
			data["reason"] = p.FailureReason
		}
		return l.notifier.Notify(ctx, p.User(), EventCode(p.Status), data, domain.PriorityNormal)
	})
	if fx.cashback {
		l.submit("payment.cashback", func(ctx context.Context) error {
			_, err := l.credits.AccrueCashback(ctx, p)
			return err
		})
	}
	if fx.evaluate && l.payouts != nil {
		l.submit("payout.evaluate", func(ctx context.Context) error {
			_, err := l.payouts.Evaluate(ctx)
			return err
		})
	}
}

func (l *Ledger) submit(name string, task executor.Task) {
	if err := l.exec.Submit(name, task); err != nil {
		l.log.Warn("side effect dropped", zap.String("task", name), zap.Error(err))
	}
}

// EventCode is the notification code for a payment status.
func EventCode(s domain.PaymentStatus) string {
	return "payment." + strings.ToLower(string(s))
}

// ═══════════════════════════════════════════════════════════════════════════
// Webhook entry
// ═══════════════════════════════════════════════════════════════════════════

// TransactionEvent is a provider transaction update.
type TransactionEvent struct {
	ID            string
	Reference     string
	Status        string
	AmountInCents *int64 // nil when the provider did not report an amount
	Raw           json.RawMessage
}

// HandleTransactionEvent applies a provider transaction update. A reported
// amount that differs from the expected charge forces ERROR, as does an
// approval that reports no amount. Unknown payments return ErrPaymentNotFound.
func (l *Ledger) HandleTransactionEvent(ctx context.Context, ev TransactionEvent) (*Result, error) {
	p, err := l.locate(ctx, ev.Reference, ev.ID)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, p.ID, func(locked *domain.Payment) transition {
		return l.decide(locked, ev.ID, ev.Status, ev.AmountInCents, ev.Raw)
	})
}

func (l *Ledger) locate(ctx context.Context, reference, transactionID string) (*domain.Payment, error) {
	if reference != "" {
		p, err := l.db.FindPaymentByReference(ctx, reference)
		if err == nil || !errors.Is(err, domain.ErrPaymentNotFound) {
			return p, err
		}
	}
	if transactionID != "" {
		return l.db.FindPaymentByTransaction(ctx, transactionID)
	}
	return nil, domain.ErrPaymentNotFound
}

// decide maps a provider report onto a transition, checking the amount.
func (l *Ledger) decide(p *domain.Payment, transactionID, status string, amountInCents *int64, raw json.RawMessage) transition {
	t := transition{
		status:        domain.NormalizeProviderStatus(status),
		transactionID: transactionID,
		raw:           raw,
	}
	if p.Status.IsTerminal() {
		return t
	}
	if amountInCents == nil {
		if t.status == domain.StatusApproved {
			observability.AmountMismatches.Inc()
			l.log.Warn("approval without amount",
				zap.String("payment_id", p.ID),
				zap.Error(domain.ErrAmountMismatch))
			t.status = domain.StatusError
			t.reason = fmt.Sprintf("amount mismatch: expected %d got none", p.ChargeCents())
		}
		return t
	}
	if expected := p.ChargeCents(); *amountInCents != expected {
		observability.AmountMismatches.Inc()
		l.log.Warn("payment amount mismatch",
			zap.String("payment_id", p.ID),
			zap.Int64("expected", expected),
			zap.Int64("got", *amountInCents),
			zap.Error(domain.ErrAmountMismatch))
		t.status = domain.StatusError
		t.reason = fmt.Sprintf("amount mismatch: expected %d got %d", expected, *amountInCents)
	}
	return t
}
