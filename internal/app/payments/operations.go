package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/provider"
	"github.com/slotbook/paycore/internal/infra/store"
)

// ─── Initiation ─────────────────────────────────────────────────────────────

// CardDetails charges a tokenized card.
type CardDetails struct {
	Token        string `json:"token"`
	Installments int    `json:"installments,omitempty"`
}

// WalletDetails charges a mobile wallet.
type WalletDetails struct {
	PhoneNumber string `json:"phone_number"`
}

// BankTransferDetails starts a PSE bank transfer.
type BankTransferDetails struct {
	UserType        int    `json:"user_type"`
	LegalIDType     string `json:"legal_id_type"`
	LegalID         string `json:"legal_id"`
	InstitutionCode string `json:"institution_code"`
	Description     string `json:"description,omitempty"`
}

// InitiateRequest describes a new payment.
type InitiateRequest struct {
	Reference     string               `json:"reference,omitempty"` // generated when empty
	User          domain.UserRef       `json:"user"`
	Type          domain.PaymentType   `json:"type"`
	Amount        decimal.Decimal      `json:"amount"`
	AppointmentID string               `json:"appointment_id,omitempty"`
	OrderID       string               `json:"order_id,omitempty"`
	UseCredit     bool                 `json:"use_credit"`
	Method        domain.PaymentMethod `json:"method,omitempty"`
	Card          *CardDetails         `json:"card,omitempty"`
	Wallet        *WalletDetails       `json:"wallet,omitempty"`
	BankTransfer  *BankTransferDetails `json:"bank_transfer,omitempty"`
	RedirectURL   string               `json:"redirect_url,omitempty"`
}

func (r *InitiateRequest) validate() error {
	if r.User.ID == "" {
		return fmt.Errorf("%w: missing user", domain.ErrInvalidPayment)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidPayment, r.Type)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", domain.ErrInvalidAmount, r.Amount)
	}
	switch r.Type {
	case domain.TypeAdvance, domain.TypeBalance:
		if r.AppointmentID == "" {
			return fmt.Errorf("%w: %s payment needs an appointment", domain.ErrInvalidPayment, r.Type)
		}
	case domain.TypeOrder:
		if r.OrderID == "" {
			return fmt.Errorf("%w: order payment needs an order", domain.ErrInvalidPayment)
		}
	}
	if r.Method == "" {
		if !r.UseCredit {
			return fmt.Errorf("%w: missing payment method", domain.ErrInvalidPayment)
		}
		return nil
	}
	return r.validateMethod()
}

func (r *InitiateRequest) validateMethod() error {
	switch r.Method {
	case domain.MethodCard:
		if r.Card == nil || r.Card.Token == "" {
			return fmt.Errorf("%w: card token required", domain.ErrInvalidPayment)
		}
	case domain.MethodWallet:
		if r.Wallet == nil || r.Wallet.PhoneNumber == "" {
			return fmt.Errorf("%w: wallet phone number required", domain.ErrInvalidPayment)
		}
	case domain.MethodBankTransfer:
		if r.BankTransfer == nil || r.BankTransfer.LegalID == "" || r.BankTransfer.InstitutionCode == "" {
			return fmt.Errorf("%w: bank transfer details required", domain.ErrInvalidPayment)
		}
	default:
		return fmt.Errorf("%w: unsupported method %q", domain.ErrInvalidPayment, r.Method)
	}
	return nil
}

// Initiate creates a PENDING payment, applies credit if requested and
// charges the rest through the provider. A payment fully covered by credit
// settles immediately as PAID_WITH_CREDIT. A provider failure moves the
// payment to ERROR, releases its credit and is returned with the result.
func (l *Ledger) Initiate(ctx context.Context, req InitiateRequest) (*Result, error) {
	req.Amount = domain.RoundMoney(req.Amount)
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Reference == "" {
		req.Reference = "pay-" + uuid.NewString()
	}

	now := l.now().UTC()
	p := &domain.Payment{
		ID:            uuid.NewString(),
		UserID:        req.User.ID,
		Reference:     req.Reference,
		Type:          req.Type,
		Status:        domain.StatusPending,
		Method:        req.Method,
		Amount:        req.Amount,
		CreditApplied: domain.Zero,
		Currency:      l.cfg.Currency,
		AppointmentID: req.AppointmentID,
		OrderID:       req.OrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if meta := methodMetadata(req); meta != nil {
		p.MethodMetadata = meta
	}

	var res *Result
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		res = &Result{Payment: p, Previous: domain.StatusPending}
		if !req.UseCredit {
			return nil
		}
		alloc, err := l.credits.AllocateForPayment(ctx, tx, p.ID, p.UserID, p.Amount)
		if err != nil {
			return err
		}
		p.CreditApplied = alloc.Applied
		if alloc.Remaining.Sign() <= 0 {
			p.Method = domain.MethodCredit
			res, err = l.transitionTx(ctx, tx, p, transition{status: domain.StatusPaidWithCredit})
			return err
		}
		if req.Method == "" {
			return fmt.Errorf("%w: credit covers %s of %s and no payment method was given",
				domain.ErrInvalidPayment, alloc.Applied, p.Amount)
		}
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("payment initiated",
		zap.String("payment_id", p.ID),
		zap.String("reference", p.Reference),
		zap.String("type", string(p.Type)),
		zap.String("amount", p.Amount.StringFixed(domain.MoneyScale)),
		zap.String("credit_applied", p.CreditApplied.StringFixed(domain.MoneyScale)))
	if p.Status.IsTerminal() {
		return res, nil
	}

	result, _, err := l.charge(ctx, p, req)
	if err != nil {
		l.log.Warn("provider charge failed", zap.String("payment_id", p.ID), zap.Error(err))
		var raw json.RawMessage
		if result != nil {
			raw = result.Raw
		}
		reason := err.Error()
		if len(raw) > 0 {
			reason = DeclineReason(raw)
		}
		failed, ferr := l.apply(ctx, p.ID, func(*domain.Payment) transition {
			return transition{status: domain.StatusError, raw: raw, reason: reason}
		})
		if ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return failed, err
	}

	txn := result.Transaction
	return l.apply(ctx, p.ID, func(*domain.Payment) transition {
		return transition{
			status:        domain.NormalizeProviderStatus(txn.Status),
			transactionID: txn.ID,
			raw:           result.Raw,
		}
	})
}

func (l *Ledger) charge(ctx context.Context, p *domain.Payment, req InitiateRequest) (*provider.TransactionResult, int, error) {
	ch := provider.Charge{
		Reference:     p.Reference,
		AmountInCents: p.ChargeCents(),
		Customer:      req.User,
		RedirectURL:   req.RedirectURL,
	}
	switch req.Method {
	case domain.MethodCard:
		return l.gateway.CreateCardTransaction(ctx, provider.CardCharge{
			Charge:       ch,
			Token:        req.Card.Token,
			Installments: req.Card.Installments,
		})
	case domain.MethodWallet:
		return l.gateway.CreateWalletTransaction(ctx, provider.WalletCharge{
			Charge:      ch,
			PhoneNumber: req.Wallet.PhoneNumber,
		})
	case domain.MethodBankTransfer:
		b := req.BankTransfer
		return l.gateway.CreateBankTransferTransaction(ctx, provider.BankTransferCharge{
			Charge:          ch,
			UserType:        b.UserType,
			LegalIDType:     b.LegalIDType,
			LegalID:         b.LegalID,
			InstitutionCode: b.InstitutionCode,
			Description:     b.Description,
		})
	}
	return nil, 0, fmt.Errorf("%w: unsupported method %q", domain.ErrInvalidPayment, req.Method)
}

// methodMetadata keeps the non-secret method details for support.
func methodMetadata(req InitiateRequest) json.RawMessage {
	meta := map[string]any{}
	switch {
	case req.Card != nil:
		meta["installments"] = req.Card.Installments
	case req.Wallet != nil:
		meta["phone_number"] = req.Wallet.PhoneNumber
	case req.BankTransfer != nil:
		meta["institution_code"] = req.BankTransfer.InstitutionCode
		meta["user_type"] = req.BankTransfer.UserType
	default:
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return raw
}

// ─── Provider polling ───────────────────────────────────────────────────────

// ConfirmManually fetches the provider's view of a payment and applies it.
// The provider is queried before any lock is taken.
func (l *Ledger) ConfirmManually(ctx context.Context, paymentID, actor string) (*Result, error) {
	p, err := l.db.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return &Result{Payment: p, Previous: p.Status}, nil
	}
	if p.TransactionID == "" {
		return nil, fmt.Errorf("%w: payment %s has no provider transaction", domain.ErrInvalidPayment, p.ID)
	}
	res, err := l.refresh(ctx, p)
	if err != nil {
		return nil, err
	}
	if l.auditor != nil {
		if aerr := l.auditor.RecordAudit(ctx, actor, "payment.manual_confirm", map[string]any{
			"payment_id": p.ID,
			"previous":   string(res.Previous),
			"status":     string(res.Payment.Status),
			"changed":    res.Changed,
		}); aerr != nil {
			l.log.Error("audit failed", zap.String("payment_id", p.ID), zap.Error(aerr))
		}
	}
	return res, nil
}

func (l *Ledger) refresh(ctx context.Context, p *domain.Payment) (*Result, error) {
	result, err := l.gateway.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		return nil, err
	}
	txn := result.Transaction
	var amount *int64
	if txn.AmountInCents > 0 {
		amount = &txn.AmountInCents
	}
	return l.apply(ctx, p.ID, func(locked *domain.Payment) transition {
		return l.decide(locked, txn.ID, txn.Status, amount, result.Raw)
	})
}

// PollSummary reports a polling pass.
type PollSummary struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// PollPending refreshes PENDING payments that have a provider transaction
// and have not been updated recently. It stops early while the provider
// circuit is open.
func (l *Ledger) PollPending(ctx context.Context) (PollSummary, error) {
	var sum PollSummary
	pending, err := l.db.ListPendingWithTransaction(ctx, l.now().Add(-l.cfg.PollAge), l.cfg.PollBatch)
	if err != nil {
		return sum, err
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Checked++
		res, err := l.refresh(ctx, p)
		if err != nil {
			sum.Failed++
			l.log.Warn("poll payment failed", zap.String("payment_id", p.ID), zap.Error(err))
			if errors.Is(err, domain.ErrCircuitOpen) {
				break
			}
			continue
		}
		if res.Changed {
			sum.Changed++
		}
	}
	if sum.Checked > 0 {
		l.log.Info("pending payments polled",
			zap.Int("checked", sum.Checked),
			zap.Int("changed", sum.Changed),
			zap.Int("failed", sum.Failed))
	}
	return sum, nil
}

// ─── Expiry & cancellation ──────────────────────────────────────────────────

// ExpireStale times out PENDING payments that never reached the provider
// within the grace window, and any PENDING payment past the timeout window.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	now := l.now()
	ids, err := l.db.ListStalePending(ctx, now.Add(-l.cfg.PendingGrace), now.Add(-l.cfg.PendingTimeout))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		res, err := l.apply(ctx, id, func(*domain.Payment) transition {
			return transition{status: domain.StatusTimeout, reason: "payment timed out"}
		})
		if err != nil {
			return expired, fmt.Errorf("expire payment %s: %w", id, err)
		}
		if res.Changed {
			expired++
		}
	}
	if expired > 0 {
		l.log.Info("stale payments expired", zap.Int("count", expired))
	}
	return expired, nil
}

// CancelBookingPayments cancels every PENDING payment of a booking in one
// transaction and releases their credit.
func (l *Ledger) CancelBookingPayments(ctx context.Context, appointmentID string) ([]*domain.Payment, error) {
	if appointmentID == "" {
		return nil, fmt.Errorf("%w: missing appointment", domain.ErrInvalidPayment)
	}
	var cancelled []*domain.Payment
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		pending, err := tx.LockPendingByAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		for _, p := range pending {
			res, err := l.transitionTx(ctx, tx, p, transition{status: domain.StatusCancelled, reason: "booking cancelled"})
			if err != nil {
				return err
			}
			if res.Changed {
				cancelled = append(cancelled, res.Payment)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(cancelled) > 0 {
		l.log.Info("booking payments cancelled",
			zap.String("appointment_id", appointmentID),
			zap.Int("count", len(cancelled)))
	}
	return cancelled, nil
}

// Get returns a payment by id.
func (l *Ledger) Get(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return l.db.GetPayment(ctx, paymentID)
}

// Counts returns the number of payments per status.
func (l *Ledger) Counts(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	return l.db.CountPaymentsByStatus(ctx)
}
