package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Payment Status ─────────────────────────────────────────────────────────

// PaymentStatus is the lifecycle state of a payment.
// PENDING is the only non-terminal state.
type PaymentStatus string

const (
	StatusPending        PaymentStatus = "PENDING"
	StatusApproved       PaymentStatus = "APPROVED"
	StatusDeclined       PaymentStatus = "DECLINED"
	StatusError          PaymentStatus = "ERROR"
	StatusTimeout        PaymentStatus = "TIMEOUT"
	StatusPaidWithCredit PaymentStatus = "PAID_WITH_CREDIT"
	StatusCancelled      PaymentStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusError, StatusTimeout,
		StatusPaidWithCredit, StatusCancelled:
		return true
	}
	return false
}

// IsSettled reports whether the payment was paid (by cash or credit).
func (s PaymentStatus) IsSettled() bool {
	return s == StatusApproved || s == StatusPaidWithCredit
}

// NormalizeProviderStatus maps a provider-reported status onto the ledger's
// states. Unknown values map to ERROR.
func NormalizeProviderStatus(raw string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED":
		return StatusApproved
	case "DECLINED", "VOIDED":
		return StatusDeclined
	case "PENDING":
		return StatusPending
	default:
		return StatusError
	}
}

// ─── Payment Type & Method ──────────────────────────────────────────────────

// PaymentType is the business obligation a payment settles.
type PaymentType string

const (
	TypeAdvance      PaymentType = "ADVANCE"
	TypeBalance      PaymentType = "BALANCE"
	TypeSubscription PaymentType = "SUBSCRIPTION"
	TypePackage      PaymentType = "PACKAGE"
	TypeOrder        PaymentType = "ORDER"
	TypeTip          PaymentType = "TIP"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case TypeAdvance, TypeBalance, TypeSubscription, TypePackage, TypeOrder, TypeTip:
		return true
	}
	return false
}

// EarnsCommission reports whether approved payments of this type accrue
// developer commission. Tips belong to staff and never do.
func (t PaymentType) EarnsCommission() bool {
	return t.Valid() && t != TypeTip
}

// PaymentMethod is how the payer settles the amount.
type PaymentMethod string

const (
	MethodCard         PaymentMethod = "CARD"
	MethodWallet       PaymentMethod = "NEQUI"
	MethodBankTransfer PaymentMethod = "PSE"
	MethodCredit       PaymentMethod = "CREDIT"
)

// ─── Payment ────────────────────────────────────────────────────────────────

// Payment is one monetary obligation. It is created PENDING and only moves
// forward; terminal payments are never mutated again.
type Payment struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Reference        string          `json:"reference"`
	Type             PaymentType     `json:"type"`
	Status           PaymentStatus   `json:"status"`
	Method           PaymentMethod   `json:"method"`
	Amount           decimal.Decimal `json:"amount"`
	CreditApplied    decimal.Decimal `json:"credit_applied"`
	Currency         string          `json:"currency"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	AppointmentID    string          `json:"appointment_id,omitempty"`
	OrderID          string          `json:"order_id,omitempty"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	MethodMetadata   json.RawMessage `json:"method_metadata,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ChargeAmount is the part of the amount collected through the provider.
func (p *Payment) ChargeAmount() decimal.Decimal {
	charge := p.Amount.Sub(p.CreditApplied)
	if charge.IsNegative() {
		return Zero
	}
	return charge
}

// ChargeCents is ChargeAmount in minor units, the figure the provider reports.
func (p *Payment) ChargeCents() int64 {
	return ToCents(p.ChargeAmount())
}

// User returns the payment owner as a resolved reference.
func (p *Payment) User() UserRef {
	return UserRef{ID: p.UserID}
}

// UserRef identifies a user resolved once at the boundary. Contact fields are
// optional and only used by outbound calls that need them.
type UserRef struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ─── Fulfillment ────────────────────────────────────────────────────────────

// FulfillmentAction names what a settled payment asks the booking side to do.
type FulfillmentAction string

const (
	ActionFulfillPackage      FulfillmentAction = "package.fulfill"
	ActionFulfillSubscription FulfillmentAction = "subscription.fulfill"
	ActionConfirmOrder        FulfillmentAction = "order.confirm"
	ActionRecomputeBalance    FulfillmentAction = "appointment.recompute_balance"
)

// FulfillmentTask is a fulfillment recorded in the transaction that settled
// the payment and published after that transaction committed. ID is
// "<action>:<paymentID>", so a payment is fulfilled at most once per action
// and consumers can deduplicate redeliveries.
type FulfillmentTask struct {
	ID           string            `json:"id"`
	Action       FulfillmentAction `json:"action"`
	PaymentID    string            `json:"payment_id"`
	Target       string            `json:"target,omitempty"` // appointment or order id
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
}

// NewFulfillmentTask builds the task for action on p.
func NewFulfillmentTask(action FulfillmentAction, p Payment, target string, now time.Time) *FulfillmentTask {
	return &FulfillmentTask{
		ID:        string(action) + ":" + p.ID,
		Action:    action,
		PaymentID: p.ID,
		Target:    target,
		CreatedAt: now.UTC(),
	}
}
