package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Developer Commission ───────────────────────────────────────────────────

// EntryStatus is the payout state of a commission ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryPaid      EntryStatus = "PAID"
	EntryFailedNSF EntryStatus = "FAILED_NSF"
)

// CommissionEntry is the revenue share owed for one approved payment.
// Invariant: Paid <= Amount.
type CommissionEntry struct {
	ID                string          `json:"id"`
	PaymentID         string          `json:"payment_id"`
	Amount            decimal.Decimal `json:"amount"`
	Paid              decimal.Decimal `json:"paid"`
	Status            EntryStatus     `json:"status"`
	TransferReference string          `json:"transfer_reference,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Outstanding returns what is still owed on the entry.
func (e *CommissionEntry) Outstanding() decimal.Decimal {
	due := e.Amount.Sub(e.Paid)
	if due.IsNegative() {
		return Zero
	}
	return due
}

// CommissionFor computes amount × pct / 100 rounded half-up to two decimals.
func CommissionFor(amount, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(pct).Div(decimal.NewFromInt(100)))
}

// PayoutChunk is the share of a payout applied to one entry.
type PayoutChunk struct {
	EntryID string          `json:"entry_id"`
	Applied decimal.Decimal `json:"applied"`
	Settled bool            `json:"settled"`
}

// Distribution is the result of spreading a payout over outstanding entries.
type Distribution struct {
	TransferReference string          `json:"transfer_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Applied           decimal.Decimal `json:"applied"`
	Unapplied         decimal.Decimal `json:"unapplied"`
	Chunks            []PayoutChunk   `json:"chunks"`
}

// ─── Payout Settings ────────────────────────────────────────────────────────

// PayoutSettings is a snapshot of the singleton payout configuration.
type PayoutSettings struct {
	CommissionPct decimal.Decimal `json:"commission_pct"`
	Threshold     decimal.Decimal `json:"threshold"`
	InDefault     bool            `json:"in_default"`
	DefaultSince  *time.Time      `json:"default_since,omitempty"`
	DefaultDebt   decimal.Decimal `json:"default_debt"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PayoutSource tells automatic transfers from operator-recorded ones.
type PayoutSource string

const (
	PayoutAutomatic PayoutSource = "AUTOMATIC"
	PayoutManual    PayoutSource = "MANUAL"
)

// PayoutRecord is an executed payout.
type PayoutRecord struct {
	ID                string          `json:"id"`
	TransferReference string          `json:"transfer_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Source            PayoutSource    `json:"source"`
	Actor             string          `json:"actor,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
