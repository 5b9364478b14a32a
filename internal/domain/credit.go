package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Store Credit ───────────────────────────────────────────────────────────
// Store credit is granted by refunds, cashback and manual adjustments and is
// consumed oldest-first against amounts owed.

// CreditStatus is derived from the remaining amount and the expiry date.
type CreditStatus string

const (
	CreditAvailable     CreditStatus = "AVAILABLE"
	CreditPartiallyUsed CreditStatus = "PARTIALLY_USED"
	CreditUsed          CreditStatus = "USED"
	CreditExpired       CreditStatus = "EXPIRED"
)

// CreditSource is the business reason a credit was granted.
type CreditSource string

const (
	CreditFromRefund   CreditSource = "REFUND"
	CreditFromCashback CreditSource = "CASHBACK"
	CreditFromManual   CreditSource = "MANUAL"
)

// DateLayout is the persisted form of calendar dates (credit expiry).
const DateLayout = time.DateOnly

// ClientCredit is a single store-credit grant.
// Invariant: 0 <= Remaining <= Initial.
type ClientCredit struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	OriginPaymentID string          `json:"origin_payment_id,omitempty"`
	Source          CreditSource    `json:"source"`
	Initial         decimal.Decimal `json:"initial"`
	Remaining       decimal.Decimal `json:"remaining"`
	Status          CreditStatus    `json:"status"`
	ExpiresOn       time.Time       `json:"expires_on"`
	CreatedAt       time.Time       `json:"created_at"`
}

// UsableOn reports whether the credit can be consumed on the given day.
func (c *ClientCredit) UsableOn(day time.Time) bool {
	if c.Status != CreditAvailable && c.Status != CreditPartiallyUsed {
		return false
	}
	return !c.ExpiresOn.Before(truncateDay(day))
}

// DeriveStatus recomputes the status from the remaining amount and expiry.
func (c *ClientCredit) DeriveStatus(today time.Time) CreditStatus {
	switch {
	case c.Remaining.Sign() <= 0:
		return CreditUsed
	case c.ExpiresOn.Before(truncateDay(today)):
		return CreditExpired
	case c.Remaining.Equal(c.Initial):
		return CreditAvailable
	default:
		return CreditPartiallyUsed
	}
}

// Take consumes up to due from the credit and returns the amount taken.
// The status is set to USED when nothing remains, PARTIALLY_USED otherwise.
func (c *ClientCredit) Take(due decimal.Decimal) decimal.Decimal {
	if due.Sign() <= 0 || c.Remaining.Sign() <= 0 {
		return Zero
	}
	taken := MinAmount(due, c.Remaining)
	c.Remaining = c.Remaining.Sub(taken)
	if c.Remaining.Sign() == 0 {
		c.Status = CreditUsed
	} else {
		c.Status = CreditPartiallyUsed
	}
	return taken
}

// CreditMovement records how much was taken from one credit.
type CreditMovement struct {
	CreditID string          `json:"credit_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// Allocation is the outcome of consuming credit against an amount due.
// Invariant: Applied + Remaining == amount due == sum(Movements) + Remaining.
type Allocation struct {
	Remaining decimal.Decimal  `json:"remaining"`
	Applied   decimal.Decimal  `json:"applied"`
	Movements []CreditMovement `json:"movements"`
}

// CreditUsage is the persisted, traceable form of a movement.
type CreditUsage struct {
	ID        string          `json:"id"`
	CreditID  string          `json:"credit_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Released  bool            `json:"released"`
	CreatedAt time.Time       `json:"created_at"`
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
