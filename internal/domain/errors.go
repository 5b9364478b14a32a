package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Provider errors
	ErrConfiguration       = errors.New("payment provider is not configured")
	ErrProviderUnavailable = errors.New("payment provider is unavailable")
	ErrCircuitOpen         = errors.New("payment provider circuit is open")
	ErrProviderRejected    = errors.New("payment provider rejected the request")
	ErrInvalidResponse     = errors.New("payment provider returned an invalid response")

	// Webhook errors
	ErrSignatureInvalid = errors.New("webhook signature is invalid")
	ErrReplayDetected   = errors.New("webhook timestamp outside the replay window")
	ErrMalformedEvent   = errors.New("webhook payload is malformed")

	// Ledger errors
	ErrAmountMismatch    = errors.New("reported amount does not match the payment")
	ErrInsufficientFunds = errors.New("insufficient funds for payout")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidPayment    = errors.New("invalid payment request")

	// Concurrency errors
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// ProviderError describes a failed call to the payment provider. It always
// unwraps to one of the provider sentinels so callers never see raw
// transport errors.
type ProviderError struct {
	Op       string // e.g. "POST /transactions"
	Status   int    // HTTP status, 0 when no response was received
	Attempts int
	Message  string // provider-supplied reason, if any
	Kind     error  // one of the provider sentinels
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// Transient reports whether a retry could succeed.
func (e *ProviderError) Transient() bool {
	return errors.Is(e.Kind, ErrProviderUnavailable)
}
