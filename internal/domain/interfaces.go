package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces define boundaries between the payment core and the rest of
// the platform. Collaborators are injected at construction time.

// Fulfiller delivers what an approved payment bought. Each call must be
// idempotent: it is invoked once per approval but may be retried when a
// transition is rolled back and the webhook redelivered.
type Fulfiller interface {
	FulfillPackage(ctx context.Context, p Payment) error
	FulfillSubscription(ctx context.Context, p Payment) error
	ConfirmOrder(ctx context.Context, orderID string, p Payment) error
	RecomputeAppointmentBalance(ctx context.Context, appointmentID string, p Payment) error
}

// Priority orders notifications for delivery.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notifier is fire-and-forget from the core's viewpoint: errors are logged,
// never propagated into ledger state.
type Notifier interface {
	Notify(ctx context.Context, user UserRef, eventCode string, data map[string]string, priority Priority) error
}

// Auditor records privileged or financially relevant actions.
type Auditor interface {
	RecordAudit(ctx context.Context, actor, action string, details map[string]any) error
}

// AdminDirectory resolves the users alerted when payouts default.
type AdminDirectory interface {
	SuperAdmins(ctx context.Context) ([]UserRef, error)
}

// Locker hands out exclusive, owner-checked leases on a key.
// Acquire waits up to wait for the key and fails with ErrLockNotAcquired.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error)
}

// Lock is a held lease. Release only succeeds for the owner that acquired it.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// ─── Shared Provider State ──────────────────────────────────────────────────
// Breaker state and the acceptance-token cache protect a dependency shared by
// the whole fleet, so they live behind interfaces that Redis, SQL or process
// memory can implement.

// BreakerState is the persisted view of a circuit breaker.
type BreakerState struct {
	Failures   int       `json:"failures"`
	OpenUntil  time.Time `json:"open_until"`
	TotalTrips int       `json:"total_trips"`
}

// Open reports whether calls must fail fast at now.
func (s BreakerState) Open(now time.Time) bool {
	return now.Before(s.OpenUntil)
}

// BreakerStore holds breaker state. RecordFailure must increment and trip
// atomically: on reaching maxFailures it sets OpenUntil = now + cooldown,
// resets Failures and reports tripped = true.
type BreakerStore interface {
	LoadBreaker(ctx context.Context, name string) (BreakerState, error)
	RecordSuccess(ctx context.Context, name string) error
	RecordFailure(ctx context.Context, name string, maxFailures int, cooldown time.Duration, now time.Time) (state BreakerState, tripped bool, err error)
}

// TokenCache is a string cache with per-entry TTL.
type TokenCache interface {
	GetToken(ctx context.Context, key string) (value string, ok bool, err error)
	SetToken(ctx context.Context, key, value string, ttl time.Duration) error
}

// AdminList is an AdminDirectory backed by a fixed list.
type AdminList []UserRef

// SuperAdmins returns the configured administrators.
func (l AdminList) SuperAdmins(context.Context) ([]UserRef, error) {
	return l, nil
}
