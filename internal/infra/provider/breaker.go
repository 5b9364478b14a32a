package provider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/observability"
)

// ─── Circuit Breaker ────────────────────────────────────────────────────────
// State lives in a domain.BreakerStore so every instance sees the same
// {failures, openUntil}. A store outage never blocks calls: the breaker fails
// open and logs.

// Breaker guards one downstream API.
type Breaker struct {
	name        string
	store       domain.BreakerStore
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// NewBreaker creates a breaker that opens for cooldown after maxFailures
// consecutive failures.
func NewBreaker(name string, store domain.BreakerStore, maxFailures int, cooldown time.Duration, log *zap.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		name:        name,
		store:       store,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		log:         log,
	}
}

// Name returns the breaker's key in the state store.
func (b *Breaker) Name() string { return b.name }

// Allow returns ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow(ctx context.Context) error {
	st, err := b.store.LoadBreaker(ctx, b.name)
	if err != nil {
		b.log.Warn("breaker state unavailable, allowing call",
			zap.String("breaker", b.name), zap.Error(err))
		return nil
	}
	open := st.Open(b.now())
	observability.SetBreakerOpen(b.name, open)
	if open {
		return domain.ErrCircuitOpen
	}
	return nil
}

// Success resets the failure count.
func (b *Breaker) Success(ctx context.Context) {
	if err := b.store.RecordSuccess(ctx, b.name); err != nil {
		b.log.Warn("record breaker success", zap.String("breaker", b.name), zap.Error(err))
	}
}

// Failure counts one failure and trips the breaker at the threshold.
func (b *Breaker) Failure(ctx context.Context) {
	st, tripped, err := b.store.RecordFailure(ctx, b.name, b.maxFailures, b.cooldown, b.now())
	if err != nil {
		b.log.Warn("record breaker failure", zap.String("breaker", b.name), zap.Error(err))
		return
	}
	if tripped {
		observability.CircuitBreakerTrips.WithLabelValues(b.name).Inc()
		observability.SetBreakerOpen(b.name, true)
		b.log.Error("circuit breaker opened",
			zap.String("breaker", b.name),
			zap.Time("open_until", st.OpenUntil),
			zap.Int("total_trips", st.TotalTrips))
	}
}
