// Package memstate provides in-process implementations of the shared provider
// state (breaker, token cache, lock). They are correct for a single instance
// and for tests; fleets use the Redis implementations instead.
package memstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Breaker Store ──────────────────────────────────────────────────────────

// Breakers is an in-memory domain.BreakerStore.
type Breakers struct {
	mu    sync.Mutex
	state map[string]domain.BreakerState
}

var _ domain.BreakerStore = (*Breakers)(nil)

// NewBreakers returns an empty breaker store.
func NewBreakers() *Breakers {
	return &Breakers{state: make(map[string]domain.BreakerState)}
}

// LoadBreaker returns the current state of the named breaker.
func (b *Breakers) LoadBreaker(_ context.Context, name string) (domain.BreakerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[name], nil
}

// RecordSuccess resets the failure count.
func (b *Breakers) RecordSuccess(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[name]
	st.Failures = 0
	b.state[name] = st
	return nil
}

// RecordFailure increments the failure count and trips at maxFailures.
func (b *Breakers) RecordFailure(_ context.Context, name string, maxFailures int, cooldown time.Duration, now time.Time) (domain.BreakerState, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[name]
	st.Failures++
	tripped := false
	if st.Failures >= maxFailures {
		tripped = true
		st.Failures = 0
		st.TotalTrips++
		st.OpenUntil = now.Add(cooldown)
	}
	b.state[name] = st
	return st, tripped, nil
}

// ─── Token Cache ────────────────────────────────────────────────────────────

type tokenEntry struct {
	value     string
	expiresAt time.Time
}

// Tokens is an in-memory domain.TokenCache.
type Tokens struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

var _ domain.TokenCache = (*Tokens)(nil)

// NewTokens returns an empty token cache.
func NewTokens() *Tokens {
	return &Tokens{entries: make(map[string]tokenEntry), now: time.Now}
}

// GetToken returns a cached value that has not expired.
func (c *Tokens) GetToken(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// SetToken caches value under key for ttl.
func (c *Tokens) SetToken(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tokenEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// ─── Locker ─────────────────────────────────────────────────────────────────

// pollInterval is how often a waiting Acquire retries.
const pollInterval = 10 * time.Millisecond

type lease struct {
	token     string
	expiresAt time.Time
}

// Locker is an in-memory domain.Locker with owner tokens and lease expiry.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

var _ domain.Locker = (*Locker)(nil)

// NewLocker returns a locker with no held keys.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]lease), now: time.Now}
}

// Acquire takes key for ttl, waiting up to wait for a current holder.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (domain.Lock, error) {
	token := uuid.NewString()
	deadline := l.now().Add(wait)
	for {
		if l.tryAcquire(key, token, ttl) {
			return &memLock{locker: l, key: key, token: token}, nil
		}
		if !l.now().Before(deadline) {
			return nil, domain.ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *Locker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return false
	}
	l.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return true
}

func (l *Locker) release(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
		return nil
	}
	return domain.ErrLockNotAcquired
}

type memLock struct {
	locker *Locker
	key    string
	token  string
}

func (m *memLock) Key() string { return m.key }

// Release frees the key if this lease still owns it.
func (m *memLock) Release(context.Context) error {
	return m.locker.release(m.key, m.token)
}
