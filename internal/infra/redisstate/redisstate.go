// Package redisstate keeps the fleet-wide provider state in Redis: circuit
// breaker counters, the acceptance-token cache and owner-checked locks.
package redisstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/slotbook/paycore/internal/domain"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, default "paycore:"
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Store implements domain.BreakerStore, domain.TokenCache and domain.Locker.
type Store struct {
	rdb    redis.Cmdable
	prefix string
}

var (
	_ domain.BreakerStore = (*Store)(nil)
	_ domain.TokenCache   = (*Store)(nil)
	_ domain.Locker       = (*Store)(nil)
)

// New wraps a Redis client. An empty prefix defaults to "paycore:".
func New(rdb redis.Cmdable, prefix string) *Store {
	if prefix == "" {
		prefix = "paycore:"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// ─── Breaker Store ──────────────────────────────────────────────────────────

// recordFailure increments and trips in one round trip. open_until is kept
// as the caller's decimal string so no float conversion happens in Lua.
// KEYS[1] breaker hash; ARGV: maxFailures, openUntilMillis.
var recordFailure = redis.NewScript(`
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
local trips = tonumber(redis.call('HGET', KEYS[1], 'total_trips') or '0')
local openUntil = redis.call('HGET', KEYS[1], 'open_until') or '0'
local tripped = 0
if failures >= tonumber(ARGV[1]) then
  failures = 0
  trips = trips + 1
  openUntil = ARGV[2]
  tripped = 1
  redis.call('HSET', KEYS[1], 'failures', 0, 'total_trips', trips, 'open_until', openUntil)
end
return {failures, trips, tripped, openUntil}
`)

func (s *Store) breakerKey(name string) string {
	return s.prefix + "breaker:" + name
}

// LoadBreaker reads the breaker hash.
func (s *Store) LoadBreaker(ctx context.Context, name string) (domain.BreakerState, error) {
	vals, err := s.rdb.HMGet(ctx, s.breakerKey(name), "failures", "open_until", "total_trips").Result()
	if err != nil {
		return domain.BreakerState{}, fmt.Errorf("load breaker %s: %w", name, err)
	}
	failures := hashInt(vals[0])
	openUntil := hashInt(vals[1])
	trips := hashInt(vals[2])

	st := domain.BreakerState{Failures: int(failures), TotalTrips: int(trips)}
	if openUntil > 0 {
		st.OpenUntil = time.UnixMilli(openUntil)
	}
	return st, nil
}

// RecordSuccess resets the failure count.
func (s *Store) RecordSuccess(ctx context.Context, name string) error {
	if err := s.rdb.HSet(ctx, s.breakerKey(name), "failures", 0).Err(); err != nil {
		return fmt.Errorf("record breaker success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure count and trips at maxFailures.
func (s *Store) RecordFailure(ctx context.Context, name string, maxFailures int, cooldown time.Duration, now time.Time) (domain.BreakerState, bool, error) {
	openUntil := strconv.FormatInt(now.Add(cooldown).UnixMilli(), 10)
	res, err := recordFailure.Run(ctx, s.rdb, []string{s.breakerKey(name)}, maxFailures, openUntil).Slice()
	if err != nil {
		return domain.BreakerState{}, false, fmt.Errorf("record breaker failure: %w", err)
	}
	if len(res) != 4 {
		return domain.BreakerState{}, false, fmt.Errorf("record breaker failure: unexpected reply %v", res)
	}
	st := domain.BreakerState{Failures: int(replyInt(res[0])), TotalTrips: int(replyInt(res[1]))}
	if ms := replyInt(res[3]); ms > 0 {
		st.OpenUntil = time.UnixMilli(ms)
	}
	return st, replyInt(res[2]) == 1, nil
}

func hashInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// replyInt reads an integer that a script returned as a number or a string.
func replyInt(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return hashInt(v)
}

// ─── Token Cache ────────────────────────────────────────────────────────────

// GetToken returns a cached token.
func (s *Store) GetToken(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get token: %w", err)
	}
	return v, true, nil
}

// SetToken caches a token for ttl.
func (s *Store) SetToken(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

// ─── Locker ─────────────────────────────────────────────────────────────────

// pollInterval is how often a waiting Acquire retries SET NX.
const pollInterval = 50 * time.Millisecond

// releaseLock deletes the key only if it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Acquire takes key with SET NX PX, retrying until wait elapses.
func (s *Store) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (domain.Lock, error) {
	fullKey := s.prefix + "lock:" + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.rdb.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &redisLock{store: s, key: key, fullKey: fullKey, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, domain.ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type redisLock struct {
	store   *Store
	key     string
	fullKey string
	token   string
}

func (l *redisLock) Key() string { return l.key }

// Release deletes the lock if this owner still holds it.
func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseLock.Run(ctx, l.store.rdb, []string{l.fullKey}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return domain.ErrLockNotAcquired
	}
	return nil
}
