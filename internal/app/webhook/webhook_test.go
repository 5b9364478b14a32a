package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/app/commission"
	"github.com/slotbook/paycore/internal/app/credits"
	"github.com/slotbook/paycore/internal/app/executor"
	"github.com/slotbook/paycore/internal/app/payments"
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/store"
)

const testSecret = "test_events_secret"

var testNow = time.Unix(1767261600, 0)

func newTestVerifier() *Verifier {
	v := NewVerifier(testSecret, 0)
	v.now = func() time.Time { return testNow }
	return v
}

// delivery builds a signed transaction.updated body.
func delivery(t *testing.T, id, reference, status string, amount int64, ts time.Time) []byte {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	concat := id + status + strconv.FormatInt(amount, 10) + timestamp + testSecret
	sum := sha256.Sum256([]byte(concat))
	body := map[string]any{
		"event": EventTransactionUpdated,
		"data": map[string]any{
			"transaction": map[string]any{
				"id":              id,
				"reference":       reference,
				"status":          status,
				"amount_in_cents": amount,
				"status_message":  nil,
			},
		},
		"signature": map[string]any{
			"checksum":   hex.EncodeToString(sum[:]),
			"properties": []string{"transaction.id", "transaction.status", "transaction.amount_in_cents"},
		},
		"timestamp": ts.Unix(),
		"sent_at":   ts.UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

// ─── Verifier ───────────────────────────────────────────────────────────────

func TestVerify_RoundTrip(t *testing.T) {
	v := newTestVerifier()
	body := delivery(t, "1234-1610641025-49201", "ref-1", "APPROVED", 4490000, testNow)

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	require.NoError(t, v.Verify(body, env.Signature.Properties, env.Signature.Checksum, env.Timestamp.String()))

	require.NoError(t, v.Verify(body, env.Signature.Properties, toUpper(env.Signature.Checksum), env.Timestamp.String()),
		"checksum comparison is case-insensitive")
}

func toUpper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 32
		}
	}
	return string(out)
}

func TestVerify_FlippedChecksum(t *testing.T) {
	v := newTestVerifier()
	body := delivery(t, "txn-1", "ref-1", "APPROVED", 100, testNow)
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))

	flipped := []byte(env.Signature.Checksum)
	if flipped[0] == '0' {
		flipped[0] = '1'
	} else {
		flipped[0] = '0'
	}
	err := v.Verify(body, env.Signature.Properties, string(flipped), env.Timestamp.String())
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerify_Rejections(t *testing.T) {
	v := newTestVerifier()
	body := delivery(t, "txn-1", "ref-1", "APPROVED", 100, testNow)
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	props, sum, ts := env.Signature.Properties, env.Signature.Checksum, env.Timestamp.String()

	tests := []struct {
		name      string
		body      []byte
		props     []string
		checksum  string
		timestamp string
		want      error
	}{
		{"no data", []byte(`{"event":"x","timestamp":1}`), props, sum, ts, domain.ErrMalformedEvent},
		{"no timestamp", body, props, sum, "", domain.ErrMalformedEvent},
		{"no checksum", body, props, "", ts, domain.ErrSignatureInvalid},
		{"no properties", body, nil, sum, ts, domain.ErrSignatureInvalid},
		{"bad timestamp", body, props, sum, "yesterday", domain.ErrMalformedEvent},
		{"not json", []byte(`{`), props, sum, ts, domain.ErrMalformedEvent},
		{"other properties", body, []string{"transaction.reference"}, sum, ts, domain.ErrSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.body, tt.props, tt.checksum, tt.timestamp)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerify_ReplayWindow(t *testing.T) {
	v := newTestVerifier()
	for _, offset := range []time.Duration{-301 * time.Second, 301 * time.Second} {
		body := delivery(t, "txn-1", "ref-1", "APPROVED", 100, testNow.Add(offset))
		var env Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		err := v.Verify(body, env.Signature.Properties, env.Signature.Checksum, env.Timestamp.String())
		require.ErrorIs(t, err, domain.ErrReplayDetected, "offset %s", offset)
	}

	body := delivery(t, "txn-1", "ref-1", "APPROVED", 100, testNow.Add(-299*time.Second))
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	require.NoError(t, v.Verify(body, env.Signature.Properties, env.Signature.Checksum, env.Timestamp.String()))
}

func TestVerify_MissingSecret(t *testing.T) {
	v := NewVerifier("", 0)
	err := v.Verify([]byte(`{}`), []string{"a"}, "x", "1")
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRender(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{json.Number("12345678901234567890"), "12345678901234567890"},
		{true, "true"},
		{false, "false"},
		{float64(4490000), "4490000"},
	}
	for _, tt := range tests {
		if got := render(tt.in); got != tt.want {
			t.Errorf("render(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	data := map[string]any{"transaction": map[string]any{"id": "t1", "customer": map[string]any{"email": "a@b.c"}}}
	if got := lookup(data, "transaction.customer.email"); got != "a@b.c" {
		t.Errorf("lookup nested = %v", got)
	}
	if got := lookup(data, "transaction.missing"); got != nil {
		t.Errorf("lookup missing = %v, want nil", got)
	}
	if got := lookup(data, "transaction.id.deeper"); got != nil {
		t.Errorf("lookup through leaf = %v, want nil", got)
	}
}

// ─── Processor ──────────────────────────────────────────────────────────────

type countingFulfiller struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFulfiller) inc() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *countingFulfiller) FulfillPackage(context.Context, domain.Payment) error { return f.inc() }
func (f *countingFulfiller) FulfillSubscription(context.Context, domain.Payment) error {
	return f.inc()
}
func (f *countingFulfiller) ConfirmOrder(context.Context, string, domain.Payment) error {
	return f.inc()
}
func (f *countingFulfiller) RecomputeAppointmentBalance(context.Context, string, domain.Payment) error {
	return f.inc()
}

type processorFixture struct {
	db        *store.DB
	proc      *Processor
	fulfiller *countingFulfiller
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	db, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsurePayoutSettings(context.Background(), decimal.NewFromInt(10), decimal.NewFromInt(1000000)))

	log := zap.NewNop()
	f := &processorFixture{db: db, fulfiller: &countingFulfiller{}}
	ledger := payments.New(payments.DefaultConfig(), payments.Deps{
		DB:         db,
		Credits:    credits.New(db, credits.DefaultConfig(), log),
		Commission: commission.NewLedger(db, commission.LedgerConfig{}, log),
		Fulfiller:  f.fulfiller,
		Executor:   executor.New(executor.Config{Inline: true}, log),
		Log:        log,
	})
	f.proc = NewProcessor(newTestVerifier(), ledger, db, log)
	return f
}

func (f *processorFixture) payment(t *testing.T, amount string) *domain.Payment {
	t.Helper()
	p := &domain.Payment{
		ID:            uuid.NewString(),
		UserID:        "u1",
		Reference:     "ref-" + uuid.NewString(),
		Type:          domain.TypePackage,
		Status:        domain.StatusPending,
		Method:        domain.MethodCard,
		Amount:        decimal.RequireFromString(amount),
		CreditApplied: domain.Zero,
		Currency:      domain.DefaultCurrency,
	}
	require.NoError(t, f.db.InsertPayment(context.Background(), p))
	return p
}

func TestProcess_DuplicateDelivery(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	p := f.payment(t, "50000")
	body := delivery(t, "txn-1", p.Reference, "APPROVED", 5000000, testNow)

	outcome, err := f.proc.Process(ctx, body)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	outcome, err = f.proc.Process(ctx, body)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	require.Equal(t, 1, f.fulfiller.calls)
	entries, err := f.db.ListCommissionEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(5000)))
}

func TestProcess_PendingThenApproved(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	p := f.payment(t, "10")

	outcome, err := f.proc.Process(ctx, delivery(t, "txn-2", p.Reference, "PENDING", 1000, testNow))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	done, err := f.db.IdempotencyCompleted(ctx, "txn-2")
	require.NoError(t, err)
	require.False(t, done, "a pending update must not close the delivery key")

	outcome, err = f.proc.Process(ctx, delivery(t, "txn-2", p.Reference, "APPROVED", 1000, testNow))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	got, err := f.db.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, got.Status)
}

func TestProcess_UnknownPaymentIsAcknowledged(t *testing.T) {
	f := newProcessorFixture(t)
	outcome, err := f.proc.Process(context.Background(), delivery(t, "txn-x", "missing", "APPROVED", 100, testNow))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
}

func TestProcess_BadSignatureTouchesNothing(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	p := f.payment(t, "10")
	body := delivery(t, "txn-3", p.Reference, "APPROVED", 1000, testNow)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	raw["signature"].(map[string]any)["checksum"] = "deadbeef"
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = f.proc.Process(ctx, tampered)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
	require.True(t, IsRejection(err))

	got, err := f.db.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	done, err := f.db.IdempotencyCompleted(ctx, "txn-3")
	require.NoError(t, err)
	require.False(t, done)
}

func TestProcess_OtherEvents(t *testing.T) {
	f := newProcessorFixture(t)
	ts := strconv.FormatInt(testNow.Unix(), 10)
	for _, event := range []string{EventNequiTokenUpdated, EventTransferUpdated, "something.else"} {
		data := map[string]any{"id": "x-1", "status": "APPROVED"}
		body, err := json.Marshal(map[string]any{
			"event": event,
			"data":  data,
			"signature": map[string]any{
				"checksum":   Checksum(data, []string{"id", "status"}, ts, testSecret),
				"properties": []string{"id", "status"},
			},
			"timestamp": testNow.Unix(),
		})
		require.NoError(t, err)

		outcome, err := f.proc.Process(context.Background(), body)
		require.NoError(t, err)
		if event == "something.else" {
			require.Equal(t, OutcomeIgnored, outcome)
		} else {
			require.Equal(t, OutcomeAcknowledged, outcome)
		}
	}
}

func TestProcess_Malformed(t *testing.T) {
	f := newProcessorFixture(t)
	_, err := f.proc.Process(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
	require.True(t, IsRejection(err))
}
