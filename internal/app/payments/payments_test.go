package payments

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/provider"
	"github.com/slotbook/paycore/internal/infra/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cents(v int64) *int64 { return &v }

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fulfillment struct {
	action    string
	paymentID string
	target    string
}

type recordingFulfiller struct {
	mu    sync.Mutex
	calls []fulfillment
	err   error
}

func (f *recordingFulfiller) record(action, paymentID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, fulfillment{action, paymentID, target})
	return nil
}

func (f *recordingFulfiller) FulfillPackage(_ context.Context, p domain.Payment) error {
	return f.record("package", p.ID, "")
}

func (f *recordingFulfiller) FulfillSubscription(_ context.Context, p domain.Payment) error {
	return f.record("subscription", p.ID, "")
}

func (f *recordingFulfiller) ConfirmOrder(_ context.Context, orderID string, p domain.Payment) error {
	return f.record("order", p.ID, orderID)
}

func (f *recordingFulfiller) RecomputeAppointmentBalance(_ context.Context, appointmentID string, p domain.Payment) error {
	return f.record("appointment", p.ID, appointmentID)
}

func (f *recordingFulfiller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu    sync.Mutex
	codes []string
	data  []map[string]string
}

func (n *recordingNotifier) Notify(_ context.Context, _ domain.UserRef, code string, data map[string]string, _ domain.Priority) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, code)
	n.data = append(n.data, data)
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	status    string
	txnAmount int64
	charges   []provider.Charge
	gets      int
	getErr    error
}

func (g *fakeGateway) create(ch provider.Charge) (*provider.TransactionResult, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, ch)
	if g.createErr != nil {
		raw := json.RawMessage(`{"error":{"type":"INPUT_VALIDATION_ERROR","messages":{"token":["invalid token"]}}}`)
		return &provider.TransactionResult{Raw: raw}, 422, g.createErr
	}
	status := g.status
	if status == "" {
		status = "PENDING"
	}
	txn := provider.Transaction{ID: "txn-" + ch.Reference, Status: status, Reference: ch.Reference, AmountInCents: ch.AmountInCents}
	raw, _ := json.Marshal(map[string]any{"data": txn})
	return &provider.TransactionResult{Transaction: txn, Raw: raw}, 201, nil
}

func (g *fakeGateway) CreateCardTransaction(_ context.Context, ch provider.CardCharge) (*provider.TransactionResult, int, error) {
	return g.create(ch.Charge)
}

func (g *fakeGateway) CreateWalletTransaction(_ context.Context, ch provider.WalletCharge) (*provider.TransactionResult, int, error) {
	return g.create(ch.Charge)
}

func (g *fakeGateway) CreateBankTransferTransaction(_ context.Context, ch provider.BankTransferCharge) (*provider.TransactionResult, int, error) {
	return g.create(ch.Charge)
}

func (g *fakeGateway) GetTransaction(_ context.Context, id string) (*provider.TransactionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	if g.getErr != nil {
		return nil, g.getErr
	}
	txn := provider.Transaction{ID: id, Status: g.status, AmountInCents: g.txnAmount}
	raw, _ := json.Marshal(map[string]any{"data": txn})
	return &provider.TransactionResult{Transaction: txn, Raw: raw}, nil
}

type countingEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (e *countingEvaluator) Evaluate(context.Context) (commission.EvaluateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return commission.EvaluateResult{Action: commission.EvalBelowThreshold}, nil
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	db        *store.DB
	ledger    *Ledger
	credits   *credits.Allocator
	gateway   *fakeGateway
	fulfiller *recordingFulfiller
	notifier  *recordingNotifier
	payouts   *countingEvaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsurePayoutSettings(context.Background(), dec("10"), dec("500000")))

	log := zap.NewNop()
	cfg := credits.DefaultConfig()
	cfg.CashbackPct = dec("2")
	f := &fixture{
		db:        db,
		credits:   credits.New(db, cfg, log),
		gateway:   &fakeGateway{},
		fulfiller: &recordingFulfiller{},
		notifier:  &recordingNotifier{},
		payouts:   &countingEvaluator{},
	}
	f.ledger = New(DefaultConfig(), Deps{
		DB:         db,
		Credits:    f.credits,
		Commission: commission.NewLedger(db, commission.LedgerConfig{}, log),
		Payouts:    f.payouts,
		Gateway:    f.gateway,
		Fulfiller:  f.fulfiller,
		Notifier:   f.notifier,
		Auditor:    db,
		Executor:   executor.New(executor.Config{Inline: true}, log),
		Log:        log,
	})
	return f
}

func (f *fixture) pending(t *testing.T, typ domain.PaymentType, amount string) *domain.Payment {
	t.Helper()
	p := &domain.Payment{
		ID:            uuid.NewString(),
		UserID:        "u1",
		Reference:     "ref-" + uuid.NewString(),
		Type:          typ,
		Status:        domain.StatusPending,
		Method:        domain.MethodCard,
		Amount:        dec(amount),
		CreditApplied: domain.Zero,
		Currency:      domain.DefaultCurrency,
		AppointmentID: "appt-1",
		OrderID:       "order-1",
	}
	require.NoError(t, f.db.InsertPayment(context.Background(), p))
	return p
}

func (f *fixture) get(t *testing.T, id string) *domain.Payment {
	t.Helper()
	p, err := f.db.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) hasCommission(t *testing.T, paymentID string) bool {
	t.Helper()
	_, err := f.db.GetCommissionByPayment(context.Background(), paymentID)
	if errors.Is(err, store.ErrEntryNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

// ─── Webhook transitions ────────────────────────────────────────────────────

func TestHandleTransactionEvent_Approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypePackage, "50000")

	res, err := f.ledger.HandleTransactionEvent(ctx, TransactionEvent{
		ID: "txn-1", Reference: p.Reference, Status: "APPROVED", AmountInCents: cents(5000000),
		Raw: json.RawMessage(`{"id":"txn-1","status":"APPROVED"}`),
	})
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, domain.StatusPending, res.Previous)

	got := f.get(t, p.ID)
	require.Equal(t, domain.StatusApproved, got.Status)
	require.Equal(t, "txn-1", got.TransactionID)

	entry, err := f.db.GetCommissionByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, entry.Amount.Equal(dec("5000")), "commission = %s", entry.Amount)

	require.Equal(t, []fulfillment{{"package", p.ID, ""}}, f.fulfiller.calls)
	require.Equal(t, []string{"payment.approved"}, f.notifier.codes)
	require.Equal(t, 1, f.payouts.calls)

	cashback, err := f.db.FindCreditByOrigin(ctx, p.ID, domain.CreditFromCashback)
	require.NoError(t, err)
	require.True(t, cashback.Initial.Equal(dec("1000")))
}

func TestHandleTransactionEvent_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	p := f.pending(t, domain.TypePackage, "50000")

	res, err := f.ledger.HandleTransactionEvent(context.Background(), TransactionEvent{
		ID: "txn-1", Reference: p.Reference, Status: "APPROVED", AmountInCents: cents(1),
	})
	require.NoError(t, err)
	require.True(t, res.Changed)

	got := f.get(t, p.ID)
	require.Equal(t, domain.StatusError, got.Status)
	require.Equal(t, "amount mismatch: expected 5000000 got 1", got.FailureReason)
	require.False(t, f.hasCommission(t, p.ID))
	require.Zero(t, f.fulfiller.count())
}

func TestHandleTransactionEvent_ApprovalWithoutAmount(t *testing.T) {
	f := newFixture(t)
	p := f.pending(t, domain.TypePackage, "50")

	res, err := f.ledger.HandleTransactionEvent(context.Background(), TransactionEvent{
		ID: "txn-1", Reference: p.Reference, Status: "APPROVED",
	})
	require.NoError(t, err)
	require.True(t, res.Changed)

	got := f.get(t, p.ID)
	require.Equal(t, domain.StatusError, got.Status)
	require.Equal(t, "amount mismatch: expected 5000 got none", got.FailureReason)
	require.False(t, f.hasCommission(t, p.ID))
	require.Zero(t, f.fulfiller.count())
}

func TestHandleTransactionEvent_DeclineWithoutAmount(t *testing.T) {
	f := newFixture(t)
	p := f.pending(t, domain.TypePackage, "50")

	_, err := f.ledger.HandleTransactionEvent(context.Background(), TransactionEvent{Reference: p.Reference, Status: "DECLINED"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeclined, f.get(t, p.ID).Status)
}

func TestHandleTransactionEvent_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypePackage, "300")
	ev := TransactionEvent{ID: "txn-c", Reference: p.Reference, Status: "APPROVED", AmountInCents: cents(30000)}

	const deliveries = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
		errs    []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ledger.HandleTransactionEvent(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Changed {
				changed++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, changed, "exactly one delivery moves the payment")
	require.Equal(t, 1, f.fulfiller.count())
	entries, err := f.db.ListCommissionEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.StatusApproved, f.get(t, p.ID).Status)
}

func TestHandleTransactionEvent_Redelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypeOrder, "120.00")
	ev := TransactionEvent{ID: "txn-9", Reference: p.Reference, Status: "APPROVED", AmountInCents: cents(12000)}

	first, err := f.ledger.HandleTransactionEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, first.Changed)

	second, err := f.ledger.HandleTransactionEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, second.Changed)
	require.Equal(t, domain.StatusApproved, second.Payment.Status)

	require.Equal(t, 1, f.fulfiller.count())
	entries, err := f.db.ListCommissionEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []fulfillment{{"order", p.ID, "order-1"}}, f.fulfiller.calls)
}

func TestHandleTransactionEvent_TerminalIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypeAdvance, "80")

	_, err := f.ledger.HandleTransactionEvent(ctx, TransactionEvent{Reference: p.Reference, Status: "DECLINED"})
	require.NoError(t, err)
	res, err := f.ledger.HandleTransactionEvent(ctx, TransactionEvent{Reference: p.Reference, Status: "APPROVED", AmountInCents: cents(8000)})
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Equal(t, domain.StatusDeclined, f.get(t, p.ID).Status)
	require.Zero(t, f.fulfiller.count())
}

func TestHandleTransactionEvent_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.HandleTransactionEvent(context.Background(), TransactionEvent{Reference: "nope", ID: "nope"})
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestHandleTransactionEvent_FallsBackToTransactionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypeTip, "10")
	_, err := f.ledger.ApplyProviderStatus(ctx, p.ID, "PENDING", "txn-tip", nil)
	require.NoError(t, err)

	res, err := f.ledger.HandleTransactionEvent(ctx, TransactionEvent{ID: "txn-tip", Reference: "other", Status: "APPROVED", AmountInCents: cents(1000)})
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Zero(t, f.fulfiller.count(), "tips are not fulfilled")
	require.False(t, f.hasCommission(t, p.ID), "tips earn no commission")
}

func TestApplyProviderStatus_Pending(t *testing.T) {
	f := newFixture(t)
	p := f.pending(t, domain.TypePackage, "10")

	res, err := f.ledger.ApplyProviderStatus(context.Background(), p.ID, "pending", "txn-5", json.RawMessage(`{"status":"PENDING"}`))
	require.NoError(t, err)
	require.False(t, res.Changed)
	got := f.get(t, p.ID)
	require.Equal(t, domain.StatusPending, got.Status)
	require.Equal(t, "txn-5", got.TransactionID)
	require.JSONEq(t, `{"status":"PENDING"}`, string(got.ProviderResponse))
	require.Empty(t, f.notifier.codes)
}

func TestApplyProviderStatus_Normalization(t *testing.T) {
	tests := []struct {
		in   string
		want domain.PaymentStatus
	}{
		{"APPROVED", domain.StatusApproved},
		{"approved", domain.StatusApproved},
		{"DECLINED", domain.StatusDeclined},
		{"VOIDED", domain.StatusDeclined},
		{"SOMETHING", domain.StatusError},
		{"", domain.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f := newFixture(t)
			p := f.pending(t, domain.TypeSubscription, "10")
			res, err := f.ledger.ApplyProviderStatus(context.Background(), p.ID, tt.in, "", nil)
			require.NoError(t, err)
			require.Equal(t, tt.want, res.Payment.Status)
		})
	}
}

func TestApplyProviderStatus_FulfillmentFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypePackage, "10")
	f.fulfiller.err = errors.New("broker down")

	res, err := f.ledger.ApplyProviderStatus(ctx, p.ID, "APPROVED", "txn-1", nil)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, domain.StatusApproved, f.get(t, p.ID).Status)
	require.True(t, f.hasCommission(t, p.ID))

	taskID := string(domain.ActionFulfillPackage) + ":" + p.ID
	task, err := f.db.GetFulfillment(ctx, taskID)
	require.NoError(t, err)
	require.Nil(t, task.DispatchedAt)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, "broker down", task.LastError)

	// Too recent for a retry pass.
	sum, err := f.ledger.DispatchFulfillments(ctx)
	require.NoError(t, err)
	require.Equal(t, DispatchSummary{}, sum)

	f.fulfiller.err = nil
	f.ledger.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	sum, err = f.ledger.DispatchFulfillments(ctx)
	require.NoError(t, err)
	require.Equal(t, DispatchSummary{Pending: 1, Dispatched: 1}, sum)
	require.Equal(t, []fulfillment{{"package", p.ID, ""}}, f.fulfiller.calls)

	task, err = f.db.GetFulfillment(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task.DispatchedAt)
	require.Equal(t, 2, task.Attempts)
	require.Empty(t, task.LastError)

	sum, err = f.ledger.DispatchFulfillments(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Pending)
	require.Equal(t, 1, f.fulfiller.count())
}

func TestApplyProviderStatus_InvalidFulfillmentRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &domain.Payment{
		ID: uuid.NewString(), UserID: "u1", Reference: "ref-" + uuid.NewString(),
		Type: domain.TypeAdvance, Status: domain.StatusPending, Method: domain.MethodCard,
		Amount: dec("10"), CreditApplied: domain.Zero, Currency: domain.DefaultCurrency,
	}
	require.NoError(t, f.db.InsertPayment(ctx, p))

	_, err := f.ledger.ApplyProviderStatus(ctx, p.ID, "APPROVED", "txn-1", nil)
	require.ErrorIs(t, err, domain.ErrInvalidPayment)
	require.Equal(t, domain.StatusPending, f.get(t, p.ID).Status)
	require.False(t, f.hasCommission(t, p.ID))
	_, err = f.db.GetFulfillment(ctx, string(domain.ActionRecomputeBalance)+":"+p.ID)
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

// gatedFulfiller blocks every call until release is closed.
type gatedFulfiller struct {
	recordingFulfiller
	started chan struct{}
	release chan struct{}
}

func (g *gatedFulfiller) FulfillPackage(ctx context.Context, p domain.Payment) error {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.recordingFulfiller.FulfillPackage(ctx, p)
}

func TestApprove_PublishesOutsideTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := executor.New(executor.DefaultConfig(), zap.NewNop())
	gate := &gatedFulfiller{started: make(chan struct{}, 1), release: make(chan struct{})}
	f.ledger.exec = exec
	f.ledger.fulfiller = gate
	p := f.pending(t, domain.TypePackage, "10")
	other := f.pending(t, domain.TypePackage, "20")

	res, err := f.ledger.HandleTransactionEvent(ctx, TransactionEvent{
		ID: "txn-1", Reference: p.Reference, Status: "APPROVED", AmountInCents: cents(1000),
	})
	require.NoError(t, err)
	require.True(t, res.Changed)

	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fulfillment was never published")
	}

	// The publisher is blocked; the database must stay fully usable.
	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := f.db.GetPayment(readCtx, other.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	_, err = f.ledger.ApplyProviderStatus(readCtx, other.ID, "DECLINED", "txn-2", nil)
	require.NoError(t, err)

	pending, err := f.db.ListPendingFulfillments(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, p.ID, pending[0].PaymentID)

	close(gate.release)
	exec.Wait()
	require.Equal(t, 1, gate.count())
	pending, err = f.db.ListPendingFulfillments(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestApplyProviderStatus_DeclineReleasesCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, f.db, credits.Grant{UserID: "u1", Amount: dec("30"), Source: domain.CreditFromRefund})
	require.NoError(t, err)

	res, err := f.ledger.Initiate(ctx, InitiateRequest{
		User: domain.UserRef{ID: "u1", Email: "u1@example.com"}, Type: domain.TypePackage,
		Amount: dec("100"), UseCredit: true, Method: domain.MethodCard, Card: &CardDetails{Token: "tok"},
	})
	require.NoError(t, err)
	require.True(t, res.Payment.CreditApplied.Equal(dec("30")))
	require.Equal(t, int64(7000), f.gateway.charges[0].AmountInCents)

	balance, _ := f.credits.Balance(ctx, "u1")
	require.True(t, balance.IsZero())

	_, err = f.ledger.HandleTransactionEvent(ctx, TransactionEvent{
		Reference: res.Payment.Reference, Status: "DECLINED", AmountInCents: cents(7000),
		Raw: json.RawMessage(`{"status":"DECLINED","status_message":"Fondos insuficientes"}`),
	})
	require.NoError(t, err)

	got := f.get(t, res.Payment.ID)
	require.Equal(t, domain.StatusDeclined, got.Status)
	require.Equal(t, "Fondos insuficientes", got.FailureReason)
	balance, _ = f.credits.Balance(ctx, "u1")
	require.True(t, balance.Equal(dec("30")), "balance = %s", balance)
	require.Contains(t, f.notifier.codes, "payment.declined")
}

// ─── Initiation ─────────────────────────────────────────────────────────────

func TestInitiate_CardPending(t *testing.T) {
	f := newFixture(t)
	res, err := f.ledger.Initiate(context.Background(), InitiateRequest{
		Reference: "booking-42", User: domain.UserRef{ID: "u1"}, Type: domain.TypeAdvance,
		AppointmentID: "appt-42", Amount: dec("45.50"), Method: domain.MethodCard,
		Card: &CardDetails{Token: "tok_test", Installments: 2},
	})
	require.NoError(t, err)
	require.False(t, res.Changed)
	got := f.get(t, res.Payment.ID)
	require.Equal(t, domain.StatusPending, got.Status)
	require.Equal(t, "txn-booking-42", got.TransactionID)
	require.Equal(t, int64(4550), f.gateway.charges[0].AmountInCents)
	require.JSONEq(t, `{"installments":2}`, string(got.MethodMetadata))
}

func TestInitiate_SynchronousApproval(t *testing.T) {
	f := newFixture(t)
	f.gateway.status = "APPROVED"
	res, err := f.ledger.Initiate(context.Background(), InitiateRequest{
		User: domain.UserRef{ID: "u1"}, Type: domain.TypeSubscription, Amount: dec("20"),
		Method: domain.MethodWallet, Wallet: &WalletDetails{PhoneNumber: "3991111111"},
	})
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, domain.StatusApproved, res.Payment.Status)
	require.Equal(t, []fulfillment{{"subscription", res.Payment.ID, ""}}, f.fulfiller.calls)
}

func TestInitiate_FullyCoveredByCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, f.db, credits.Grant{UserID: "u1", Amount: dec("100"), Source: domain.CreditFromManual})
	require.NoError(t, err)

	res, err := f.ledger.Initiate(ctx, InitiateRequest{
		User: domain.UserRef{ID: "u1"}, Type: domain.TypeOrder, OrderID: "o-7", Amount: dec("60"), UseCredit: true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaidWithCredit, res.Payment.Status)
	require.Equal(t, domain.MethodCredit, res.Payment.Method)
	require.Empty(t, f.gateway.charges)
	require.Equal(t, []fulfillment{{"order", res.Payment.ID, "o-7"}}, f.fulfiller.calls)
	require.False(t, f.hasCommission(t, res.Payment.ID))
	require.Equal(t, []string{"payment.paid_with_credit"}, f.notifier.codes)

	balance, _ := f.credits.Balance(ctx, "u1")
	require.True(t, balance.Equal(dec("40")))
}

func TestInitiate_CreditWithoutMethodRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, f.db, credits.Grant{UserID: "u1", Amount: dec("10"), Source: domain.CreditFromManual})
	require.NoError(t, err)

	_, err = f.ledger.Initiate(ctx, InitiateRequest{
		Reference: "r-1", User: domain.UserRef{ID: "u1"}, Type: domain.TypePackage, Amount: dec("60"), UseCredit: true,
	})
	require.ErrorIs(t, err, domain.ErrInvalidPayment)
	_, err = f.db.FindPaymentByReference(ctx, "r-1")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
	balance, _ := f.credits.Balance(ctx, "u1")
	require.True(t, balance.Equal(dec("10")))
}

func TestInitiate_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, f.db, credits.Grant{UserID: "u1", Amount: dec("5"), Source: domain.CreditFromManual})
	require.NoError(t, err)
	f.gateway.createErr = &domain.ProviderError{Op: "POST /transactions", Status: 422, Kind: domain.ErrProviderRejected}

	res, err := f.ledger.Initiate(ctx, InitiateRequest{
		User: domain.UserRef{ID: "u1"}, Type: domain.TypePackage, Amount: dec("50"),
		UseCredit: true, Method: domain.MethodCard, Card: &CardDetails{Token: "bad"},
	})
	require.ErrorIs(t, err, domain.ErrProviderRejected)
	require.NotNil(t, res)
	require.Equal(t, domain.StatusError, res.Payment.Status)
	require.Equal(t, "token: invalid token", res.Payment.FailureReason)

	balance, _ := f.credits.Balance(ctx, "u1")
	require.True(t, balance.Equal(dec("5")))
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	base := InitiateRequest{User: domain.UserRef{ID: "u1"}, Type: domain.TypePackage, Amount: dec("10"),
		Method: domain.MethodCard, Card: &CardDetails{Token: "t"}}
	tests := []struct {
		name   string
		mutate func(r *InitiateRequest)
		want   error
	}{
		{"no user", func(r *InitiateRequest) { r.User.ID = "" }, domain.ErrInvalidPayment},
		{"bad type", func(r *InitiateRequest) { r.Type = "GIFT" }, domain.ErrInvalidPayment},
		{"zero amount", func(r *InitiateRequest) { r.Amount = decimal.Zero }, domain.ErrInvalidAmount},
		{"advance without appointment", func(r *InitiateRequest) { r.Type = domain.TypeAdvance }, domain.ErrInvalidPayment},
		{"card without token", func(r *InitiateRequest) { r.Card = nil }, domain.ErrInvalidPayment},
		{"no method", func(r *InitiateRequest) { r.Method = "" }, domain.ErrInvalidPayment},
		{"pse without details", func(r *InitiateRequest) { r.Method = domain.MethodBankTransfer }, domain.ErrInvalidPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.ledger.Initiate(context.Background(), req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Empty(t, f.gateway.charges)
}

// ─── Polling, expiry, cancellation ──────────────────────────────────────────

func TestConfirmManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, domain.TypePackage, "25")

	_, err := f.ledger.ConfirmManually(ctx, p.ID, "ops")
	require.ErrorIs(t, err, domain.ErrInvalidPayment)

	_, err = f.ledger.ApplyProviderStatus(ctx, p.ID, "PENDING", "txn-25", nil)
	require.NoError(t, err)
	f.gateway.status, f.gateway.txnAmount = "APPROVED", 2500

	res, err := f.ledger.ConfirmManually(ctx, p.ID, "ops")
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, domain.StatusApproved, res.Payment.Status)

	audits, err := f.db.ListAudit(ctx, "payment.manual_confirm", 5)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.Equal(t, "ops", audits[0].Actor)
}

func TestPollPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, domain.TypePackage, "10")
	b := f.pending(t, domain.TypePackage, "10")
	f.pending(t, domain.TypePackage, "10") // no transaction yet
	for _, p := range []*domain.Payment{a, b} {
		_, err := f.ledger.ApplyProviderStatus(ctx, p.ID, "PENDING", "txn-"+p.ID, nil)
		require.NoError(t, err)
	}
	f.gateway.status = "DECLINED"
	f.ledger.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	sum, err := f.ledger.PollPending(ctx)
	require.NoError(t, err)
	require.Equal(t, PollSummary{Checked: 2, Changed: 2}, sum)
	require.Equal(t, domain.StatusDeclined, f.get(t, a.ID).Status)
}

func TestPollPending_StopsWhenCircuitOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := f.pending(t, domain.TypePackage, "10")
		_, err := f.ledger.ApplyProviderStatus(ctx, p.ID, "PENDING", "txn-"+p.ID, nil)
		require.NoError(t, err)
	}
	f.gateway.getErr = &domain.ProviderError{Op: "GET /transactions", Kind: domain.ErrCircuitOpen}
	f.ledger.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	sum, err := f.ledger.PollPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, f.gateway.gets)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	noTxn := f.pending(t, domain.TypePackage, "10")
	withTxn := f.pending(t, domain.TypePackage, "10")
	_, err := f.ledger.ApplyProviderStatus(ctx, withTxn.ID, "PENDING", "txn-x", nil)
	require.NoError(t, err)

	f.ledger.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	n, err := f.ledger.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, domain.StatusTimeout, f.get(t, noTxn.ID).Status)
	require.Equal(t, domain.StatusPending, f.get(t, withTxn.ID).Status)

	f.ledger.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err = f.ledger.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, domain.StatusTimeout, f.get(t, withTxn.ID).Status)
}

func TestCancelBookingPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, domain.TypeAdvance, "10")
	b := f.pending(t, domain.TypeBalance, "20")
	done := f.pending(t, domain.TypeAdvance, "30")
	_, err := f.ledger.ApplyProviderStatus(ctx, done.ID, "APPROVED", "", nil)
	require.NoError(t, err)

	cancelled, err := f.ledger.CancelBookingPayments(ctx, "appt-1")
	require.NoError(t, err)
	require.Len(t, cancelled, 2)
	for _, p := range []*domain.Payment{a, b} {
		got := f.get(t, p.ID)
		require.Equal(t, domain.StatusCancelled, got.Status)
		require.Equal(t, "booking cancelled", got.FailureReason)
	}
	require.Equal(t, domain.StatusApproved, f.get(t, done.ID).Status)
}

// ─── Reasons ────────────────────────────────────────────────────────────────

func TestDeclineReason(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"status message", `{"status_message":"Tarjeta rechazada","reason":"x"}`, "Tarjeta rechazada"},
		{"reason", `{"reason":"expired card"}`, "expired card"},
		{"error reason", `{"error":{"reason":"blocked"}}`, "blocked"},
		{"error messages map", `{"error":{"messages":{"b":["two"],"a":["one","uno"]}}}`, "a: one; uno; b: two"},
		{"nested data", `{"data":{"status_message":"Saldo insuficiente"}}`, "Saldo insuficiente"},
		{"webhook transaction", `{"data":{"transaction":{"status_message":"Rechazada"}}}`, "Rechazada"},
		{"message", `{"message":"try later"}`, "try later"},
		{"nothing usable", `{"status":"DECLINED"}`, GenericDeclineReason},
		{"not json", `oops`, GenericDeclineReason},
		{"empty", ``, GenericDeclineReason},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeclineReason(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("DeclineReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventCode(t *testing.T) {
	if got := EventCode(domain.StatusPaidWithCredit); got != "payment.paid_with_credit" {
		t.Errorf("EventCode() = %q", got)
	}
}
