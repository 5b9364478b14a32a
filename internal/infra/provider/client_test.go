package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/memstate"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.PublicKey = "pub_test"
	cfg.PrivateKey = "prv_test"
	cfg.PayoutBaseURL = baseURL + "/payouts"
	cfg.PayoutAccount = "acct-1"
	cfg.PayoutAPIKey = "payout_key"
	return cfg
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	noSleep := WithSleep(func(context.Context, time.Duration) error { return nil })
	return New(cfg, memstate.NewBreakers(), memstate.NewTokens(), zap.NewNop(), append([]Option{noSleep}, opts...)...)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// ─── CreateTransaction ──────────────────────────────────────────────────────

func TestCreateTransaction_Success(t *testing.T) {
	var got TransactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transactions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer prv_test" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"data":{"id":"txn-1","status":"PENDING","reference":"ref-1","amount_in_cents":5000000}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	res, status, err := c.CreateTransaction(context.Background(), TransactionRequest{
		AmountInCents: 5000000,
		Reference:     "ref-1",
		CustomerEmail: "a@example.com",
		PaymentMethod: MethodDetails{Type: MethodTypeCard, Token: "tok", Installments: 1},
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error: %v", err)
	}
	if status != http.StatusCreated {
		t.Errorf("status = %d, want 201", status)
	}
	if res.Transaction.ID != "txn-1" || res.Transaction.Status != "PENDING" {
		t.Errorf("transaction = %+v", res.Transaction)
	}
	if got.Currency != "COP" {
		t.Errorf("currency = %q, want COP", got.Currency)
	}
	if len(res.Raw) == 0 {
		t.Error("raw response not kept")
	}
}

func TestCreateTransaction_RejectionKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":{"type":"INPUT_VALIDATION_ERROR","reason":"invalid card token"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	res, status, err := c.CreateTransaction(context.Background(), TransactionRequest{Reference: "r", AmountInCents: 100})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("error = %v, want ErrProviderRejected", err)
	}
	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", status)
	}
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Message != "invalid card token" {
		t.Errorf("ProviderError = %+v", pe)
	}
	if res == nil || len(res.Raw) == 0 {
		t.Error("raw rejection body not returned")
	}
}

func TestCreateTransaction_NotRetried(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})}
	c := newTestClient(t, testConfig("http://provider.test"), WithHTTPClient(hc))

	_, _, err := c.CreateTransaction(context.Background(), TransactionRequest{Reference: "r", AmountInCents: 100})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestCreateTransaction_InvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>oops</html>`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	_, _, err := c.CreateTransaction(context.Background(), TransactionRequest{Reference: "r", AmountInCents: 100})
	if !errors.Is(err, domain.ErrInvalidResponse) {
		t.Errorf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestMissingConfiguration(t *testing.T) {
	c := newTestClient(t, DefaultConfig())
	ctx := context.Background()

	if _, _, err := c.CreateTransaction(ctx, TransactionRequest{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("CreateTransaction() error = %v, want ErrConfiguration", err)
	}
	if _, err := c.AcceptanceToken(ctx); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("AcceptanceToken() error = %v, want ErrConfiguration", err)
	}
	if _, err := c.Balance(ctx); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Balance() error = %v, want ErrConfiguration", err)
	}
}

// ─── Circuit Breaker ────────────────────────────────────────────────────────

func TestBreaker_OpensAfterFiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	now := time.Now()
	c := newTestClient(t, testConfig(srv.URL), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	req := TransactionRequest{Reference: "r", AmountInCents: 100}

	for i := 0; i < 5; i++ {
		if _, _, err := c.CreateTransaction(ctx, req); !errors.Is(err, domain.ErrProviderUnavailable) {
			t.Fatalf("call %d error = %v, want ErrProviderUnavailable", i+1, err)
		}
	}
	if _, _, err := c.CreateTransaction(ctx, req); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("sixth call error = %v, want ErrCircuitOpen", err)
	}
	if n := hits.Load(); n != 5 {
		t.Errorf("network attempts = %d, want 5", n)
	}

	now = now.Add(61 * time.Second)
	if _, _, err := c.CreateTransaction(ctx, req); errors.Is(err, domain.ErrCircuitOpen) {
		t.Error("breaker still open after the cooldown")
	}
	if n := hits.Load(); n != 6 {
		t.Errorf("network attempts after cooldown = %d, want 6", n)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"data":{"id":"t","status":"APPROVED"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	ctx := context.Background()
	req := TransactionRequest{Reference: "r", AmountInCents: 100}

	for i := 0; i < 4; i++ {
		c.CreateTransaction(ctx, req)
	}
	fail.Store(false)
	if _, _, err := c.CreateTransaction(ctx, req); err != nil {
		t.Fatalf("CreateTransaction() error: %v", err)
	}
	fail.Store(true)
	for i := 0; i < 4; i++ {
		c.CreateTransaction(ctx, req)
	}
	if _, _, err := c.CreateTransaction(ctx, req); errors.Is(err, domain.ErrCircuitOpen) {
		t.Error("breaker opened although a success reset the count")
	}
}

// ─── Retry ──────────────────────────────────────────────────────────────────

func TestGetTransaction_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return jsonResponse(http.StatusOK, `{"data":{"id":"txn-7","status":"APPROVED","amount_in_cents":100}}`), nil
	})}

	var delays []time.Duration
	sleep := WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	c := newTestClient(t, testConfig("http://provider.test"), WithHTTPClient(hc), sleep)

	res, err := c.GetTransaction(context.Background(), "txn-7")
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if res.Transaction.Status != "APPROVED" {
		t.Errorf("status = %q, want APPROVED", res.Transaction.Status)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("backoff = %v, want %v", delays, want)
	}
}

func TestGetTransaction_ExhaustedRetries(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	c := newTestClient(t, testConfig("http://provider.test"), WithHTTPClient(hc))

	_, err := c.GetTransaction(context.Background(), "txn")
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if !pe.Transient() || pe.Attempts != 3 {
		t.Errorf("ProviderError = %+v, want transient after 3 attempts", pe)
	}
}

func TestGetTransaction_NoRetryOnRejection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"type":"NOT_FOUND_ERROR","reason":"transaction not found"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	_, err := c.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("error = %v, want ErrProviderRejected", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

// ─── Acceptance Token & Builders ────────────────────────────────────────────

func TestAcceptanceToken_Cached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/merchants/pub_test" {
			t.Errorf("path = %q", r.URL.Path)
		}
		hits.Add(1)
		io.WriteString(w, `{"data":{"presigned_acceptance":{"acceptance_token":"acc-123"}}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	for i := 0; i < 3; i++ {
		tok, err := c.AcceptanceToken(context.Background())
		if err != nil || tok != "acc-123" {
			t.Fatalf("AcceptanceToken() = %q, %v", tok, err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("merchant lookups = %d, want 1", n)
	}
}

func TestIntegritySignature(t *testing.T) {
	got := IntegritySignature("ref-1", 5000000, "COP", "test_integrity_secret")
	want := "1ff26b1f03ea4d2054c792776efb52362d41a294e0c58fdfeb0c0234dcac065f"
	if got != want {
		t.Errorf("IntegritySignature() = %s, want %s", got, want)
	}
}

func TestMethodBuilders(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/merchants/") {
			io.WriteString(w, `{"data":{"presigned_acceptance":{"acceptance_token":"acc-1"}}}`)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		io.WriteString(w, `{"data":{"id":"txn","status":"PENDING"}}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.IntegritySecret = "test_integrity_secret"
	c := newTestClient(t, cfg)
	ctx := context.Background()
	base := Charge{Reference: "ref-1", AmountInCents: 5000000, Customer: domain.UserRef{Email: "a@example.com"}}

	if _, _, err := c.CreateCardTransaction(ctx, CardCharge{Charge: base, Token: "tok_1"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.CreateWalletTransaction(ctx, WalletCharge{Charge: base, PhoneNumber: "3001234567"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.CreateBankTransferTransaction(ctx, BankTransferCharge{Charge: base, UserType: 0, LegalIDType: "CC", LegalID: "123", InstitutionCode: "1007"}); err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 3 {
		t.Fatalf("transactions = %d, want 3", len(bodies))
	}

	for _, b := range bodies {
		if b["acceptance_token"] != "acc-1" {
			t.Errorf("acceptance_token = %v", b["acceptance_token"])
		}
		if b["signature"] != "1ff26b1f03ea4d2054c792776efb52362d41a294e0c58fdfeb0c0234dcac065f" {
			t.Errorf("signature = %v", b["signature"])
		}
	}
	card := bodies[0]["payment_method"].(map[string]any)
	if card["type"] != "CARD" || card["installments"] != float64(1) {
		t.Errorf("card method = %v", card)
	}
	wallet := bodies[1]["payment_method"].(map[string]any)
	if wallet["type"] != "NEQUI" || wallet["phone_number"] != "3001234567" {
		t.Errorf("wallet method = %v", wallet)
	}
	pse := bodies[2]["payment_method"].(map[string]any)
	if pse["type"] != "PSE" || pse["user_type"] != float64(0) || pse["financial_institution_code"] != "1007" {
		t.Errorf("pse method = %v", pse)
	}
}

// ─── Payouts ────────────────────────────────────────────────────────────────

func TestBalanceAndTransfer(t *testing.T) {
	var transfer TransferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer payout_key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/payouts/acct-1":
			io.WriteString(w, `{"data":{"balance_in_cents":12345678}}`)
		case "/payouts/transfers":
			json.NewDecoder(r.Body).Decode(&transfer)
			io.WriteString(w, `{"data":{"id":"tr-1","status":"PENDING"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	ctx := context.Background()

	bal, err := c.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("123456.78")) {
		t.Errorf("Balance() = %s, want 123456.78", bal)
	}

	res, err := c.Transfer(ctx, decimal.RequireFromString("1500.50"), "payout-1")
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if res.ID != "tr-1" {
		t.Errorf("transfer id = %q", res.ID)
	}
	if transfer.AmountInCents != 150050 || transfer.Reference != "payout-1" || transfer.Account != "acct-1" {
		t.Errorf("transfer request = %+v", transfer)
	}
}

func TestPathOf(t *testing.T) {
	tests := map[string]string{
		"https://api.example.com/v1/transactions?x=1": "/v1/transactions",
		"https://api.example.com":                     "/",
		"/merchants/pub":                              "/merchants/pub",
	}
	for in, want := range tests {
		if got := pathOf(in); got != want {
			t.Errorf("pathOf(%q) = %q, want %q", in, got, want)
		}
	}
}
