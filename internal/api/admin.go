package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/slotbook/paycore/internal/app/commission"
	"github.com/slotbook/paycore/internal/app/payments"
	"github.com/slotbook/paycore/internal/domain"
)

// ─── Admin API ──────────────────────────────────────────────────────────────
// Operator and booking-service endpoints, all behind a bearer token.
//
// POST /admin/payments                      initiate a payment
// GET  /admin/payments/counts               payments by status
// GET  /admin/payments/{id}                 one payment
// POST /admin/payments/{id}/confirm         re-query the provider and apply
// POST /admin/bookings/{id}/cancel          cancel a booking's pending payments
// POST /admin/payouts/evaluate              run a payout evaluation now
// POST /admin/payouts/manual                record an off-platform payout
// GET  /admin/payouts/debt                  outstanding commission
// PUT  /admin/payouts/settings              change pct and threshold
// GET  /admin/credits/{userID}/preview      credit allocation preview
// GET  /admin/credits/{userID}/balance      usable credit balance

// ActorHeader names the operator performing a request, for the audit log.
const ActorHeader = "X-Actor"

const defaultActor = "admin"

// PaymentService is the part of the payment ledger exposed to operators.
type PaymentService interface {
	Initiate(ctx context.Context, req payments.InitiateRequest) (*payments.Result, error)
	Get(ctx context.Context, paymentID string) (*domain.Payment, error)
	Counts(ctx context.Context) (map[domain.PaymentStatus]int, error)
	ConfirmManually(ctx context.Context, paymentID, actor string) (*payments.Result, error)
	CancelBookingPayments(ctx context.Context, appointmentID string) ([]*domain.Payment, error)
}

// PayoutService is the part of the payout controller exposed to operators.
type PayoutService interface {
	Evaluate(ctx context.Context) (commission.EvaluateResult, error)
	ManualPayout(ctx context.Context, actor string, amount decimal.Decimal, note string) (*domain.Distribution, error)
	Debt(ctx context.Context, recent int) (*commission.Debt, error)
	UpdateSettings(ctx context.Context, actor string, u commission.SettingsUpdate) (*domain.PayoutSettings, error)
}

// CreditService is the part of the credit allocator exposed to operators.
type CreditService interface {
	Preview(ctx context.Context, userID string, amountDue decimal.Decimal) (domain.Allocation, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// AdminAPI holds references to the services behind /admin.
type AdminAPI struct {
	Token    string
	Payments PaymentService
	Payouts  PayoutService
	Credits  CreditService
}

// RequireToken rejects requests without the configured bearer token. An
// empty token disables every admin route.
func (a *AdminAPI) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Token == "" {
			writeError(w, http.StatusServiceUnavailable, "admin API not configured")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actor(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(ActorHeader)); v != "" {
		return v
	}
	return defaultActor
}

// ─── Payments ───────────────────────────────────────────────────────────────

// HandleInitiatePayment creates a payment. A provider failure still returns
// the payment, which is then in ERROR.
// POST /admin/payments
func (a *AdminAPI) HandleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req payments.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := a.Payments.Initiate(r.Context(), req)
	if err != nil {
		if res != nil && res.Payment != nil {
			writeJSON(w, statusFor(err), map[string]interface{}{
				"payment": res.Payment,
				"error":   map[string]interface{}{"message": err.Error(), "type": "error"},
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleGetPayment returns one payment.
// GET /admin/payments/{id}
func (a *AdminAPI) HandleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := a.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandlePaymentCounts returns the number of payments per status.
// GET /admin/payments/counts
func (a *AdminAPI) HandlePaymentCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Payments.Counts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// HandleConfirmPayment re-queries the provider for a pending payment.
// POST /admin/payments/{id}/confirm
func (a *AdminAPI) HandleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	res, err := a.Payments.ConfirmManually(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCancelBooking cancels the pending payments of an appointment.
// POST /admin/bookings/{id}/cancel
func (a *AdminAPI) HandleCancelBooking(w http.ResponseWriter, r *http.Request) {
	cancelled, err := a.Payments.CancelBookingPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if cancelled == nil {
		cancelled = []*domain.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": cancelled,
		"count":     len(cancelled),
	})
}

// ─── Payouts ────────────────────────────────────────────────────────────────

// HandleEvaluatePayouts runs a payout evaluation.
// POST /admin/payouts/evaluate
func (a *AdminAPI) HandleEvaluatePayouts(w http.ResponseWriter, r *http.Request) {
	res, err := a.Payouts.Evaluate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type manualPayoutRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// HandleManualPayout records a payout made outside the provider.
// POST /admin/payouts/manual
func (a *AdminAPI) HandleManualPayout(w http.ResponseWriter, r *http.Request) {
	var req manualPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := a.Payouts.ManualPayout(r.Context(), actor(r), req.Amount, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandlePayoutDebt reports outstanding commission and recent payouts.
// GET /admin/payouts/debt?recent=10
func (a *AdminAPI) HandlePayoutDebt(w http.ResponseWriter, r *http.Request) {
	recent := 10
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		recent = n
	}
	debt, err := a.Payouts.Debt(r.Context(), recent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, debt)
}

// HandleUpdatePayoutSettings changes the commission percentage and/or the
// payout threshold.
// PUT /admin/payouts/settings
func (a *AdminAPI) HandleUpdatePayoutSettings(w http.ResponseWriter, r *http.Request) {
	var u commission.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if u.CommissionPct == nil && u.Threshold == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	s, err := a.Payouts.UpdateSettings(r.Context(), actor(r), u)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ─── Credits ────────────────────────────────────────────────────────────────

// HandleCreditPreview shows how credit would cover an amount, without
// consuming it.
// GET /admin/credits/{userID}/preview?amount=
func (a *AdminAPI) HandleCreditPreview(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal number")
		return
	}
	alloc, err := a.Credits.Preview(r.Context(), chi.URLParam(r, "userID"), amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// HandleCreditBalance returns a user's usable credit.
// GET /admin/credits/{userID}/balance
func (a *AdminAPI) HandleCreditBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	bal, err := a.Credits.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": bal,
	})
}
