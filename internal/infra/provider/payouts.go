package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Payout API ─────────────────────────────────────────────────────────────

// TransferRequest is the body of POST /transfers.
type TransferRequest struct {
	Account       string `json:"account"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference"`
}

// TransferResult is an accepted transfer.
type TransferResult struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// Balance returns the funds available for payouts.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	const op = "GET /{account}"
	if err := c.requirePayouts(op); err != nil {
		return domain.Zero, err
	}
	resp, err := c.do(ctx, request{
		op:      op,
		method:  http.MethodGet,
		url:     joinURL(c.cfg.PayoutBaseURL, "/"+url.PathEscape(c.cfg.PayoutAccount)),
		bearer:  c.cfg.PayoutAPIKey,
		retry:   true,
		timeout: c.cfg.PayoutTimeout,
		breaker: c.payouts,
	})
	if err != nil {
		return domain.Zero, err
	}

	var account struct {
		BalanceInCents *int64 `json:"balance_in_cents"`
	}
	if err := decodeData(op, resp.body, &account); err != nil {
		return domain.Zero, err
	}
	if account.BalanceInCents == nil {
		return domain.Zero, &domain.ProviderError{Op: op, Status: resp.status, Kind: domain.ErrInvalidResponse, Message: "missing balance"}
	}
	return domain.FromCents(*account.BalanceInCents), nil
}

// Transfer moves amount to the beneficiary. It is never retried.
func (c *Client) Transfer(ctx context.Context, amount decimal.Decimal, reference string) (*TransferResult, error) {
	const op = "POST /transfers"
	if err := c.requirePayouts(op); err != nil {
		return nil, err
	}
	cents := domain.ToCents(amount)
	if cents <= 0 {
		return nil, &domain.ProviderError{Op: op, Kind: domain.ErrProviderRejected, Message: "non-positive amount"}
	}

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		url:    joinURL(c.cfg.PayoutBaseURL, "/transfers"),
		bearer: c.cfg.PayoutAPIKey,
		body: TransferRequest{
			Account:       c.cfg.PayoutAccount,
			AmountInCents: cents,
			Currency:      c.cfg.Currency,
			Reference:     reference,
		},
		timeout: c.cfg.PayoutTimeout,
		breaker: c.payouts,
	})
	if err != nil {
		return nil, err
	}

	result := &TransferResult{Raw: resp.body}
	if err := decodeData(op, resp.body, result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, &domain.ProviderError{Op: op, Status: resp.status, Kind: domain.ErrInvalidResponse, Message: "missing transfer id"}
	}
	c.log.Info("transfer executed",
		zap.String("reference", reference),
		zap.String("transfer_id", result.ID),
		zap.String("amount", amount.StringFixed(domain.MoneyScale)))
	return result, nil
}
