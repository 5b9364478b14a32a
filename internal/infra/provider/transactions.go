package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Wire Types ─────────────────────────────────────────────────────────────

// Payment method types understood by the provider.
const (
	MethodTypeCard  = "CARD"
	MethodTypeNequi = "NEQUI"
	MethodTypePSE   = "PSE"
)

// MethodDetails is the payment_method object of a transaction request.
type MethodDetails struct {
	Type                     string `json:"type"`
	Token                    string `json:"token,omitempty"`
	Installments             int    `json:"installments,omitempty"`
	PhoneNumber              string `json:"phone_number,omitempty"`
	UserType                 *int   `json:"user_type,omitempty"`
	UserLegalIDType          string `json:"user_legal_id_type,omitempty"`
	UserLegalID              string `json:"user_legal_id,omitempty"`
	FinancialInstitutionCode string `json:"financial_institution_code,omitempty"`
	PaymentDescription       string `json:"payment_description,omitempty"`
}

// TransactionRequest is the body of POST /transactions.
type TransactionRequest struct {
	AmountInCents   int64         `json:"amount_in_cents"`
	Currency        string        `json:"currency"`
	Reference       string        `json:"reference"`
	CustomerEmail   string        `json:"customer_email"`
	AcceptanceToken string        `json:"acceptance_token,omitempty"`
	Signature       string        `json:"signature,omitempty"`
	RedirectURL     string        `json:"redirect_url,omitempty"`
	PaymentMethod   MethodDetails `json:"payment_method"`
}

// Transaction is the provider's view of a transaction.
type Transaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Reference     string `json:"reference"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	StatusMessage string `json:"status_message,omitempty"`
}

// TransactionResult pairs the decoded transaction with the raw response body.
// Raw is set whenever the provider answered, including rejections.
type TransactionResult struct {
	Transaction Transaction
	Raw         json.RawMessage
}

// ─── Transactions ───────────────────────────────────────────────────────────

// CreateTransaction submits a charge. It is never retried: the reference must
// be unique per charge so the provider can deduplicate.
func (c *Client) CreateTransaction(ctx context.Context, payload TransactionRequest) (*TransactionResult, int, error) {
	const op = "POST /transactions"
	if err := c.requirePayments(op); err != nil {
		return nil, 0, err
	}
	if payload.Currency == "" {
		payload.Currency = c.cfg.Currency
	}

	resp, err := c.do(ctx, request{
		op:      op,
		method:  http.MethodPost,
		url:     joinURL(c.cfg.BaseURL, "/transactions"),
		bearer:  c.cfg.PrivateKey,
		body:    payload,
		timeout: c.cfg.PaymentTimeout,
		breaker: c.payments,
	})
	if err != nil {
		if resp != nil {
			return &TransactionResult{Raw: resp.body}, resp.status, err
		}
		return nil, 0, err
	}

	result := &TransactionResult{Raw: resp.body}
	if err := decodeData(op, resp.body, &result.Transaction); err != nil {
		return result, resp.status, err
	}
	if result.Transaction.ID == "" {
		return result, resp.status, &domain.ProviderError{Op: op, Status: resp.status, Kind: domain.ErrInvalidResponse, Message: "missing transaction id"}
	}
	c.log.Info("transaction created",
		zap.String("reference", payload.Reference),
		zap.String("transaction_id", result.Transaction.ID),
		zap.String("status", result.Transaction.Status))
	return result, resp.status, nil
}

// GetTransaction fetches the current state of a transaction.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*TransactionResult, error) {
	const op = "GET /transactions/{id}"
	if err := c.requirePayments(op); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, request{
		op:      op,
		method:  http.MethodGet,
		url:     joinURL(c.cfg.BaseURL, "/transactions/"+url.PathEscape(transactionID)),
		bearer:  c.cfg.PrivateKey,
		retry:   true,
		timeout: c.cfg.PaymentTimeout,
		breaker: c.payments,
	})
	if err != nil {
		return nil, err
	}
	result := &TransactionResult{Raw: resp.body}
	if err := decodeData(op, resp.body, &result.Transaction); err != nil {
		return nil, err
	}
	if result.Transaction.Status == "" {
		return nil, &domain.ProviderError{Op: op, Status: resp.status, Kind: domain.ErrInvalidResponse, Message: "missing status"}
	}
	return result, nil
}

// AcceptanceToken returns the merchant's presigned acceptance token, cached
// in the shared token cache.
func (c *Client) AcceptanceToken(ctx context.Context) (string, error) {
	const op = "GET /merchants/{key}"
	if c.cfg.BaseURL == "" || c.cfg.PublicKey == "" {
		return "", &domain.ProviderError{Op: op, Kind: domain.ErrConfiguration, Message: "base URL or public key missing"}
	}

	cacheKey := "provider:acceptance_token:" + c.cfg.PublicKey
	if token, ok, err := c.tokens.GetToken(ctx, cacheKey); err != nil {
		c.log.Warn("token cache read failed", zap.Error(err))
	} else if ok {
		return token, nil
	}

	resp, err := c.do(ctx, request{
		op:      op,
		method:  http.MethodGet,
		url:     joinURL(c.cfg.BaseURL, "/merchants/"+url.PathEscape(c.cfg.PublicKey)),
		retry:   true,
		timeout: c.cfg.PaymentTimeout,
		breaker: c.payments,
	})
	if err != nil {
		return "", err
	}

	var merchant struct {
		PresignedAcceptance struct {
			AcceptanceToken string `json:"acceptance_token"`
		} `json:"presigned_acceptance"`
	}
	if err := decodeData(op, resp.body, &merchant); err != nil {
		return "", err
	}
	token := merchant.PresignedAcceptance.AcceptanceToken
	if token == "" {
		return "", &domain.ProviderError{Op: op, Status: resp.status, Kind: domain.ErrInvalidResponse, Message: "missing acceptance token"}
	}
	if err := c.tokens.SetToken(ctx, cacheKey, token, c.cfg.TokenTTL); err != nil {
		c.log.Warn("token cache write failed", zap.Error(err))
	}
	return token, nil
}

// IntegritySignature returns sha256(reference + amountInCents + currency + secret)
// in lowercase hex.
func IntegritySignature(reference string, amountInCents int64, currency, secret string) string {
	sum := sha256.Sum256([]byte(reference + strconv.FormatInt(amountInCents, 10) + currency + secret))
	return hex.EncodeToString(sum[:])
}

// ─── Method Builders ────────────────────────────────────────────────────────

// Charge is what every method-specific builder needs.
type Charge struct {
	Reference     string
	AmountInCents int64
	Customer      domain.UserRef
	RedirectURL   string
}

// CardCharge charges a tokenized card.
type CardCharge struct {
	Charge
	Token        string
	Installments int
}

// WalletCharge pushes a payment request to a mobile wallet.
type WalletCharge struct {
	Charge
	PhoneNumber string
}

// BankTransferCharge starts a PSE bank transfer.
type BankTransferCharge struct {
	Charge
	UserType        int // 0 natural person, 1 company
	LegalIDType     string
	LegalID         string
	InstitutionCode string
	Description     string
}

// CreateCardTransaction charges a tokenized card.
func (c *Client) CreateCardTransaction(ctx context.Context, ch CardCharge) (*TransactionResult, int, error) {
	installments := ch.Installments
	if installments <= 0 {
		installments = 1
	}
	return c.createFor(ctx, ch.Charge, MethodDetails{
		Type:         MethodTypeCard,
		Token:        ch.Token,
		Installments: installments,
	})
}

// CreateWalletTransaction charges a wallet by phone number.
func (c *Client) CreateWalletTransaction(ctx context.Context, ch WalletCharge) (*TransactionResult, int, error) {
	return c.createFor(ctx, ch.Charge, MethodDetails{
		Type:        MethodTypeNequi,
		PhoneNumber: ch.PhoneNumber,
	})
}

// CreateBankTransferTransaction starts a bank transfer.
func (c *Client) CreateBankTransferTransaction(ctx context.Context, ch BankTransferCharge) (*TransactionResult, int, error) {
	userType := ch.UserType
	description := ch.Description
	if description == "" {
		description = "Pago " + ch.Reference
	}
	return c.createFor(ctx, ch.Charge, MethodDetails{
		Type:                     MethodTypePSE,
		UserType:                 &userType,
		UserLegalIDType:          ch.LegalIDType,
		UserLegalID:              ch.LegalID,
		FinancialInstitutionCode: ch.InstitutionCode,
		PaymentDescription:       description,
	})
}

func (c *Client) createFor(ctx context.Context, ch Charge, method MethodDetails) (*TransactionResult, int, error) {
	token, err := c.AcceptanceToken(ctx)
	if err != nil {
		return nil, 0, err
	}
	payload := TransactionRequest{
		AmountInCents:   ch.AmountInCents,
		Currency:        c.cfg.Currency,
		Reference:       ch.Reference,
		CustomerEmail:   ch.Customer.Email,
		AcceptanceToken: token,
		RedirectURL:     ch.RedirectURL,
		PaymentMethod:   method,
	}
	if c.cfg.IntegritySecret != "" {
		payload.Signature = IntegritySignature(ch.Reference, ch.AmountInCents, c.cfg.Currency, c.cfg.IntegritySecret)
	}
	return c.CreateTransaction(ctx, payload)
}
