// Package provider is the outbound client for the payment provider and its
// payout API.
//
// Every call goes through a circuit breaker shared by the fleet. Read-style
// calls retry transport failures with exponential backoff; calls that move
// money are single-attempt and rely on a caller-unique reference for
// server-side deduplication. Failures reach callers only as
// *domain.ProviderError values wrapping the provider sentinels.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/observability"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds provider endpoints, credentials and resilience settings.
type Config struct {
	BaseURL         string
	PublicKey       string
	PrivateKey      string
	IntegritySecret string
	Currency        string

	PayoutBaseURL string
	PayoutAccount string
	PayoutAPIKey  string

	PaymentTimeout time.Duration // per request, payments API
	PayoutTimeout  time.Duration // per request, payout API

	MaxFailures   int           // consecutive failures before the breaker opens
	Cooldown      time.Duration // how long the breaker stays open
	RetryAttempts int           // total attempts for read-style calls
	RetryBase     time.Duration // first backoff delay, doubled per attempt
	TokenTTL      time.Duration // acceptance token cache lifetime
}

// DefaultConfig returns the resilience defaults with no endpoints set.
func DefaultConfig() Config {
	return Config{
		Currency:       domain.DefaultCurrency,
		PaymentTimeout: 15 * time.Second,
		PayoutTimeout:  10 * time.Second,
		MaxFailures:    5,
		Cooldown:       60 * time.Second,
		RetryAttempts:  3,
		RetryBase:      500 * time.Millisecond,
		TokenTTL:       55 * time.Minute,
	}
}

// ─── Client ─────────────────────────────────────────────────────────────────

// Client talks to the payment provider.
type Client struct {
	cfg      Config
	http     *http.Client
	payments *Breaker
	payouts  *Breaker
	tokens   domain.TokenCache
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for all calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the time source used by the breakers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.payments.now = now
		c.payouts.now = now
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a client. Missing endpoints or credentials are reported as
// ErrConfiguration when the affected call is made.
func New(cfg Config, breakers domain.BreakerStore, tokens domain.TokenCache, log *zap.Logger, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = def.PaymentTimeout
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = def.PayoutTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	log = log.Named("provider")

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		payments: NewBreaker("provider.payments", breakers, cfg.MaxFailures, cfg.Cooldown, log),
		payouts:  NewBreaker("provider.payouts", breakers, cfg.MaxFailures, cfg.Cooldown, log),
		tokens:   tokens,
		log:      log,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Currency is the settlement currency sent with every charge.
func (c *Client) Currency() string { return c.cfg.Currency }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ─── Request Core ───────────────────────────────────────────────────────────

// request describes one logical provider call.
type request struct {
	op      string // "POST /transactions"; used in errors, logs and metrics
	method  string
	url     string
	bearer  string
	body    any
	retry   bool
	timeout time.Duration
	breaker *Breaker
}

// response is a completed HTTP exchange with status < 400.
type response struct {
	status int
	body   []byte
}

// do runs req through the breaker and the retry policy. On an HTTP error
// status the body is still returned so callers can keep the raw payload.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	start := time.Now()
	resp, err := c.doAttempts(ctx, req)
	observability.ObserveProviderCall(req.op, start, err)
	return resp, err
}

func (c *Client) doAttempts(ctx context.Context, req request) (*response, error) {
	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", req.op, err)
		}
	}

	attempts := 1
	if req.retry {
		attempts = c.cfg.RetryAttempts
	}

	var lastErr *domain.ProviderError
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := req.breaker.Allow(ctx); err != nil {
			return nil, &domain.ProviderError{Op: req.op, Attempts: attempt - 1, Kind: err}
		}

		resp, err := c.send(ctx, req, payload)
		if err != nil {
			req.breaker.Failure(ctx)
			lastErr = &domain.ProviderError{Op: req.op, Attempts: attempt, Kind: domain.ErrProviderUnavailable, Message: transportReason(err)}
			c.log.Warn("provider call failed",
				zap.String("method", req.method),
				zap.String("path", pathOf(req.url)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ctx.Err() != nil || attempt == attempts {
				break
			}
			backoff := c.cfg.RetryBase << (attempt - 1)
			if err := c.sleep(ctx, backoff); err != nil {
				break
			}
			continue
		}

		if resp.status >= http.StatusBadRequest {
			req.breaker.Failure(ctx)
			kind := domain.ErrProviderRejected
			if resp.status >= http.StatusInternalServerError {
				kind = domain.ErrProviderUnavailable
			}
			c.log.Warn("provider call failed",
				zap.String("method", req.method),
				zap.String("path", pathOf(req.url)),
				zap.Int("attempt", attempt),
				zap.Int("status", resp.status))
			return resp, &domain.ProviderError{
				Op:       req.op,
				Status:   resp.status,
				Attempts: attempt,
				Message:  errorMessage(resp.body),
				Kind:     kind,
			}
		}

		req.breaker.Success(ctx)
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, req request, payload []byte) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return &response{status: httpResp.StatusCode, body: raw}, nil
}

// decodeData unmarshals the "data" member of a provider envelope into v.
func decodeData(op string, body []byte, v any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return &domain.ProviderError{Op: op, Kind: domain.ErrInvalidResponse, Message: "missing data envelope"}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &domain.ProviderError{Op: op, Kind: domain.ErrInvalidResponse, Message: err.Error()}
	}
	return nil
}

// errorMessage extracts a readable reason from a provider error body.
func errorMessage(body []byte) string {
	var env struct {
		Error struct {
			Type     string          `json:"type"`
			Reason   string          `json:"reason"`
			Messages json.RawMessage `json:"messages"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	switch {
	case env.Error.Reason != "":
		return env.Error.Reason
	case len(env.Error.Messages) > 0:
		return string(env.Error.Messages)
	default:
		return env.Error.Type
	}
}

func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network error"
}

// pathOf strips scheme, host and query so URLs can be logged safely.
func pathOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '/'); j >= 0 {
			s = s[j:]
		} else {
			s = "/"
		}
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return s
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func (c *Client) requirePayments(op string) error {
	if c.cfg.BaseURL == "" || c.cfg.PrivateKey == "" {
		return &domain.ProviderError{Op: op, Kind: domain.ErrConfiguration, Message: "base URL or private key missing"}
	}
	return nil
}

func (c *Client) requirePayouts(op string) error {
	if c.cfg.PayoutBaseURL == "" || c.cfg.PayoutAccount == "" || c.cfg.PayoutAPIKey == "" {
		return &domain.ProviderError{Op: op, Kind: domain.ErrConfiguration, Message: "payout URL, account or key missing"}
	}
	return nil
}
