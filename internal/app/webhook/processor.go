package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/app/payments"
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/observability"
	"github.com/slotbook/paycore/internal/infra/store"
)

// Provider event names.
const (
	EventTransactionUpdated = "transaction.updated"
	EventNequiTokenUpdated  = "nequi_token.updated"
	EventTransferUpdated    = "transfer.updated"
)

// Outcome is what happened to a delivery that was accepted.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeAcknowledged Outcome = "acknowledged"
)

// Envelope is the outer shape of every delivery.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Signature struct {
		Checksum   string   `json:"checksum"`
		Properties []string `json:"properties"`
	} `json:"signature"`
	Timestamp   json.Number `json:"timestamp"`
	SentAt      string      `json:"sent_at,omitempty"`
	Environment string      `json:"environment,omitempty"`
}

type transactionData struct {
	Transaction struct {
		ID            string       `json:"id"`
		Reference     string       `json:"reference"`
		Status        string       `json:"status"`
		AmountInCents *json.Number `json:"amount_in_cents"`
	} `json:"transaction"`
}

// TransactionHandler applies transaction updates to the payment ledger.
type TransactionHandler interface {
	HandleTransactionEvent(ctx context.Context, ev payments.TransactionEvent) (*payments.Result, error)
}

// Processor verifies deliveries and routes them.
type Processor struct {
	verifier *Verifier
	handler  TransactionHandler
	db       *store.DB
	log      *zap.Logger
}

// NewProcessor creates a processor.
func NewProcessor(verifier *Verifier, handler TransactionHandler, db *store.DB, log *zap.Logger) *Processor {
	return &Processor{verifier: verifier, handler: handler, db: db, log: log.Named("webhook")}
}

// IsRejection reports whether err means the delivery itself is invalid, as
// opposed to an internal failure worth a redelivery.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrSignatureInvalid) ||
		errors.Is(err, domain.ErrReplayDetected) ||
		errors.Is(err, domain.ErrMalformedEvent)
}

// Process verifies and handles one delivery.
func (p *Processor) Process(ctx context.Context, rawBody []byte) (Outcome, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(rawBody))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		observability.WebhookSignatureFailures.WithLabelValues("unknown").Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	event := env.Event
	if event == "" {
		event = "unknown"
	}

	if err := p.verifier.Verify(rawBody, env.Signature.Properties, env.Signature.Checksum, env.Timestamp.String()); err != nil {
		observability.WebhookSignatureFailures.WithLabelValues(event).Inc()
		observability.WebhookEvents.WithLabelValues(event, "rejected").Inc()
		p.log.Warn("webhook rejected", zap.String("event", event), zap.Error(err))
		return "", err
	}

	var (
		outcome Outcome
		err     error
	)
	switch env.Event {
	case EventTransactionUpdated:
		outcome, err = p.transactionUpdated(ctx, env)
	case EventNequiTokenUpdated, EventTransferUpdated:
		p.log.Info("webhook acknowledged", zap.String("event", env.Event), zap.ByteString("data", env.Data))
		outcome = OutcomeAcknowledged
	default:
		p.log.Info("webhook event ignored", zap.String("event", event))
		outcome = OutcomeIgnored
	}
	if err != nil {
		observability.WebhookEvents.WithLabelValues(event, "error").Inc()
		return "", err
	}
	observability.WebhookEvents.WithLabelValues(event, string(outcome)).Inc()
	return outcome, nil
}

func (p *Processor) transactionUpdated(ctx context.Context, env Envelope) (Outcome, error) {
	var data transactionData
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return "", fmt.Errorf("%w: transaction data: %v", domain.ErrMalformedEvent, err)
	}
	txn := data.Transaction
	if txn.ID == "" && txn.Reference == "" {
		return "", fmt.Errorf("%w: transaction without id or reference", domain.ErrMalformedEvent)
	}
	ev := payments.TransactionEvent{
		ID:        txn.ID,
		Reference: txn.Reference,
		Status:    txn.Status,
		Raw:       env.Data,
	}
	if txn.AmountInCents != nil {
		amount, err := txn.AmountInCents.Int64()
		if err != nil {
			return "", fmt.Errorf("%w: amount_in_cents %q", domain.ErrMalformedEvent, txn.AmountInCents.String())
		}
		ev.AmountInCents = &amount
	}

	key := txn.ID
	if key == "" {
		key = "ref:" + txn.Reference
	}
	done, err := p.db.IdempotencyCompleted(ctx, key)
	if err != nil {
		return "", err
	}
	if done {
		p.log.Info("duplicate delivery", zap.String("transaction_id", txn.ID), zap.String("reference", txn.Reference))
		return OutcomeDuplicate, nil
	}
	if err := p.db.TouchIdempotency(ctx, key, env.Event); err != nil {
		return "", err
	}

	res, err := p.handler.HandleTransactionEvent(ctx, ev)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		p.log.Info("delivery for unknown payment",
			zap.String("transaction_id", txn.ID),
			zap.String("reference", txn.Reference))
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if res.Payment.Status.IsTerminal() {
		if err := p.db.CompleteIdempotency(ctx, key, env.Event); err != nil {
			return "", err
		}
	}
	p.log.Info("transaction update applied",
		zap.String("payment_id", res.Payment.ID),
		zap.String("status", string(res.Payment.Status)),
		zap.Bool("changed", res.Changed))
	return OutcomeProcessed, nil
}
