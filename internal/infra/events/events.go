// Package events publishes the payment core's outbound side effects.
//
// Publisher implements domain.Notifier and domain.Fulfiller by writing JSON
// events to Kafka; the platform's notification and booking services consume
// them. LogSink implements the same interfaces for runs without brokers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/domain"
)

// Topics names the Kafka topics events are written to.
type Topics struct {
	Notifications string
	Fulfillment   string
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		Notifications: "paycore.notifications",
		Fulfillment:   "paycore.fulfillment",
	}
}

// Fulfillment actions carried by FulfillmentEvent.
const (
	ActionFulfillPackage      = string(domain.ActionFulfillPackage)
	ActionFulfillSubscription = string(domain.ActionFulfillSubscription)
	ActionConfirmOrder        = string(domain.ActionConfirmOrder)
	ActionRecomputeBalance    = string(domain.ActionRecomputeBalance)
)

// NotificationEvent asks the notification service to message a user.
type NotificationEvent struct {
	ID         string            `json:"id"`
	User       domain.UserRef    `json:"user"`
	EventCode  string            `json:"event_code"`
	Data       map[string]string `json:"data,omitempty"`
	Priority   domain.Priority   `json:"priority"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FulfillmentEvent asks the booking side to deliver what a payment bought.
// ID is derived from action and payment so consumers can deduplicate.
type FulfillmentEvent struct {
	ID            string             `json:"id"`
	Action        string             `json:"action"`
	PaymentID     string             `json:"payment_id"`
	UserID        string             `json:"user_id"`
	Type          domain.PaymentType `json:"type"`
	Reference     string             `json:"reference"`
	Amount        string             `json:"amount"`
	AppointmentID string             `json:"appointment_id,omitempty"`
	OrderID       string             `json:"order_id,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

func newFulfillmentEvent(action string, p domain.Payment) FulfillmentEvent {
	return FulfillmentEvent{
		ID:            action + ":" + p.ID,
		Action:        action,
		PaymentID:     p.ID,
		UserID:        p.UserID,
		Type:          p.Type,
		Reference:     p.Reference,
		Amount:        p.Amount.StringFixed(domain.MoneyScale),
		AppointmentID: p.AppointmentID,
		OrderID:       p.OrderID,
		OccurredAt:    time.Now().UTC(),
	}
}

// ─── Kafka Publisher ────────────────────────────────────────────────────────

// Publisher writes events with a synchronous producer.
type Publisher struct {
	producer sarama.SyncProducer
	topics   Topics
	log      *zap.Logger
}

var (
	_ domain.Notifier  = (*Publisher)(nil)
	_ domain.Fulfiller = (*Publisher)(nil)
)

// NewKafkaProducer dials the brokers with acks from all in-sync replicas.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, topics Topics, log *zap.Logger) *Publisher {
	return &Publisher{producer: producer, topics: topics, log: log.Named("events")}
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error { return p.producer.Close() }

func (p *Publisher) publish(topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.Debug("event published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Notify publishes a notification request keyed by user.
func (p *Publisher) Notify(_ context.Context, user domain.UserRef, eventCode string, data map[string]string, priority domain.Priority) error {
	return p.publish(p.topics.Notifications, user.ID, NotificationEvent{
		ID:         uuid.NewString(),
		User:       user,
		EventCode:  eventCode,
		Data:       data,
		Priority:   priority,
		OccurredAt: time.Now().UTC(),
	})
}

// FulfillPackage publishes a package fulfillment request.
func (p *Publisher) FulfillPackage(_ context.Context, pay domain.Payment) error {
	return p.publish(p.topics.Fulfillment, pay.ID, newFulfillmentEvent(ActionFulfillPackage, pay))
}

// FulfillSubscription publishes a subscription fulfillment request.
func (p *Publisher) FulfillSubscription(_ context.Context, pay domain.Payment) error {
	return p.publish(p.topics.Fulfillment, pay.ID, newFulfillmentEvent(ActionFulfillSubscription, pay))
}

// ConfirmOrder publishes an order confirmation request.
func (p *Publisher) ConfirmOrder(_ context.Context, orderID string, pay domain.Payment) error {
	pay.OrderID = orderID
	return p.publish(p.topics.Fulfillment, pay.ID, newFulfillmentEvent(ActionConfirmOrder, pay))
}

// RecomputeAppointmentBalance publishes a balance recomputation request.
func (p *Publisher) RecomputeAppointmentBalance(_ context.Context, appointmentID string, pay domain.Payment) error {
	pay.AppointmentID = appointmentID
	return p.publish(p.topics.Fulfillment, pay.ID, newFulfillmentEvent(ActionRecomputeBalance, pay))
}

// ─── Log Sink ───────────────────────────────────────────────────────────────

// LogSink logs notifications and fulfillment requests instead of sending them.
type LogSink struct {
	log *zap.Logger
}

var (
	_ domain.Notifier  = (*LogSink)(nil)
	_ domain.Fulfiller = (*LogSink)(nil)
)

// NewLogSink returns a sink writing to log.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Notify(_ context.Context, user domain.UserRef, eventCode string, data map[string]string, priority domain.Priority) error {
	s.log.Info("notification",
		zap.String("user_id", user.ID),
		zap.String("event", eventCode),
		zap.String("priority", string(priority)),
		zap.Any("data", data))
	return nil
}

func (s *LogSink) FulfillPackage(_ context.Context, p domain.Payment) error {
	return s.fulfill(ActionFulfillPackage, p)
}

func (s *LogSink) FulfillSubscription(_ context.Context, p domain.Payment) error {
	return s.fulfill(ActionFulfillSubscription, p)
}

func (s *LogSink) ConfirmOrder(_ context.Context, orderID string, p domain.Payment) error {
	p.OrderID = orderID
	return s.fulfill(ActionConfirmOrder, p)
}

func (s *LogSink) RecomputeAppointmentBalance(_ context.Context, appointmentID string, p domain.Payment) error {
	p.AppointmentID = appointmentID
	return s.fulfill(ActionRecomputeBalance, p)
}

func (s *LogSink) fulfill(action string, p domain.Payment) error {
	s.log.Info("fulfillment",
		zap.String("action", action),
		zap.String("payment_id", p.ID),
		zap.String("appointment_id", p.AppointmentID),
		zap.String("order_id", p.OrderID))
	return nil
}
