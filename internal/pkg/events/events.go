// Package events publishes domain events to RabbitMQ. Publishing is best
// effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	TypePaymentSucceeded    = "payment.succeeded"
	TypePaymentFailed       = "payment.failed"
	TypePaymentCancelled    = "payment.cancelled"
	TypeAssignmentSubmitted = "assignment.submitted"
)

// Event is the JSON body of every published message.
type Event struct {
	Type           string    `json:"type"`
	BotID          uint      `json:"bot_id"`
	UserID         uint      `json:"user_id,omitempty"`
	ExternalUserID int64     `json:"external_user_id,omitempty"`
	CourseID       uint      `json:"course_id,omitempty"`
	StepID         uint      `json:"step_id,omitempty"`
	PaymentID      uint      `json:"payment_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewPublisherFromEnv returns an AMQP publisher, or a no-op one when
// AMQP_URL is empty.
func NewPublisherFromEnv() Publisher {
	url := strings.TrimSpace(env.GetEnv("AMQP_URL", ""))
	if url == "" {
		log.Info("[Events] AMQP_URL not set, event publishing disabled")
		return Noop{}
	}
	return &AMQPPublisher{URL: url}
}

// AMQPPublisher declares one durable queue per event type and publishes
// persistent JSON messages to it through the default exchange.
type AMQPPublisher struct {
	URL string
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		log.Warnf("[Events] dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Warnf("[Events] channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(event.Type, true, false, false, false, nil); err != nil {
		log.Warnf("[Events] queue declare %s failed: %v", event.Type, err)
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", event.Type, false, false, pub); err != nil {
		log.Warnf("[Events] publish %s failed: %v", event.Type, err)
		return err
	}
	return nil
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
