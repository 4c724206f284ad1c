package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
)

// Producer publishes JSON messages to one topic exchange.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewProducer dials RabbitMQ and declares the exchange.
func NewProducer(amqpURL, exchange string, logger *slog.Logger) (*Producer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{conn: conn, ch: ch, exchange: exchange, logger: logger.With("component", "rabbitmq_producer")}, nil
}

// Publish marshals body and publishes it with routingKey. A failed publish
// reopens the channel and retries once.
func (p *Producer) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", "routing_key", routingKey, "error", err)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}
	p.ch = ch
	if err := declareExchange(p.ch, p.exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close closes the channel and connection.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// FallbackPublisher logs instead of publishing. It is used when RabbitMQ is
// unavailable at startup.
type FallbackPublisher struct {
	Logger *slog.Logger
}

func (f FallbackPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("publish skipped", "component", "rabbitmq_producer", "mode", "fallback", "routing_key", routingKey)
	return nil
}

// Publisher is the subset of Producer the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// PaymentRequest asks the gateway to charge a booking.
type PaymentRequest struct {
	IntentID    string    `json:"intent_id"`
	BookingID   string    `json:"booking_id"`
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RefundRequest asks the gateway to return a charge.
type RefundRequest struct {
	IntentID    string `json:"intent_id"`
	BookingID   string `json:"booking_id"`
	AmountCents int64  `json:"amount_cents"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Reason      string `json:"reason"`
}

// Gateway is the outbound side of the payment provider. The provider answers
// asynchronously on the outcome queue.
type Gateway struct {
	pub Publisher
}

// NewGateway constructs a Gateway over pub.
func NewGateway(pub Publisher) *Gateway {
	return &Gateway{pub: pub}
}

// RequestPayment publishes a charge request for the booking total.
func (g *Gateway) RequestPayment(ctx context.Context, intent model.PaymentIntent, b model.Booking) error {
	return g.pub.Publish(ctx, RoutingPaymentRequested, PaymentRequest{
		IntentID:    intent.ID,
		BookingID:   b.ID,
		EventID:     b.EventID,
		UserID:      b.UserID,
		AmountCents: intent.AmountCents,
		ExpiresAt:   b.ExpiresAt,
	})
}

// RequestRefund publishes a refund request for the intent.
func (g *Gateway) RequestRefund(ctx context.Context, intent model.PaymentIntent, reason string) error {
	return g.pub.Publish(ctx, RoutingRefundRequested, RefundRequest{
		IntentID:    intent.ID,
		BookingID:   intent.BookingID,
		AmountCents: intent.AmountCents,
		ProviderRef: intent.ProviderRef,
		Reason:      reason,
	})
}
