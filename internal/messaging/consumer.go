package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
)

// Consumer reads deliveries from a durable queue bound to a topic exchange.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewConsumer dials RabbitMQ.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

// ConsumeWithBindings binds each routing key to queueName and dispatches
// deliveries to its handler. A handler returning false re-queues the message.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if err := declareExchange(c.ch, exchange); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				c.logger.Warn("no handler for routing key; dropping", "routing_key", d.RoutingKey)
				_ = d.Ack(false)
				continue
			}
			if handler(d.Body) {
				_ = d.Ack(false)
			} else {
				c.logger.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey)
				_ = d.Nack(false, true)
			}
		}
	}()
	return nil
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// OutcomeApplier applies a gateway notification to booking state.
type OutcomeApplier interface {
	HandleOutcome(ctx context.Context, o model.PaymentOutcome) (*model.Booking, error)
}

// OutcomeHandler turns outcome deliveries into PaymentCoordinator calls.
type OutcomeHandler struct {
	payments OutcomeApplier
	logger   *slog.Logger
	timeout  time.Duration
}

// NewOutcomeHandler constructs an OutcomeHandler.
func NewOutcomeHandler(payments OutcomeApplier, logger *slog.Logger) *OutcomeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeHandler{payments: payments, logger: logger.With("component", "payment_outcomes"), timeout: 30 * time.Second}
}

// HandleMessage reports whether the delivery is finished with. Malformed,
// stale and duplicate outcomes are acknowledged; only failures that a retry
// could fix are re-queued.
func (h *OutcomeHandler) HandleMessage(body []byte) bool {
	var o model.PaymentOutcome
	if err := json.Unmarshal(body, &o); err != nil {
		h.logger.Error("malformed payment outcome; dropping", "error", err)
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	_, err := h.payments.HandleOutcome(ctx, o)
	if err == nil {
		return true
	}
	switch model.KindOf(err) {
	case model.KindInternal:
		h.logger.Error("apply payment outcome failed", "booking_id", o.BookingID, "status", o.Status, "error", err)
		return false
	case model.KindPaymentTransitionConflict:
		h.logger.Info("stale payment outcome acknowledged", "booking_id", o.BookingID, "status", o.Status)
		return true
	default:
		h.logger.Warn("payment outcome rejected", "booking_id", o.BookingID, "status", o.Status, "error", err)
		return true
	}
}
