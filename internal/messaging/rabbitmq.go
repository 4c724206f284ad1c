// Package messaging connects the admission core to RabbitMQ: domain events and
// payment requests go out on a topic exchange, and gateway outcomes come back
// on a durable queue.
package messaging

import (
	"errors"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys used on the payment exchange.
const (
	RoutingPaymentRequested = "payment.requested"
	RoutingRefundRequested  = "payment.refund_requested"
	RoutingPaymentOutcome   = "payment.outcome"
)

const dialTimeout = 10 * time.Second

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	// Drop stray characters in front of the scheme.
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(raw string) (*amqp.Connection, *amqp.Channel, error) {
	clean, err := sanitizeURL(raw)
	if err != nil {
		return nil, nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}
