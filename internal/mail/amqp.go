// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/oops"
)

// DefaultQueue is the queue reset emails are published to.
const DefaultQueue = "identity.mail"

// Publisher is the part of *amqp.Channel the mailer uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPMailer publishes messages as persistent JSON to a queue for a separate
// delivery worker.
type AMQPMailer struct {
	pub   Publisher
	queue string
	close func() error
}

// NewAMQPMailer publishes through pub to queue.
func NewAMQPMailer(pub Publisher, queue string) *AMQPMailer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPMailer{pub: pub, queue: queue, close: func() error { return nil }}
}

// DialAMQP connects to the broker, declares a durable queue and returns a
// mailer that owns the connection.
func DialAMQP(url, queue string) (*AMQPMailer, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, oops.Code("MAIL_AMQP_DIAL_FAILED").Wrap(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, oops.Code("MAIL_AMQP_CHANNEL_FAILED").Wrap(err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, oops.Code("MAIL_AMQP_DECLARE_FAILED").With("queue", queue).Wrap(err)
	}

	m := NewAMQPMailer(ch, queue)
	m.close = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return m, nil
}

// Send publishes msg.
func (m *AMQPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return oops.Code("MAIL_ENCODE_FAILED").Wrap(err)
	}
	err = m.pub.PublishWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.Created.UTC(),
		Type:         msg.Kind,
		Body:         body,
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("transport", "amqp").
			With("queue", m.queue).
			Wrap(err)
	}
	return nil
}

// Close releases the broker connection when the mailer owns one.
func (m *AMQPMailer) Close() error {
	if err := m.close(); err != nil {
		return oops.Code("MAIL_AMQP_CLOSE_FAILED").Wrap(err)
	}
	return nil
}
