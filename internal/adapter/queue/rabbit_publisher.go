package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kstore/order-api/internal/usecase"
)

// Queue names bound to the outbox channels.
const (
	QueueOrderPlaced        = "order.placed.q"
	QueueOrderStatusChanged = "order.status_changed.q"
)

var bindings = map[string]string{
	QueueOrderPlaced:        usecase.ChannelOrderPlaced,
	QueueOrderStatusChanged: usecase.ChannelOrderStatusChanged,
}

// DeclareTopology sets up the exchange, queues and bindings. Safe to call from every process.
func DeclareTopology(ch *amqp.Channel, exchange string) error {
	// 1. declare exchange (topic type, durable)
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for queue, key := range bindings {
		// 2. declare queue
		q, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		// 3. bind queue → exchange
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, key, err)
		}
	}
	return nil
}

// RabbitPublisher implements usecase.Publisher for the outbox relay.
type RabbitPublisher struct {
	ch       *amqp.Channel
	exchange string
}

// NewRabbitPublisher declares the topology and puts the channel in confirm mode.
// The channel must not be shared with consumers.
func NewRabbitPublisher(ch *amqp.Channel, exchange string) (*RabbitPublisher, error) {
	if err := DeclareTopology(ch, exchange); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	return &RabbitPublisher{ch: ch, exchange: exchange}, nil
}

// Publish sends body under routingKey and waits for the broker ack.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // survive broker restarts
		Body:         body,
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		pub,
	)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errors.New("publish nacked by broker")
	}
	return nil
}
