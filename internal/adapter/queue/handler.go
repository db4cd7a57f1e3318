package queue

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoison marks a delivery that can never succeed. The router drops it instead of requeueing.
var ErrPoison = errors.New("poison message")

// Handler processes a single delivery. It should be idempotent.
// Return nil => ACK; return error => NACK (requeue unless ErrPoison).
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}
