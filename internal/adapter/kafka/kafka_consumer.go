package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/kstore/order-api/internal/logging"
	"github.com/kstore/order-api/internal/usecase"
)

// HandlerFunc processes a decoded fulfillment event.
type HandlerFunc func(ctx context.Context, ev usecase.FulfillmentEventMsg) error

// Consumer consumes a topic with a single handler.
type Consumer struct {
	Group  sarama.ConsumerGroup
	Topics []string
	Handle HandlerFunc
	Logger *slog.Logger
}

func NewConsumer(group sarama.ConsumerGroup, topics []string, h HandlerFunc) *Consumer {
	return &Consumer{
		Group:  group,
		Topics: topics,
		Handle: h,
		Logger: logging.New("kafka-consumer"),
	}
}

// Start blocks until ctx is cancelled or the group fails.
func (c *Consumer) Start(ctx context.Context) error {
	handler := &cgHandler{handle: c.Handle, logger: c.Logger, retryBase: 500 * time.Millisecond, retryMax: 30 * time.Second}
	for {
		if err := c.Group.Consume(ctx, c.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		// When Consume returns, it’s because ctx was cancelled or a rebalance happened.
		if ctx.Err() != nil {
			return nil
		}
	}
}

type cgHandler struct {
	handle    HandlerFunc
	logger    *slog.Logger
	retryBase time.Duration
	retryMax  time.Duration
}

func (h *cgHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *cgHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *cgHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		l := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		var ev usecase.FulfillmentEventMsg
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			l.Error("kafka decode error", "err", err)
			// mark to avoid reprocessing poison
			sess.MarkMessage(msg, "decode-error")
			continue
		}
		ctx := logging.WithCtx(sess.Context(), l.With("order_id", ev.OrderID))
		if !h.handleWithRetry(ctx, l, msg, ev) {
			// Session is over; the offset stays uncommitted and is redelivered to the next owner.
			return nil
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// handleWithRetry keeps retrying a failed event with capped exponential backoff.
// Offsets are committed in order, so a failed message must not be passed over.
// It reports false when ctx ends before the handler succeeds.
func (h *cgHandler) handleWithRetry(ctx context.Context, l *slog.Logger, msg *sarama.ConsumerMessage, ev usecase.FulfillmentEventMsg) bool {
	wait := h.retryBase
	for attempt := 1; ; attempt++ {
		err := h.handle(ctx, ev)
		if err == nil {
			return true
		}
		l.Error("handler error", "key", string(msg.Key), "attempt", attempt, "retry_in", wait, "err", err)
		if ctx.Err() != nil {
			return false
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		wait *= 2
		if h.retryMax > 0 && wait > h.retryMax {
			wait = h.retryMax
		}
	}
}
