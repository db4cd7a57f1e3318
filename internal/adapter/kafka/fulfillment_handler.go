package kafka

import (
	"context"
	"errors"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/logging"
	"github.com/kstore/order-api/internal/usecase"
)

type FulfillmentApplier interface {
	ApplyFulfillmentEvent(ctx context.Context, ev usecase.FulfillmentEventMsg) error
}

type FulfillmentMetrics interface {
	FulfillmentEvent(result string)
}

// FulfillmentHandler applies carrier/warehouse updates to orders.
type FulfillmentHandler struct {
	orders  FulfillmentApplier
	metrics FulfillmentMetrics
}

func NewFulfillmentHandler(orders FulfillmentApplier, m FulfillmentMetrics) *FulfillmentHandler {
	return &FulfillmentHandler{orders: orders, metrics: m}
}

// Handle returns an error only for failures worth retrying. Events that can never
// apply (unknown order, bad status, backwards transition) are logged and dropped.
func (h *FulfillmentHandler) Handle(ctx context.Context, ev usecase.FulfillmentEventMsg) error {
	err := h.orders.ApplyFulfillmentEvent(ctx, ev)
	var ve *usecase.ValidationError
	switch {
	case err == nil:
		h.observe("applied")
		return nil
	case errors.As(err, &ve), errors.Is(err, usecase.ErrNotFound), errors.Is(err, domain.ErrInvalidTransition):
		logging.FromCtx(ctx).Warn("fulfillment event rejected", "status", ev.Status, "err", err)
		h.observe("rejected")
		return nil
	default:
		h.observe("error")
		return err
	}
}

func (h *FulfillmentHandler) observe(result string) {
	if h.metrics != nil {
		h.metrics.FulfillmentEvent(result)
	}
}
