package queue

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/kstore/order-api/internal/logging"
	"github.com/kstore/order-api/internal/usecase"
)

// Notifier delivers a rendered message to the shop admins.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type NotificationMetrics interface {
	NotificationSent(event, result string)
}

// NotificationHandler turns order events into admin notifications.
// Delivery failures are logged and swallowed so the message is still acked.
type NotificationHandler struct {
	notifier Notifier
	metrics  NotificationMetrics
}

func NewNotificationHandler(n Notifier, m NotificationMetrics) *NotificationHandler {
	return &NotificationHandler{notifier: n, metrics: m}
}

func (h *NotificationHandler) HandlePlaced(ctx context.Context, msg usecase.OrderPlacedMsg) error {
	if msg.OrderID == 0 {
		return fmt.Errorf("%w: order_id missing", ErrPoison)
	}
	text := fmt.Sprintf(
		"🛒 <b>New order</b> %s\n<b>Customer:</b> #%d\n<b>Items:</b> %d\n<b>Total:</b> %s",
		html.EscapeString(msg.OrderNumber), msg.UserID, msg.ItemCount, html.EscapeString(msg.TotalAmount),
	)
	h.send(ctx, usecase.ChannelOrderPlaced, msg.OrderID, text)
	return nil
}

func (h *NotificationHandler) HandleStatusChanged(ctx context.Context, msg usecase.OrderStatusChangedMsg) error {
	if msg.OrderID == 0 {
		return fmt.Errorf("%w: order_id missing", ErrPoison)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📦 <b>Order</b> %s\n<b>Status:</b> %s → %s",
		html.EscapeString(msg.OrderNumber), html.EscapeString(msg.From), html.EscapeString(msg.Status))
	if msg.Notes != "" {
		fmt.Fprintf(&b, "\n<b>Note:</b> %s", html.EscapeString(msg.Notes))
	}
	h.send(ctx, usecase.ChannelOrderStatusChanged, msg.OrderID, b.String())
	return nil
}

func (h *NotificationHandler) send(ctx context.Context, event string, orderID int64, text string) {
	result := "ok"
	if err := h.notifier.Notify(ctx, text); err != nil {
		result = "error"
		logging.FromCtx(ctx).Warn("notification failed", "event", event, "order_id", orderID, "err", err)
	}
	if h.metrics != nil {
		h.metrics.NotificationSent(event, result)
	}
}
