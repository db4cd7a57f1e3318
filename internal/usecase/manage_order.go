package usecase

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/logging"
)

type StatusPatch struct {
	Status string
	Notes  string
}

// ManageOrder applies admin and system driven changes to placed orders.
type ManageOrder struct {
	store   Store
	cache   OrderCache
	metrics Metrics
	now     func() time.Time
}

func NewManageOrder(store Store, cache OrderCache, metrics Metrics) *ManageOrder {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ManageOrder{store: store, cache: cache, metrics: metrics, now: time.Now}
}

// UpdateStatus moves an order along its lifecycle on behalf of an admin.
func (uc *ManageOrder) UpdateStatus(ctx context.Context, caller Caller, orderID int64, p StatusPatch) (*domain.Order, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(p.Status) == "" {
		return nil, Invalid("Status is required")
	}
	to, err := domain.ParseStatus(p.Status)
	if err != nil {
		return nil, Invalid("Invalid status")
	}
	actor := caller.UserID
	return uc.transition(ctx, orderID, to, p.Notes, &actor)
}

func (uc *ManageOrder) UpdateTracking(ctx context.Context, caller Caller, orderID int64, tracking string) (*domain.Order, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	tracking = strings.TrimSpace(tracking)
	if tracking == "" {
		return nil, Invalid("Tracking number is required")
	}
	var out *domain.Order
	err := withinTxRetry(ctx, uc.store, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, orderID, OrderPatch{TrackingNumber: &tracking}); err != nil {
			return err
		}
		o.TrackingNumber = tracking
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.FromCtx(ctx).Info("tracking number set",
		slog.Int64("order_id", orderID), slog.String("tracking", tracking))
	return out, nil
}

// ApplyFulfillmentEvent records a carrier or warehouse update. Tracking number and
// status change commit together. Events that change nothing are ignored so
// redelivery is harmless.
func (uc *ManageOrder) ApplyFulfillmentEvent(ctx context.Context, ev FulfillmentEventMsg) error {
	if ev.OrderID <= 0 {
		return Invalid("order_id is required")
	}
	var to domain.Status
	if raw := strings.TrimSpace(ev.Status); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return Invalid("Invalid status")
		}
		to = st
	}
	tracking := strings.TrimSpace(ev.TrackingNumber)
	if to == "" && tracking == "" {
		return nil
	}
	note := ev.Note
	if note == "" {
		note = "Fulfillment update"
	}

	var (
		out  *domain.Order
		from domain.Status
	)
	err := withinTxRetry(ctx, uc.store, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		from = o.Status

		var patch OrderPatch
		if tracking != "" && tracking != o.TrackingNumber {
			patch.TrackingNumber = &tracking
			o.TrackingNumber = tracking
		}
		if to != "" && to != from {
			if err := uc.stageStatus(ctx, tx, o, to, &patch); err != nil {
				return err
			}
		}
		if patch.Empty() {
			return ErrStatusUnchanged
		}
		if err := tx.UpdateOrder(ctx, ev.OrderID, patch); err != nil {
			return err
		}
		if patch.Status != nil {
			if err := recordStatus(ctx, tx, o, from, note, nil); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if errors.Is(err, ErrStatusUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if out.Status != from {
		uc.statusChanged(ctx, out, from)
	}
	return nil
}

func (uc *ManageOrder) transition(ctx context.Context, orderID int64, to domain.Status, notes string, actor *int64) (*domain.Order, error) {
	var (
		out  *domain.Order
		from domain.Status
	)
	err := withinTxRetry(ctx, uc.store, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		if from == to {
			return ErrStatusUnchanged
		}
		var patch OrderPatch
		if err := uc.stageStatus(ctx, tx, o, to, &patch); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, orderID, patch); err != nil {
			return err
		}
		if err := recordStatus(ctx, tx, o, from, notes, actor); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	uc.statusChanged(ctx, out, from)
	return out, nil
}

// stageStatus checks the move to `to`, restocks a cancelled order and fills the
// status columns of patch. o is updated to match.
func (uc *ManageOrder) stageStatus(ctx context.Context, tx Tx, o *domain.Order, to domain.Status, patch *OrderPatch) error {
	if !domain.CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, o.Status, to)
	}
	now := uc.now().UTC()
	patch.Status = &to
	switch to {
	case domain.StatusShipped:
		patch.ShippedAt = &now
		o.ShippedAt = &now
	case domain.StatusDelivered:
		patch.DeliveredAt = &now
		o.DeliveredAt = &now
	case domain.StatusCancelled:
		patch.CancelledAt = &now
		o.CancelledAt = &now
		items, err := tx.OrderItems(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("load items: %w", err)
		}
		for _, it := range restockOrder(items) {
			if err := tx.RestockItem(ctx, it.ProductID, it.VariantID, it.Quantity); err != nil {
				return fmt.Errorf("restock product %d: %w", it.ProductID, err)
			}
		}
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// recordStatus appends the history row and the status_changed event for a
// change already staged on o.
func recordStatus(ctx context.Context, tx Tx, o *domain.Order, from domain.Status, notes string, actor *int64) error {
	if err := tx.AppendStatus(ctx, domain.StatusHistoryEntry{
		OrderID:   o.ID,
		Status:    o.Status,
		Notes:     notes,
		CreatedBy: actor,
		CreatedAt: o.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("status history: %w", err)
	}

	payload, err := json.Marshal(OrderStatusChangedMsg{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		From:        string(from),
		Status:      string(o.Status),
		Notes:       notes,
		ChangedBy:   actor,
		ChangedAt:   o.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := tx.EnqueueOutbox(ctx, ChannelOrderStatusChanged, payload); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}

func (uc *ManageOrder) statusChanged(ctx context.Context, o *domain.Order, from domain.Status) {
	uc.metrics.StatusChanged(string(o.Status))
	logging.FromCtx(ctx).Info("order status changed",
		slog.Int64("order_id", o.ID),
		slog.String("from", string(from)),
		slog.String("to", string(o.Status)))
	if uc.cache != nil {
		if err := uc.cache.SetStatus(ctx, o.ID, o.UserID, string(o.Status)); err != nil {
			logging.FromCtx(ctx).Debug("status cache write failed", slog.Any("err", err))
		}
	}
}

// restockOrder sorts items so product rows are touched before variant rows,
// each by ascending id. Placement locks the catalog in the same order.
func restockOrder(items []domain.OrderItem) []domain.OrderItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b domain.OrderItem) int {
		switch {
		case a.VariantID == nil && b.VariantID == nil:
			return cmp.Compare(a.ProductID, b.ProductID)
		case a.VariantID == nil:
			return -1
		case b.VariantID == nil:
			return 1
		default:
			return cmp.Compare(*a.VariantID, *b.VariantID)
		}
	})
	return out
}
