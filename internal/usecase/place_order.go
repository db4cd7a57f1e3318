package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/logging"
)

// maxPlaceAttempts bounds reruns after an order number collision or a lock conflict.
const maxPlaceAttempts = 3

type PlaceOrderInput struct {
	UserID            int64
	ShippingAddressID int64
	BillingAddressID  *int64
	ShippingCost      domain.Money
	TaxAmount         domain.Money
	DiscountAmount    domain.Money
	PaymentMethod     string
	ShippingMethod    string
	IdempotencyKey    string
}

type PlaceOrder struct {
	store   Store
	idem    IdempotencyStore
	cache   OrderCache
	metrics Metrics
	now     func() time.Time
	number  func() (string, error)
}

type PlaceOrderOption func(*PlaceOrder)

func WithIdempotency(s IdempotencyStore) PlaceOrderOption {
	return func(uc *PlaceOrder) { uc.idem = s }
}

func WithStatusCache(c OrderCache) PlaceOrderOption {
	return func(uc *PlaceOrder) { uc.cache = c }
}

func WithMetrics(m Metrics) PlaceOrderOption {
	return func(uc *PlaceOrder) { uc.metrics = m }
}

func WithOrderNumbers(fn func() (string, error)) PlaceOrderOption {
	return func(uc *PlaceOrder) { uc.number = fn }
}

func WithClock(now func() time.Time) PlaceOrderOption {
	return func(uc *PlaceOrder) { uc.now = now }
}

func NewPlaceOrder(store Store, opts ...PlaceOrderOption) *PlaceOrder {
	uc := &PlaceOrder{
		store:   store,
		metrics: noopMetrics{},
		now:     time.Now,
		number:  domain.NewOrderNumber,
	}
	for _, o := range opts {
		o(uc)
	}
	return uc
}

func (uc *PlaceOrder) Execute(ctx context.Context, in PlaceOrderInput) (domain.OrderSummary, error) {
	log := logging.FromCtx(ctx).With(slog.Int64("user_id", in.UserID))

	if err := validatePlacement(in); err != nil {
		uc.metrics.PlacementFailed("validation")
		return domain.OrderSummary{}, err
	}

	scope := fmt.Sprintf("order:%d", in.UserID)
	key := strings.TrimSpace(in.IdempotencyKey)
	if uc.idem != nil && key != "" {
		// Fast path: idempotency recall
		if raw, ok, err := uc.idem.Recall(ctx, scope, key); err == nil && ok {
			var sum domain.OrderSummary
			if err := json.Unmarshal([]byte(raw), &sum); err == nil {
				return sum, nil
			}
		}
		ok, err := uc.idem.TryLock(ctx, scope, key)
		if err != nil {
			return domain.OrderSummary{}, fmt.Errorf("idempotency lock: %w", err)
		}
		if !ok {
			return domain.OrderSummary{}, ErrDuplicate
		}
	}

	var (
		sum domain.OrderSummary
		err error
	)
attempts:
	for attempt := 1; attempt <= maxPlaceAttempts; attempt++ {
		sum, err = uc.placeOnce(ctx, in)
		switch {
		case errors.Is(err, ErrDuplicateOrderNumber):
			log.Warn("order number collision", slog.Int("attempt", attempt))
		case errors.Is(err, ErrTxConflict):
			log.Warn("placement lost a lock conflict", slog.Int("attempt", attempt), slog.Any("err", err))
			if attempt < maxPlaceAttempts && conflictPause(ctx, attempt) != nil {
				break attempts
			}
		default:
			break attempts
		}
	}

	if err != nil {
		uc.metrics.PlacementFailed(failureReason(err))
		if uc.idem != nil && key != "" {
			if rerr := uc.idem.Release(context.WithoutCancel(ctx), scope, key); rerr != nil {
				log.Warn("idempotency release failed", slog.Any("err", rerr))
			}
		}
		if errors.Is(err, ErrDuplicateOrderNumber) || errors.Is(err, ErrTxConflict) {
			return domain.OrderSummary{}, fmt.Errorf("place order: %d attempts: %w", maxPlaceAttempts, err)
		}
		return domain.OrderSummary{}, err
	}

	uc.metrics.OrderPlaced()
	log.Info("order placed",
		slog.Int64("order_id", sum.OrderID),
		slog.String("order_number", sum.OrderNumber),
		slog.String("total", sum.TotalAmount.StringFixed(2)))

	if uc.idem != nil && key != "" {
		if b, err := json.Marshal(sum); err == nil {
			_ = uc.idem.Remember(ctx, scope, key, string(b))
		}
	}
	if uc.cache != nil {
		if err := uc.cache.SetStatus(ctx, sum.OrderID, in.UserID, string(domain.StatusPending)); err != nil {
			log.Debug("status cache write failed", slog.Any("err", err))
		}
	}
	return sum, nil
}

func (uc *PlaceOrder) placeOnce(ctx context.Context, in PlaceOrderInput) (domain.OrderSummary, error) {
	var sum domain.OrderSummary
	err := uc.store.WithinTx(ctx, func(tx Tx) error {
		if err := ownedAddress(ctx, tx, in.ShippingAddressID, in.UserID, "shipping address"); err != nil {
			return err
		}
		if in.BillingAddressID != nil {
			if err := ownedAddress(ctx, tx, *in.BillingAddressID, in.UserID, "billing address"); err != nil {
				return err
			}
		}

		lines, err := tx.LockCart(ctx, in.UserID)
		if err != nil {
			return fmt.Errorf("read cart: %w", err)
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		totals, err := domain.ComputeTotals(lines, domain.Charges{
			Shipping: in.ShippingCost,
			Tax:      in.TaxAmount,
			Discount: in.DiscountAmount,
		})
		if err != nil {
			return Invalid(err.Error())
		}

		number, err := uc.number()
		if err != nil {
			return fmt.Errorf("order number: %w", err)
		}

		now := uc.now().UTC()
		order := &domain.Order{
			OrderNumber:       number,
			UserID:            in.UserID,
			Subtotal:          totals.Subtotal,
			TaxAmount:         totals.Tax,
			ShippingCost:      totals.Shipping,
			DiscountAmount:    totals.Discount,
			TotalAmount:       totals.Total,
			Status:            domain.StatusPending,
			ShippingAddressID: in.ShippingAddressID,
			BillingAddressID:  in.BillingAddressID,
			PaymentMethod:     in.PaymentMethod,
			PaymentStatus:     "pending",
			ShippingMethod:    in.ShippingMethod,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		orderID, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}

		for _, l := range lines {
			item := l.Snapshot()
			item.OrderID = orderID
			if err := tx.InsertOrderItem(ctx, &item); err != nil {
				return fmt.Errorf("insert item for product %d: %w", l.ProductID, err)
			}
			if err := tx.DecrementStock(ctx, l.ProductID, l.VariantID, l.Quantity); err != nil {
				if errors.Is(err, ErrInsufficientStock) {
					return fmt.Errorf("%w for %s", ErrInsufficientStock, l.ProductName)
				}
				return err
			}
		}

		if _, err := tx.ClearCart(ctx, in.UserID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}

		actor := in.UserID
		if err := tx.AppendStatus(ctx, domain.StatusHistoryEntry{
			OrderID:   orderID,
			Status:    domain.StatusPending,
			Notes:     "Order created",
			CreatedBy: &actor,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("status history: %w", err)
		}

		payload, err := json.Marshal(OrderPlacedMsg{
			OrderID:     orderID,
			OrderNumber: number,
			UserID:      in.UserID,
			TotalAmount: totals.Total.StringFixed(2),
			ItemCount:   len(lines),
			PlacedAt:    now,
		})
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ChannelOrderPlaced, payload); err != nil {
			return fmt.Errorf("outbox: %w", err)
		}

		sum = domain.OrderSummary{OrderID: orderID, OrderNumber: number, TotalAmount: totals.Total}
		return nil
	})
	return sum, err
}

func validatePlacement(in PlaceOrderInput) error {
	if in.UserID <= 0 {
		return Invalid("user id is required")
	}
	if in.ShippingAddressID <= 0 {
		return Invalid("Shipping address is required")
	}
	if in.BillingAddressID != nil && *in.BillingAddressID <= 0 {
		return Invalid("billing address id must be positive")
	}
	for _, c := range []domain.Money{in.ShippingCost, in.TaxAmount, in.DiscountAmount} {
		if c.IsNegative() {
			return Invalid(domain.ErrNegativeCharge.Error())
		}
		// Columns are DECIMAL(10,2).
		if !c.Equal(c.Round(2)) {
			return Invalid("Amounts must have at most two decimal places")
		}
	}
	return nil
}

func ownedAddress(ctx context.Context, tx Tx, addressID, userID int64, what string) error {
	addr, err := tx.GetAddress(ctx, addressID)
	if errors.Is(err, ErrNotFound) || (err == nil && addr.UserID != userID) {
		return NotFound(what)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", what, err)
	}
	return nil
}

func failureReason(err error) string {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateOrderNumber):
		return "order_number_collision"
	case errors.Is(err, ErrTxConflict):
		return "conflict"
	case errors.As(err, &ve):
		return "validation"
	default:
		return "internal"
	}
}
