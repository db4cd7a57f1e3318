package usecase

import (
	"context"
	"time"

	domain "github.com/kstore/order-api/internal/entity"
)

// Store hands out transactions. fn's Tx is only valid inside fn; a nil return commits,
// anything else rolls back.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes the order workflow performs under one transaction.
type Tx interface {
	// LockCart returns the user's cart lines joined with catalog data. The cart rows
	// and the stock counters they reference stay locked until the transaction ends;
	// counters are locked in ascending id order.
	LockCart(ctx context.Context, userID int64) ([]domain.CartLine, error)
	GetAddress(ctx context.Context, addressID int64) (*domain.Address, error)
	InsertOrder(ctx context.Context, o *domain.Order) (int64, error)
	InsertOrderItem(ctx context.Context, item *domain.OrderItem) error
	// DecrementStock must return ErrInsufficientStock when the counter is below qty.
	DecrementStock(ctx context.Context, productID int64, variantID *int64, qty int) error
	RestockItem(ctx context.Context, productID int64, variantID *int64, qty int) error
	ClearCart(ctx context.Context, userID int64) (int64, error)
	AppendStatus(ctx context.Context, e domain.StatusHistoryEntry) error
	GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error)
	UpdateOrder(ctx context.Context, orderID int64, p OrderPatch) error
	OrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error)
	EnqueueOutbox(ctx context.Context, channel string, payload []byte) error
}

// OrderPatch lists the only order columns that may change after placement.
// Nil fields are left untouched.
type OrderPatch struct {
	Status         *domain.Status
	TrackingNumber *string
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CancelledAt    *time.Time
}

func (p OrderPatch) Empty() bool {
	return p.Status == nil && p.TrackingNumber == nil &&
		p.ShippedAt == nil && p.DeliveredAt == nil && p.CancelledAt == nil
}

type OrderRepo interface {
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, int64, error)
	ListAll(ctx context.Context, limit, offset int) ([]domain.Order, int64, error)
	// GetForUser loads the order with its shipping address and items.
	GetForUser(ctx context.Context, orderID, userID int64) (*domain.Order, error)
	GetByID(ctx context.Context, orderID int64) (*domain.Order, error)
	History(ctx context.Context, orderID int64) ([]domain.StatusHistoryEntry, error)
}

type CartRepo interface {
	Lines(ctx context.Context, userID int64) ([]domain.CartLine, error)
	ProductExists(ctx context.Context, productID int64, variantID *int64) (bool, error)
	Upsert(ctx context.Context, userID, productID int64, variantID *int64, qty int) error
	UpdateQuantity(ctx context.Context, userID, cartID int64, qty int) error
	Remove(ctx context.Context, userID, cartID int64) error
	Clear(ctx context.Context, userID int64) error
}

type OutboxMessage struct {
	ID         int64
	Channel    string
	Payload    []byte
	RetryCount int
}

type OutboxRepo interface {
	ClaimPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, next time.Time, lastErr string) error
}

type IdempotencyStore interface {
	TryLock(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
	Remember(ctx context.Context, scope, key, value string) error
	Recall(ctx context.Context, scope, key string) (string, bool, error)
}

type OrderCache interface {
	SetStatus(ctx context.Context, orderID, userID int64, status string) error
	// FillStatus writes only when no entry exists, so a read-through never
	// replaces a status written by a newer transition.
	FillStatus(ctx context.Context, orderID, userID int64, status string) error
	GetStatus(ctx context.Context, orderID int64) (userID int64, status string, ok bool, err error)
}

// Metrics receives order workflow outcomes.
type Metrics interface {
	OrderPlaced()
	PlacementFailed(reason string)
	StatusChanged(status string)
}

type noopMetrics struct{}

func (noopMetrics) OrderPlaced()           {}
func (noopMetrics) PlacementFailed(string) {}
func (noopMetrics) StatusChanged(string)   {}
