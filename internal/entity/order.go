package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// rank orders the forward path; cancelled sits outside it.
var rank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusShipped:    2,
	StatusDelivered:  3,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := rank[st]; ok || st == StatusCancelled {
		return st, nil
	}
	return "", ErrInvalidStatus
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition allows forward moves along pending -> processing -> shipped -> delivered
// (skipping steps is fine) and cancellation from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	fr, ok := rank[from]
	if !ok {
		return false
	}
	tr, ok := rank[to]
	return ok && tr > fr
}

type Money = decimal.Decimal

type Order struct {
	ID                int64
	OrderNumber       string
	UserID            int64
	Subtotal          Money
	TaxAmount         Money
	ShippingCost      Money
	DiscountAmount    Money
	TotalAmount       Money
	Status            Status
	ShippingAddressID int64
	BillingAddressID  *int64
	PaymentMethod     string
	PaymentStatus     string
	ShippingMethod    string
	TrackingNumber    string
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	ShippingAddress *Address
	Items           []OrderItem
}

// OrderItem is a snapshot of a cart line taken when the order was placed.
// It never references live catalog prices or names.
type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	VariantID   *int64
	ProductName string
	SKU         string
	Quantity    int
	UnitPrice   Money
	TotalPrice  Money
}

type StatusHistoryEntry struct {
	ID        int64
	OrderID   int64
	Status    Status
	Notes     string
	CreatedBy *int64
	CreatedAt time.Time
}

type Address struct {
	ID           int64
	UserID       int64
	FullName     string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
	Phone        string
}

type OrderSummary struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	TotalAmount Money  `json:"total_amount"`
}

// NewOrderNumber returns "ORD-" followed by 12 upper-case hex characters.
// Uniqueness is enforced by the storage layer, not here.
func NewOrderNumber() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ORD-" + strings.ToUpper(hex.EncodeToString(b)), nil
}
