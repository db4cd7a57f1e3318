package usecase

import "time"

// Outbox channels double as RabbitMQ routing keys.
const (
	ChannelOrderPlaced        = "order.placed"
	ChannelOrderStatusChanged = "order.status_changed"
)

type OrderPlacedMsg struct {
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	UserID      int64     `json:"user_id"`
	TotalAmount string    `json:"total_amount"`
	ItemCount   int       `json:"item_count"`
	PlacedAt    time.Time `json:"placed_at"`
}

type OrderStatusChangedMsg struct {
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	UserID      int64     `json:"user_id"`
	From        string    `json:"from"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	ChangedBy   *int64    `json:"changed_by,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Sent by the warehouse / carrier integration on Kafka
type FulfillmentEventMsg struct {
	OrderID        int64  `json:"order_id"`
	Status         string `json:"status,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Note           string `json:"note,omitempty"`
}
