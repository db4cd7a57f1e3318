package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/kstore/order-api/internal/adapter/http/middleware"
	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/usecase"
)

type OrderPlacer interface {
	Execute(ctx context.Context, in usecase.PlaceOrderInput) (domain.OrderSummary, error)
}

type OrderReader interface {
	ListOrders(ctx context.Context, userID int64, page, perPage int) (usecase.OrderPage, error)
	ListAllOrders(ctx context.Context, caller usecase.Caller, page, perPage int) (usecase.OrderPage, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*domain.Order, error)
	GetOrderHistory(ctx context.Context, caller usecase.Caller, orderID int64) ([]domain.StatusHistoryEntry, error)
	GetOrderStatus(ctx context.Context, caller usecase.Caller, orderID int64) (domain.Status, error)
}

type OrderAdmin interface {
	UpdateStatus(ctx context.Context, caller usecase.Caller, orderID int64, p usecase.StatusPatch) (*domain.Order, error)
	UpdateTracking(ctx context.Context, caller usecase.Caller, orderID int64, tracking string) (*domain.Order, error)
}

type OrderHandler struct {
	place   OrderPlacer
	query   OrderReader
	admin   OrderAdmin
	timeout time.Duration
}

func NewOrderHandler(place OrderPlacer, query OrderReader, admin OrderAdmin, timeout time.Duration) *OrderHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OrderHandler{place: place, query: query, admin: admin, timeout: timeout}
}

type placeOrderReq struct {
	ShippingAddressID int64           `json:"shipping_address_id"`
	BillingAddressID  *int64          `json:"billing_address_id"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	PaymentMethod     string          `json:"payment_method"`
	ShippingMethod    string          `json:"shipping_method"`
}

type orderSummaryResp struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	TotalAmount amount `json:"total_amount"`
}

type orderListItem struct {
	OrderID       int64     `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	UserID        int64     `json:"user_id,omitempty"`
	TotalAmount   amount    `json:"total_amount"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	CreatedAt     time.Time `json:"created_at"`
}

type addressResp struct {
	FullName     string `json:"full_name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
	Phone        string `json:"phone"`
}

type orderItemResp struct {
	ProductID   int64  `json:"product_id"`
	VariantID   *int64 `json:"variant_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	UnitPrice   amount `json:"unit_price"`
	TotalPrice  amount `json:"total_price"`
}

type orderDetailResp struct {
	OrderID         int64           `json:"order_id"`
	OrderNumber     string          `json:"order_number"`
	Subtotal        amount          `json:"subtotal"`
	TaxAmount       amount          `json:"tax_amount"`
	ShippingCost    amount          `json:"shipping_cost"`
	DiscountAmount  amount          `json:"discount_amount"`
	TotalAmount     amount          `json:"total_amount"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"payment_status"`
	PaymentMethod   string          `json:"payment_method"`
	ShippingMethod  string          `json:"shipping_method"`
	TrackingNumber  string          `json:"tracking_number"`
	CreatedAt       time.Time       `json:"created_at"`
	ShippedAt       *time.Time      `json:"shipped_at"`
	DeliveredAt     *time.Time      `json:"delivered_at"`
	CancelledAt     *time.Time      `json:"cancelled_at"`
	ShippingAddress *addressResp    `json:"shipping_address"`
	Items           []orderItemResp `json:"items"`
}

type historyResp struct {
	Status    string    `json:"status"`
	Notes     string    `json:"notes"`
	CreatedBy *int64    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type statusReq struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type trackingReq struct {
	TrackingNumber string `json:"tracking_number"`
}

func caller(c *gin.Context) (usecase.Caller, bool) {
	cl, ok := middleware.CallerFrom(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "Authentication required")
	}
	return cl, ok
}

// PlaceOrder handler: translate to use case input
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	var req placeOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	sum, err := h.place.Execute(ctx, usecase.PlaceOrderInput{
		UserID:            cl.UserID,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		ShippingCost:      req.ShippingCost,
		TaxAmount:         req.TaxAmount,
		DiscountAmount:    req.DiscountAmount,
		PaymentMethod:     req.PaymentMethod,
		ShippingMethod:    req.ShippingMethod,
		IdempotencyKey:    c.GetHeader("X-Idempotency-Key"), // prevent duplicated requests
	})
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusCreated, orderSummaryResp{
		OrderID:     sum.OrderID,
		OrderNumber: sum.OrderNumber,
		TotalAmount: amount(sum.TotalAmount),
	}, "Order created successfully")
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	page, err := h.query.ListOrders(c.Request.Context(), cl.UserID, queryInt(c, "page", 1), queryInt(c, "per_page", 10))
	if err != nil {
		writeError(c, err)
		return
	}
	paginated(c, listItems(page.Orders, false), page.Pagination)
}

func (h *OrderHandler) ListAllOrders(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	page, err := h.query.ListAllOrders(c.Request.Context(), cl, queryInt(c, "page", 1), queryInt(c, "per_page", 10))
	if err != nil {
		writeError(c, err)
		return
	}
	paginated(c, listItems(page.Orders, true), page.Pagination)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.query.GetOrder(c.Request.Context(), cl.UserID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, detail(o), "")
}

func (h *OrderHandler) GetOrderHistory(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	entries, err := h.query.GetOrderHistory(c.Request.Context(), cl, id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]historyResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResp{Status: string(e.Status), Notes: e.Notes, CreatedBy: e.CreatedBy, CreatedAt: e.CreatedAt})
	}
	success(c, http.StatusOK, out, "")
}

func (h *OrderHandler) GetOrderStatus(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := h.query.GetOrderStatus(c.Request.Context(), cl, id)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"order_id": id, "status": st}, "")
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	o, err := h.admin.UpdateStatus(c.Request.Context(), cl, id, usecase.StatusPatch{Status: req.Status, Notes: req.Notes})
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"order_id": o.ID, "status": o.Status}, "Order status updated")
}

func (h *OrderHandler) UpdateTracking(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req trackingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	o, err := h.admin.UpdateTracking(c.Request.Context(), cl, id, req.TrackingNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"order_id": o.ID, "tracking_number": o.TrackingNumber}, "Tracking number updated")
}

func listItems(orders []domain.Order, withUser bool) []orderListItem {
	out := make([]orderListItem, 0, len(orders))
	for _, o := range orders {
		it := orderListItem{
			OrderID:       o.ID,
			OrderNumber:   o.OrderNumber,
			TotalAmount:   amount(o.TotalAmount),
			Status:        string(o.Status),
			PaymentStatus: o.PaymentStatus,
			CreatedAt:     o.CreatedAt,
		}
		if withUser {
			it.UserID = o.UserID
		}
		out = append(out, it)
	}
	return out
}

func detail(o *domain.Order) orderDetailResp {
	resp := orderDetailResp{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		Subtotal:       amount(o.Subtotal),
		TaxAmount:      amount(o.TaxAmount),
		ShippingCost:   amount(o.ShippingCost),
		DiscountAmount: amount(o.DiscountAmount),
		TotalAmount:    amount(o.TotalAmount),
		Status:         string(o.Status),
		PaymentStatus:  o.PaymentStatus,
		PaymentMethod:  o.PaymentMethod,
		ShippingMethod: o.ShippingMethod,
		TrackingNumber: o.TrackingNumber,
		CreatedAt:      o.CreatedAt,
		ShippedAt:      o.ShippedAt,
		DeliveredAt:    o.DeliveredAt,
		CancelledAt:    o.CancelledAt,
		Items:          make([]orderItemResp, 0, len(o.Items)),
	}
	if a := o.ShippingAddress; a != nil {
		resp.ShippingAddress = &addressResp{
			FullName:     a.FullName,
			AddressLine1: a.AddressLine1,
			AddressLine2: a.AddressLine2,
			City:         a.City,
			State:        a.State,
			PostalCode:   a.PostalCode,
			Country:      a.Country,
			Phone:        a.Phone,
		}
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResp{
			ProductID:   it.ProductID,
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			UnitPrice:   amount(it.UnitPrice),
			TotalPrice:  amount(it.TotalPrice),
		})
	}
	return resp
}
