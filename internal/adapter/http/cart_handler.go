package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kstore/order-api/internal/usecase"
)

type CartService interface {
	Get(ctx context.Context, userID int64) (usecase.CartView, error)
	Add(ctx context.Context, userID int64, in usecase.AddToCartInput) error
	Update(ctx context.Context, userID, cartID int64, qty int) error
	Remove(ctx context.Context, userID, cartID int64) error
	Clear(ctx context.Context, userID int64) error
}

type CartHandler struct {
	cart CartService
}

func NewCartHandler(cart CartService) *CartHandler {
	return &CartHandler{cart: cart}
}

type cartItemResp struct {
	CartID        int64  `json:"cart_id"`
	ProductID     int64  `json:"product_id"`
	VariantID     *int64 `json:"variant_id"`
	Quantity      int    `json:"quantity"`
	ProductName   string `json:"product_name"`
	VariantName   string `json:"variant_name,omitempty"`
	SKU           string `json:"sku"`
	Price         amount `json:"price"`
	StockQuantity int    `json:"stock_quantity"`
	ItemTotal     amount `json:"item_total"`
}

type cartResp struct {
	Items []cartItemResp `json:"items"`
	Total amount         `json:"total"`
}

type addToCartReq struct {
	ProductID int64  `json:"product_id"`
	VariantID *int64 `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type updateCartReq struct {
	Quantity int `json:"quantity"`
}

func (h *CartHandler) GetCart(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	view, err := h.cart.Get(c.Request.Context(), cl.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := cartResp{Items: make([]cartItemResp, 0, len(view.Lines)), Total: amount(view.Total)}
	for _, l := range view.Lines {
		stock := l.ProductStock
		if l.VariantStock != nil {
			stock = *l.VariantStock
		}
		resp.Items = append(resp.Items, cartItemResp{
			CartID:        l.ID,
			ProductID:     l.ProductID,
			VariantID:     l.VariantID,
			Quantity:      l.Quantity,
			ProductName:   l.ProductName,
			VariantName:   l.VariantName,
			SKU:           l.EffectiveSKU(),
			Price:         amount(l.EffectivePrice()),
			StockQuantity: stock,
			ItemTotal:     amount(l.LineTotal()),
		})
	}
	success(c, http.StatusOK, resp, "")
}

func (h *CartHandler) AddToCart(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	var req addToCartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	err := h.cart.Add(c.Request.Context(), cl.UserID, usecase.AddToCartInput{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, nil, "Item added to cart")
}

func (h *CartHandler) UpdateCartLine(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateCartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.cart.Update(c.Request.Context(), cl.UserID, id, req.Quantity); err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, nil, "Cart updated")
}

func (h *CartHandler) RemoveCartLine(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.cart.Remove(c.Request.Context(), cl.UserID, id); err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, nil, "Item removed from cart")
}

func (h *CartHandler) ClearCart(c *gin.Context) {
	cl, ok := caller(c)
	if !ok {
		return
	}
	if err := h.cart.Clear(c.Request.Context(), cl.UserID); err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, nil, "Cart cleared")
}
