package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/kstore/order-api/internal/entity"
)

type CartView struct {
	Lines []domain.CartLine
	Total domain.Money
}

type AddToCartInput struct {
	ProductID int64
	VariantID *int64
	Quantity  int
}

type Cart struct {
	repo CartRepo
}

func NewCart(repo CartRepo) *Cart {
	return &Cart{repo: repo}
}

func (uc *Cart) Get(ctx context.Context, userID int64) (CartView, error) {
	lines, err := uc.repo.Lines(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal())
	}
	return CartView{Lines: lines, Total: total}, nil
}

// Add upserts the (product, variant) line, accumulating quantity on an existing line.
func (uc *Cart) Add(ctx context.Context, userID int64, in AddToCartInput) error {
	if in.ProductID <= 0 {
		return Invalid("Product ID is required")
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity < 1 {
		return Invalid("Quantity must be at least 1")
	}
	ok, err := uc.repo.ProductExists(ctx, in.ProductID, in.VariantID)
	if err != nil {
		return fmt.Errorf("product lookup: %w", err)
	}
	if !ok {
		if in.VariantID != nil {
			return NotFound("product variant")
		}
		return NotFound("product")
	}
	return uc.repo.Upsert(ctx, userID, in.ProductID, in.VariantID, in.Quantity)
}

func (uc *Cart) Update(ctx context.Context, userID, cartID int64, qty int) error {
	if qty < 1 {
		return Invalid("Quantity must be at least 1")
	}
	return uc.repo.UpdateQuantity(ctx, userID, cartID, qty)
}

func (uc *Cart) Remove(ctx context.Context, userID, cartID int64) error {
	return uc.repo.Remove(ctx, userID, cartID)
}

func (uc *Cart) Clear(ctx context.Context, userID int64) error {
	return uc.repo.Clear(ctx, userID)
}
