package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeCharge = errors.New("shipping, tax and discount must not be negative")
	ErrNegativeTotal  = errors.New("discount exceeds order amount")
)

// CartLine is a cart row joined with the product and (optional) variant it points at.
type CartLine struct {
	ID        int64
	UserID    int64
	ProductID int64
	VariantID *int64
	Quantity  int

	ProductName  string
	ProductSKU   string
	ProductPrice Money
	ProductStock int

	VariantName  string
	VariantSKU   string
	VariantPrice *Money
	VariantStock *int
}

// EffectivePrice is the variant price when the line references a priced variant,
// otherwise the base product price.
func (l CartLine) EffectivePrice() Money {
	if l.VariantID != nil && l.VariantPrice != nil {
		return *l.VariantPrice
	}
	return l.ProductPrice
}

func (l CartLine) EffectiveSKU() string {
	if l.VariantID != nil && l.VariantSKU != "" {
		return l.VariantSKU
	}
	return l.ProductSKU
}

func (l CartLine) LineTotal() Money {
	return l.EffectivePrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot copies the line into an order item detached from the catalog row.
func (l CartLine) Snapshot() OrderItem {
	return OrderItem{
		ProductID:   l.ProductID,
		VariantID:   l.VariantID,
		ProductName: l.ProductName,
		SKU:         l.EffectiveSKU(),
		Quantity:    l.Quantity,
		UnitPrice:   l.EffectivePrice(),
		TotalPrice:  l.LineTotal(),
	}
}

type Charges struct {
	Shipping Money
	Tax      Money
	Discount Money
}

type Totals struct {
	Subtotal Money
	Shipping Money
	Tax      Money
	Discount Money
	Total    Money
}

// ComputeTotals sums the cart and applies charges:
// total = subtotal + shipping + tax - discount.
func ComputeTotals(lines []CartLine, ch Charges) (Totals, error) {
	if ch.Shipping.IsNegative() || ch.Tax.IsNegative() || ch.Discount.IsNegative() {
		return Totals{}, ErrNegativeCharge
	}
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.LineTotal())
	}
	total := subtotal.Add(ch.Shipping).Add(ch.Tax).Sub(ch.Discount)
	if total.IsNegative() {
		return Totals{}, ErrNegativeTotal
	}
	return Totals{
		Subtotal: subtotal,
		Shipping: ch.Shipping,
		Tax:      ch.Tax,
		Discount: ch.Discount,
		Total:    total,
	}, nil
}
