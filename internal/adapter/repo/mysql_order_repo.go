package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/usecase"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const orderColumnsQuery = `
SELECT o.id, o.order_number, o.user_id, o.subtotal, o.tax_amount, o.shipping_cost,
       o.discount_amount, o.total_amount, o.status, o.shipping_address_id, o.billing_address_id,
       o.payment_method, o.payment_status, o.shipping_method, o.tracking_number,
       o.shipped_at, o.delivered_at, o.cancelled_at, o.created_at, o.updated_at
FROM orders o`

type MySQLOrderRepo struct{ db *sql.DB }

func NewMySQLOrderRepo(db *sql.DB) *MySQLOrderRepo { return &MySQLOrderRepo{db: db} }

func (r *MySQLOrderRepo) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	orders, err := r.list(ctx, orderColumnsQuery+`
WHERE o.user_id = ? ORDER BY o.created_at DESC, o.id DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	return orders, total, err
}

func (r *MySQLOrderRepo) ListAll(ctx context.Context, limit, offset int) ([]domain.Order, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&total); err != nil {
		return nil, 0, err
	}
	orders, err := r.list(ctx, orderColumnsQuery+`
ORDER BY o.created_at DESC, o.id DESC LIMIT ? OFFSET ?`, limit, offset)
	return orders, total, err
}

func (r *MySQLOrderRepo) list(ctx context.Context, q string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (r *MySQLOrderRepo) GetByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, orderColumnsQuery+` WHERE o.id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usecase.NotFound("order")
	}
	return o, err
}

// GetForUser returns the order with its shipping address (nil if the address row is gone)
// and its item snapshots.
func (r *MySQLOrderRepo) GetForUser(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		orderColumnsQuery+` WHERE o.id = ? AND o.user_id = ?`, orderID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usecase.NotFound("order")
	}
	if err != nil {
		return nil, err
	}

	addr, err := getAddress(ctx, r.db, o.ShippingAddressID)
	switch {
	case err == nil:
		o.ShippingAddress = addr
	case !errors.Is(err, usecase.ErrNotFound):
		return nil, err
	}

	if o.Items, err = orderItems(ctx, r.db, orderID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *MySQLOrderRepo) History(ctx context.Context, orderID int64) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, order_id, status, notes, created_by, created_at
FROM order_status_history WHERE order_id = ? ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.StatusHistoryEntry{}
	for rows.Next() {
		var (
			e       domain.StatusHistoryEntry
			status  string
			notes   sql.NullString
			creator sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &status, &notes, &creator, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = domain.Status(status)
		e.Notes = notes.String
		e.CreatedBy = int64Ptr(creator)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOrder(s scanner) (*domain.Order, error) {
	var (
		o                                   domain.Order
		status                              string
		billing                             sql.NullInt64
		payMethod, shipMethod, tracking     sql.NullString
		shippedAt, deliveredAt, cancelledAt sql.NullTime
	)
	err := s.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Subtotal, &o.TaxAmount, &o.ShippingCost,
		&o.DiscountAmount, &o.TotalAmount, &status, &o.ShippingAddressID, &billing,
		&payMethod, &o.PaymentStatus, &shipMethod, &tracking,
		&shippedAt, &deliveredAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = domain.Status(status)
	o.BillingAddressID = int64Ptr(billing)
	o.PaymentMethod = payMethod.String
	o.ShippingMethod = shipMethod.String
	o.TrackingNumber = tracking.String
	o.ShippedAt = timePtr(shippedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CancelledAt = timePtr(cancelledAt)
	return &o, nil
}

func getAddress(ctx context.Context, q queryer, id int64) (*domain.Address, error) {
	var (
		a            domain.Address
		line2, state sql.NullString
		phone        sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT id, user_id, full_name, address_line1, address_line2, city, state, postal_code, country, phone
FROM addresses WHERE id = ?`, id).Scan(&a.ID, &a.UserID, &a.FullName, &a.AddressLine1, &line2,
		&a.City, &state, &a.PostalCode, &a.Country, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usecase.NotFound("address")
	}
	if err != nil {
		return nil, err
	}
	a.AddressLine2, a.State, a.Phone = line2.String, state.String, phone.String
	return &a, nil
}

func orderItems(ctx context.Context, q queryer, orderID int64) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, order_id, product_id, variant_id, product_name, sku, quantity, unit_price, total_price
FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.OrderItem{}
	for rows.Next() {
		var (
			it      domain.OrderItem
			variant sql.NullInt64
			sku     sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &variant, &it.ProductName, &sku,
			&it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, err
		}
		it.VariantID = int64Ptr(variant)
		it.SKU = sku.String
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ usecase.OrderRepo = (*MySQLOrderRepo)(nil)
