package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/usecase"
)

type MySQLCartRepo struct{ db *sql.DB }

func NewMySQLCartRepo(db *sql.DB) *MySQLCartRepo { return &MySQLCartRepo{db: db} }

func (r *MySQLCartRepo) Lines(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	rows, err := r.db.QueryContext(ctx, cartLinesQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCartLines(rows)
}

func (r *MySQLCartRepo) ProductExists(ctx context.Context, productID int64, variantID *int64) (bool, error) {
	var n int
	var err error
	if variantID != nil {
		err = r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM product_variants v JOIN products p ON p.id = v.product_id
WHERE v.id = ? AND v.product_id = ? AND p.is_active = 1`, *variantID, productID).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM products WHERE id = ? AND is_active = 1`, productID).Scan(&n)
	}
	return n > 0, err
}

// Upsert relies on UNIQUE(user_id, product_id, variant_key) to accumulate quantity.
func (r *MySQLCartRepo) Upsert(ctx context.Context, userID, productID int64, variantID *int64, qty int) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO cart (user_id, product_id, variant_id, quantity)
VALUES (?,?,?,?)
ON DUPLICATE KEY UPDATE quantity = quantity + VALUES(quantity), updated_at = NOW()`,
		userID, productID, nullInt64(variantID), qty)
	return err
}

func (r *MySQLCartRepo) UpdateQuantity(ctx context.Context, userID, cartID int64, qty int) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE cart SET quantity = ?, updated_at = NOW() WHERE id = ? AND user_id = ?`, qty, cartID, userID)
	return expectRow(res, err, "cart item")
}

func (r *MySQLCartRepo) Remove(ctx context.Context, userID, cartID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cart WHERE id = ? AND user_id = ?`, cartID, userID)
	return expectRow(res, err, "cart item")
}

func (r *MySQLCartRepo) Clear(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cart WHERE user_id = ?`, userID)
	return err
}

func scanCartLines(rows *sql.Rows) ([]domain.CartLine, error) {
	lines := []domain.CartLine{}
	for rows.Next() {
		var (
			l            domain.CartLine
			variantID    sql.NullInt64
			productSKU   sql.NullString
			variantPrice decimal.NullDecimal
			variantStock sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.ProductID, &variantID, &l.Quantity,
			&l.ProductName, &productSKU, &l.ProductPrice, &l.ProductStock,
			&l.VariantName, &l.VariantSKU, &variantPrice, &variantStock); err != nil {
			return nil, err
		}
		l.VariantID = int64Ptr(variantID)
		l.ProductSKU = productSKU.String
		if variantPrice.Valid {
			p := variantPrice.Decimal
			l.VariantPrice = &p
		}
		if variantStock.Valid {
			s := int(variantStock.Int64)
			l.VariantStock = &s
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// expectRow maps "no row matched" to a NotFoundError for owner-scoped writes.
func expectRow(res sql.Result, err error, resource string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return usecase.NotFound(resource)
	}
	return nil
}

var _ usecase.CartRepo = (*MySQLCartRepo)(nil)
