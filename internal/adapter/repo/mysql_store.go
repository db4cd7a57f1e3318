package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-sql-driver/mysql"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/usecase"
)

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// MySQLStore runs the order workflow inside database/sql transactions.
type MySQLStore struct{ db *sql.DB }

func NewMySQLStore(db *sql.DB) *MySQLStore { return &MySQLStore{db: db} }

func (s *MySQLStore) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		err = lockConflict(err)
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return lockConflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// lockConflict marks InnoDB deadlock victims and lock wait timeouts as retryable.
// The transaction has already been rolled back by the server in both cases.
func lockConflict(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlDeadlock || me.Number == mysqlLockWaitTimeout) {
		return fmt.Errorf("%w: %w", usecase.ErrTxConflict, err)
	}
	return err
}

type mysqlTx struct{ tx *sql.Tx }

const cartLinesQuery = `
SELECT c.id, c.user_id, c.product_id, c.variant_id, c.quantity,
       p.name, p.sku, p.price, p.stock_quantity,
       COALESCE(v.name, ''), COALESCE(v.sku, ''), v.price, v.stock_quantity
FROM cart c
JOIN products p ON p.id = c.product_id
LEFT JOIN product_variants v ON v.id = c.variant_id
WHERE c.user_id = ?
ORDER BY c.id`

// LockCart locks the user's cart rows, then the products and variants they
// reference in ascending id order. Every writer of catalog stock takes those
// locks in the same order.
func (t *mysqlTx) LockCart(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	lines, err := t.lockCartRows(ctx, userID)
	if err != nil || len(lines) == 0 {
		return lines, err
	}

	var products, variants []int64
	for _, l := range lines {
		products = append(products, l.ProductID)
		if l.VariantID != nil {
			variants = append(variants, *l.VariantID)
		}
	}
	if err := t.lockRows(ctx, "products", products); err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	if err := t.lockRows(ctx, "product_variants", variants); err != nil {
		return nil, fmt.Errorf("lock variants: %w", err)
	}
	return lines, nil
}

func (t *mysqlTx) lockCartRows(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	rows, err := t.tx.QueryContext(ctx, cartLinesQuery+` FOR UPDATE OF c`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCartLines(rows)
}

// lockRows takes row locks on table by primary key, lowest id first.
// table is always a literal from this package.
func (t *mysqlTx) lockRows(ctx context.Context, table string, ids []int64) error {
	ids = sortedIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT id FROM ` + table + ` WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `) ORDER BY id FOR UPDATE`
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
	}
	return rows.Err()
}

func sortedIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func (t *mysqlTx) GetAddress(ctx context.Context, addressID int64) (*domain.Address, error) {
	return getAddress(ctx, t.tx, addressID)
}

func (t *mysqlTx) InsertOrder(ctx context.Context, o *domain.Order) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO orders (order_number, user_id, subtotal, tax_amount, shipping_cost, discount_amount,
                    total_amount, status, shipping_address_id, billing_address_id,
                    payment_method, payment_status, shipping_method, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.OrderNumber, o.UserID, o.Subtotal, o.TaxAmount, o.ShippingCost, o.DiscountAmount,
		o.TotalAmount, string(o.Status), o.ShippingAddressID, nullInt64(o.BillingAddressID),
		o.PaymentMethod, o.PaymentStatus, o.ShippingMethod, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err, "order_number") {
			return 0, usecase.ErrDuplicateOrderNumber
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	o.ID = id
	return id, nil
}

func (t *mysqlTx) InsertOrderItem(ctx context.Context, it *domain.OrderItem) error {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO order_items (order_id, product_id, variant_id, product_name, sku, quantity, unit_price, total_price)
VALUES (?,?,?,?,?,?,?,?)`,
		it.OrderID, it.ProductID, nullInt64(it.VariantID), it.ProductName, it.SKU,
		it.Quantity, it.UnitPrice, it.TotalPrice,
	)
	if err != nil {
		return err
	}
	it.ID, err = res.LastInsertId()
	return err
}

// DecrementStock never lets a counter go below zero: the guard lives in the WHERE clause,
// so zero affected rows means the stock was short.
func (t *mysqlTx) DecrementStock(ctx context.Context, productID int64, variantID *int64, qty int) error {
	var (
		res sql.Result
		err error
	)
	if variantID != nil {
		res, err = t.tx.ExecContext(ctx, `
UPDATE product_variants SET stock_quantity = stock_quantity - ?
WHERE id = ? AND product_id = ? AND stock_quantity >= ?`, qty, *variantID, productID, qty)
	} else {
		res, err = t.tx.ExecContext(ctx, `
UPDATE products SET stock_quantity = stock_quantity - ?, updated_at = NOW()
WHERE id = ? AND stock_quantity >= ?`, qty, productID, qty)
	}
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return usecase.ErrInsufficientStock
	}
	return nil
}

func (t *mysqlTx) RestockItem(ctx context.Context, productID int64, variantID *int64, qty int) error {
	var err error
	if variantID != nil {
		_, err = t.tx.ExecContext(ctx, `
UPDATE product_variants SET stock_quantity = stock_quantity + ? WHERE id = ?`, qty, *variantID)
	} else {
		_, err = t.tx.ExecContext(ctx, `
UPDATE products SET stock_quantity = stock_quantity + ?, updated_at = NOW() WHERE id = ?`, qty, productID)
	}
	return err
}

func (t *mysqlTx) ClearCart(ctx context.Context, userID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cart WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *mysqlTx) AppendStatus(ctx context.Context, e domain.StatusHistoryEntry) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO order_status_history (order_id, status, notes, created_by, created_at)
VALUES (?,?,?,?,?)`,
		e.OrderID, string(e.Status), nullString(e.Notes), nullInt64(e.CreatedBy), e.CreatedAt)
	return err
}

func (t *mysqlTx) GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error) {
	row := t.tx.QueryRowContext(ctx, orderColumnsQuery+` WHERE o.id = ? FOR UPDATE`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usecase.NotFound("order")
	}
	return o, err
}

// UpdateOrder writes only the whitelisted columns set on the patch.
func (t *mysqlTx) UpdateOrder(ctx context.Context, orderID int64, p usecase.OrderPatch) error {
	if p.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if p.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*p.Status))
	}
	if p.TrackingNumber != nil {
		sets, args = append(sets, "tracking_number = ?"), append(args, *p.TrackingNumber)
	}
	if p.ShippedAt != nil {
		sets, args = append(sets, "shipped_at = ?"), append(args, *p.ShippedAt)
	}
	if p.DeliveredAt != nil {
		sets, args = append(sets, "delivered_at = ?"), append(args, *p.DeliveredAt)
	}
	if p.CancelledAt != nil {
		sets, args = append(sets, "cancelled_at = ?"), append(args, *p.CancelledAt)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, orderID)

	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return usecase.NotFound("order")
	}
	return nil
}

func (t *mysqlTx) OrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	return orderItems(ctx, t.tx, orderID)
}

func (t *mysqlTx) EnqueueOutbox(ctx context.Context, channel string, payload []byte) error {
	return insertOutbox(ctx, t.tx, channel, payload)
}

func isDuplicate(err error, key string) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != mysqlDuplicateEntry {
		return false
	}
	return key == "" || strings.Contains(me.Message, key)
}

var _ usecase.Store = (*MySQLStore)(nil)
