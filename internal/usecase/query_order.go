package usecase

import (
	"context"
	"log/slog"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/logging"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

type Pagination struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int64 `json:"pages"`
}

// NewPagination clamps the requested window; zero or negative values fall back to defaults.
func NewPagination(page, perPage int) Pagination {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return Pagination{Page: page, PerPage: perPage}
}

func (p Pagination) Offset() int { return (p.Page - 1) * p.PerPage }

func (p Pagination) withTotal(total int64) Pagination {
	p.Total = total
	p.Pages = (total + int64(p.PerPage) - 1) / int64(p.PerPage)
	return p
}

type OrderPage struct {
	Orders     []domain.Order
	Pagination Pagination
}

type QueryOrder struct {
	repo  OrderRepo
	cache OrderCache
}

func NewQueryOrder(repo OrderRepo, cache OrderCache) *QueryOrder {
	return &QueryOrder{repo: repo, cache: cache}
}

func (uc *QueryOrder) ListOrders(ctx context.Context, userID int64, page, perPage int) (OrderPage, error) {
	p := NewPagination(page, perPage)
	orders, total, err := uc.repo.ListByUser(ctx, userID, p.PerPage, p.Offset())
	if err != nil {
		return OrderPage{}, err
	}
	return OrderPage{Orders: orders, Pagination: p.withTotal(total)}, nil
}

func (uc *QueryOrder) ListAllOrders(ctx context.Context, caller Caller, page, perPage int) (OrderPage, error) {
	if !caller.IsAdmin() {
		return OrderPage{}, ErrForbidden
	}
	p := NewPagination(page, perPage)
	orders, total, err := uc.repo.ListAll(ctx, p.PerPage, p.Offset())
	if err != nil {
		return OrderPage{}, err
	}
	return OrderPage{Orders: orders, Pagination: p.withTotal(total)}, nil
}

func (uc *QueryOrder) GetOrder(ctx context.Context, userID, orderID int64) (*domain.Order, error) {
	return uc.repo.GetForUser(ctx, orderID, userID)
}

func (uc *QueryOrder) GetOrderHistory(ctx context.Context, caller Caller, orderID int64) ([]domain.StatusHistoryEntry, error) {
	if _, err := uc.visible(ctx, caller, orderID); err != nil {
		return nil, err
	}
	return uc.repo.History(ctx, orderID)
}

// GetOrderStatus reads through the status cache and fills it on a miss.
func (uc *QueryOrder) GetOrderStatus(ctx context.Context, caller Caller, orderID int64) (domain.Status, error) {
	if uc.cache != nil {
		owner, st, ok, err := uc.cache.GetStatus(ctx, orderID)
		if err != nil {
			logging.FromCtx(ctx).Debug("status cache read failed", slog.Any("err", err))
		}
		if ok && (caller.IsAdmin() || owner == caller.UserID) {
			return domain.Status(st), nil
		}
	}
	o, err := uc.visible(ctx, caller, orderID)
	if err != nil {
		return "", err
	}
	if uc.cache != nil {
		if err := uc.cache.FillStatus(ctx, o.ID, o.UserID, string(o.Status)); err != nil {
			logging.FromCtx(ctx).Debug("status cache fill failed", slog.Any("err", err))
		}
	}
	return o.Status, nil
}

// visible loads the order header if the caller owns it or is an admin.
// Other users' orders look absent.
func (uc *QueryOrder) visible(ctx context.Context, caller Caller, orderID int64) (*domain.Order, error) {
	o, err := uc.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && o.UserID != caller.UserID {
		return nil, NotFound("order")
	}
	return o, nil
}
