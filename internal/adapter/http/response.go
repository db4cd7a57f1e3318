package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	domain "github.com/kstore/order-api/internal/entity"
	"github.com/kstore/order-api/internal/logging"
	"github.com/kstore/order-api/internal/usecase"
)

// amount renders money as a JSON number with two decimals.
type amount domain.Money

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).StringFixed(2)), nil
}

func success(c *gin.Context, status int, data any, message string) {
	body := gin.H{"success": true}
	if message != "" {
		body["message"] = message
	}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

func paginated(c *gin.Context, data any, p usecase.Pagination) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data, "pagination": p})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// writeError is the single translation point from use case errors to HTTP.
func writeError(c *gin.Context, err error) {
	var (
		ve *usecase.ValidationError
		nf *usecase.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ve.Msg)
	case errors.Is(err, usecase.ErrEmptyCart):
		fail(c, http.StatusBadRequest, "Cart is empty")
	case errors.Is(err, usecase.ErrForbidden):
		fail(c, http.StatusForbidden, "Admin access required")
	case errors.As(err, &nf):
		fail(c, http.StatusNotFound, capitalize(nf.Error()))
	case errors.Is(err, usecase.ErrNotFound):
		fail(c, http.StatusNotFound, "Not found")
	case errors.Is(err, usecase.ErrInsufficientStock):
		fail(c, http.StatusConflict, capitalize(err.Error()))
	case errors.Is(err, domain.ErrInvalidTransition):
		fail(c, http.StatusConflict, capitalize(err.Error()))
	case errors.Is(err, usecase.ErrDuplicate):
		fail(c, http.StatusConflict, "Request with this idempotency key is already in progress")
	case errors.Is(err, usecase.ErrTxConflict):
		logging.From(c).Warn("request lost a lock conflict", "err", err)
		fail(c, http.StatusConflict, "Order could not be completed due to concurrent updates, please retry")
	default:
		logging.From(c).Error("request failed", "err", err)
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "Internal server error")
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
