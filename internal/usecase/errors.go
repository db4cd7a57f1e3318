package usecase

import (
	"errors"
	"fmt"

	domain "github.com/kstore/order-api/internal/entity"
)

var (
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("admin access required")
	ErrDuplicate            = errors.New("duplicate idempotency key")
	ErrDuplicateOrderNumber = errors.New("duplicate order number")

	// ErrTxConflict means the database aborted the transaction over a lock conflict.
	// Nothing was written and the whole transaction may be run again.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrStatusUnchanged is a rejected transition to the status the order already has.
	ErrStatusUnchanged = fmt.Errorf("%w: status unchanged", domain.ErrInvalidTransition)
)

// ValidationError carries a message that is safe to echo back to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Invalid(msg string) error { return &ValidationError{Msg: msg} }

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(resource string) error { return &NotFoundError{Resource: resource} }
