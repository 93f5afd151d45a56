package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes surfaced to the caller and persisted in a session's
// last_error column so that replays of a failed checkout report the same
// outcome.
const (
	CodeEmptyCart         = "EMPTY_CART"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodePaymentDeclined   = "PAYMENT_DECLINED"
	CodeCheckoutFailed    = "CHECKOUT_FAILED"
)

var (
	ErrEmptyCart       = errors.New("cart is empty, nothing to checkout")
	ErrPaymentDeclined = errors.New("payment was declined")
	ErrCheckoutFailed  = errors.New("checkout failed after compensation")
)

// InsufficientStockError carries the first SKU that could not be reserved.
type InsufficientStockError struct {
	SKU string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s", e.SKU)
}

// ErrorCode maps a checkout error to its persisted code.
func ErrorCode(err error) string {
	var insufficient *InsufficientStockError
	switch {
	case errors.Is(err, ErrEmptyCart):
		return CodeEmptyCart
	case errors.As(err, &insufficient):
		return CodeInsufficientStock + ":" + insufficient.SKU
	case errors.Is(err, ErrPaymentDeclined):
		return CodePaymentDeclined
	default:
		return CodeCheckoutFailed
	}
}

// ErrorFromCode is the inverse of ErrorCode, used when replaying the
// recorded outcome of an already-failed session.
func ErrorFromCode(code string) error {
	if sku, ok := strings.CutPrefix(code, CodeInsufficientStock+":"); ok {
		return &InsufficientStockError{SKU: sku}
	}
	switch code {
	case CodeEmptyCart:
		return ErrEmptyCart
	case CodePaymentDeclined:
		return ErrPaymentDeclined
	default:
		return ErrCheckoutFailed
	}
}
