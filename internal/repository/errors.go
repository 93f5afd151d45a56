package repository

import "errors"

var (
	ErrIdempotencyKeyNotFound  = errors.New("no checkout session for idempotency key")
	ErrSessionNotFound         = errors.New("checkout session not found")
	ErrSessionConflict         = errors.New("checkout session was advanced by a concurrent run")
	ErrDuplicateIdempotencyKey = errors.New("checkout session already exists for idempotency key")
	ErrOrderNotFound           = errors.New("order not found")
	ErrIllegalOrderTransition  = errors.New("illegal order status transition")
)
