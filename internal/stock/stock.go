package stock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReservationStatus represents the state of a stock reservation
type ReservationStatus string

const (
	StatusHeld      ReservationStatus = "HELD"
	StatusCommitted ReservationStatus = "COMMITTED"
	StatusReleased  ReservationStatus = "RELEASED"
	StatusExpired   ReservationStatus = "EXPIRED"
)

// ReservationItem represents a single SKU hold within a reservation
type ReservationItem struct {
	SKU      string
	Quantity int32
}

// Reservation aggregates all lines of one checkout attempt. It is created
// atomically: either every item is held or none are.
type Reservation struct {
	ID         string
	CheckoutID string
	Items      []ReservationItem
	Status     ReservationStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// IsExpired checks if the reservation has passed its TTL
func (r *Reservation) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// StockInfo contains stock counters for a SKU
type StockInfo struct {
	SKU      string
	Total    int32 // Total stock in inventory
	Reserved int32 // Currently held (pending checkout)
}

// Available returns the sellable stock (total - reserved)
func (s StockInfo) Available() int32 {
	return s.Total - s.Reserved
}

var (
	ErrSKUNotFound         = errors.New("sku not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationNotHeld  = errors.New("reservation is no longer held")
)

// InsufficientError reports the first SKU whose available count could not
// cover the requested quantity. The whole reservation is rejected.
type InsufficientError struct {
	SKU string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s", e.SKU)
}

// UnknownSKUError reports a reservation line for a SKU the ledger has no
// record of. Matches ErrSKUNotFound in errors.Is checks.
type UnknownSKUError struct {
	SKU string
}

func (e *UnknownSKUError) Error() string {
	return fmt.Sprintf("sku %s not found", e.SKU)
}

func (e *UnknownSKUError) Is(target error) bool {
	return target == ErrSKUNotFound
}

// Ledger owns per-SKU availability and reservation lifecycle.
//
// Reserve is all-or-nothing across the item set. Release and Commit are
// idempotent: releasing a released/committed reservation and committing a
// committed one are no-ops. Committing a reservation that expired or was
// released fails with ErrReservationNotHeld.
type Ledger interface {
	Reserve(ctx context.Context, checkoutID string, items []ReservationItem) (*Reservation, error)
	Release(ctx context.Context, reservationID string) error
	Commit(ctx context.Context, reservationID string) error
	GetStock(ctx context.Context, skus []string) ([]StockInfo, error)
	SetStock(ctx context.Context, sku string, quantity int32) error
}
