package stock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultReservationTTL is how long a hold is valid before auto-expiring.
	// It must exceed the checkout saga's end-to-end budget with margin.
	DefaultReservationTTL = 5 * time.Minute

	// CleanupInterval is how often the background reaper runs
	CleanupInterval = 30 * time.Second
)

// MemoryStore implements Ledger with in-memory storage. Used in tests and
// as a non-durable backend for local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	stocks       map[string]*StockInfo   // sku -> counters
	reservations map[string]*Reservation // reservationID -> reservation
	ttl          time.Duration

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

// NewMemoryStore creates a new in-memory ledger and starts its reaper
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		stocks:       make(map[string]*StockInfo),
		reservations: make(map[string]*Reservation),
		ttl:          DefaultReservationTTL,
		stopCleanup:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireReservations()
		case <-s.stopCleanup:
			return
		}
	}
}

// expireReservations returns held stock from reservations past their TTL
func (s *MemoryStore) expireReservations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reservation := range s.reservations {
		if reservation.Status == StatusHeld && reservation.IsExpired() {
			reservation.Status = StatusExpired
			for _, item := range reservation.Items {
				s.stocks[item.SKU].Reserved -= item.Quantity
			}
		}
	}
}

func (s *MemoryStore) GetStock(_ context.Context, skus []string) ([]StockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]StockInfo, 0, len(skus))
	for _, sku := range skus {
		if info, exists := s.stocks[sku]; exists {
			result = append(result, *info)
		}
	}
	return result, nil
}

// Reserve holds stock for every item or for none. The single mutex makes
// the validate-all-then-apply-all sequence atomic, so concurrent callers
// contending for one SKU can never jointly exceed its availability.
func (s *MemoryStore) Reserve(_ context.Context, checkoutID string, items []ReservationItem) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate all items have sufficient stock
	for _, item := range items {
		info, exists := s.stocks[item.SKU]
		if !exists {
			return nil, &UnknownSKUError{SKU: item.SKU}
		}
		if info.Available() < item.Quantity {
			return nil, &InsufficientError{SKU: item.SKU}
		}
	}

	// Second pass: hold stock for all items
	for _, item := range items {
		s.stocks[item.SKU].Reserved += item.Quantity
	}

	now := time.Now()
	reservation := &Reservation{
		ID:         uuid.New().String(),
		CheckoutID: checkoutID,
		Items:      items,
		Status:     StatusHeld,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.reservations[reservation.ID] = reservation
	return reservation, nil
}

// Commit finalizes a reservation after successful payment
func (s *MemoryStore) Commit(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, exists := s.reservations[reservationID]
	if !exists {
		return ErrReservationNotFound
	}

	switch reservation.Status {
	case StatusCommitted:
		return nil // already committed, retry-safe
	case StatusReleased, StatusExpired:
		return ErrReservationNotHeld
	}

	if reservation.IsExpired() {
		// Held past TTL but the reaper has not ticked yet: hand the stock
		// back, same as the reaper would, and let the caller compensate.
		reservation.Status = StatusExpired
		for _, item := range reservation.Items {
			s.stocks[item.SKU].Reserved -= item.Quantity
		}
		return ErrReservationNotHeld
	}

	// Deduct from total stock (reserved already holds the quantity)
	for _, item := range reservation.Items {
		info := s.stocks[item.SKU]
		info.Total -= item.Quantity
		info.Reserved -= item.Quantity
	}

	reservation.Status = StatusCommitted
	return nil
}

// Release cancels a reservation, returning held stock to the available
// pool. Releasing a reservation that is no longer held is a no-op.
func (s *MemoryStore) Release(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, exists := s.reservations[reservationID]
	if !exists {
		return ErrReservationNotFound
	}

	if reservation.Status != StatusHeld {
		return nil
	}

	for _, item := range reservation.Items {
		s.stocks[item.SKU].Reserved -= item.Quantity
	}

	reservation.Status = StatusReleased
	return nil
}

// SetStock sets the stock level for a SKU
func (s *MemoryStore) SetStock(_ context.Context, sku string, quantity int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stocks[sku] = &StockInfo{
		SKU:      sku,
		Total:    quantity,
		Reserved: 0,
	}
	return nil
}

// SetTTL overrides the reservation TTL, used by expiry tests
func (s *MemoryStore) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// Close stops the background reaper and waits for it to finish
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	s.wg.Wait()
	return nil
}
