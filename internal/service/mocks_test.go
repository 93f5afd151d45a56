package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	d "github.com/gocart/checkout/domain"
	"github.com/gocart/checkout/internal/payment"
	r "github.com/gocart/checkout/internal/repository"
)

// memRepo implements r.RepoInterface in memory so the saga can run end to
// end without postgres. All methods copy on read, mirroring how database
// rows are independent of the structs the service mutates.
type memRepo struct {
	mu          sync.Mutex
	sessions    map[string]*r.CheckoutSession // by id
	byKey       map[string]string             // idempotency key -> id
	orders      map[uuid.UUID]*d.Order        // by checkout id
	events      []*r.OutboxEvent
	createCalls int
}

var _ r.RepoInterface = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]*r.CheckoutSession),
		byKey:    make(map[string]string),
		orders:   make(map[uuid.UUID]*d.Order),
	}
}

func (m *memRepo) Close() error                       { return nil }
func (m *memRepo) RunMigrations(*r.Credentials) error { return nil }

func copySession(s *r.CheckoutSession) *r.CheckoutSession {
	cp := *s
	return &cp
}

func (m *memRepo) GetSessionByIdempotencyKey(_ context.Context, key string) (*r.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, r.ErrIdempotencyKeyNotFound
	}
	return copySession(m.sessions[id]), nil
}

func (m *memRepo) GetSessionByID(_ context.Context, id string) (*r.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, r.ErrSessionNotFound
	}
	return copySession(session), nil
}

func (m *memRepo) CreateCheckoutSession(_ context.Context, session *r.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[session.IdempotencyKey]; exists {
		return r.ErrDuplicateIdempotencyKey
	}
	m.createCalls++
	now := time.Now()
	stored := copySession(session)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.sessions[stored.ID] = stored
	m.byKey[stored.IdempotencyKey] = stored.ID
	return nil
}

// update applies fn only when the stored status still matches expected,
// mirroring the compare-and-swap the SQL layer does.
func (m *memRepo) update(id string, expected d.CheckoutStatus, fn func(*r.CheckoutSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return r.ErrSessionNotFound
	}
	if session.Status != expected {
		return r.ErrSessionConflict
	}
	fn(session)
	session.UpdatedAt = time.Now()
	return nil
}

func (m *memRepo) UpdateCheckoutSessionStatus(_ context.Context, id string, expected, status d.CheckoutStatus) error {
	return m.update(id, expected, func(s *r.CheckoutSession) { s.Status = status })
}

func (m *memRepo) SetReservation(_ context.Context, id string, expected, status d.CheckoutStatus, reservationID string) error {
	return m.update(id, expected, func(s *r.CheckoutSession) {
		s.Status = status
		s.ReservationID = &reservationID
	})
}

func (m *memRepo) SetPayment(_ context.Context, id string, expected, status d.CheckoutStatus, paymentRef string) error {
	return m.update(id, expected, func(s *r.CheckoutSession) {
		s.Status = status
		s.PaymentRef = &paymentRef
	})
}

func (m *memRepo) SetOrder(_ context.Context, id string, expected, status d.CheckoutStatus, orderID string) error {
	return m.update(id, expected, func(s *r.CheckoutSession) {
		s.Status = status
		s.OrderID = &orderID
	})
}

func (m *memRepo) MarkCompensating(_ context.Context, id string, expected d.CheckoutStatus, lastError string) error {
	return m.update(id, expected, func(s *r.CheckoutSession) {
		s.Status = d.CheckoutStatusCompensating
		s.LastError = &lastError
	})
}

func (m *memRepo) FailCheckoutSession(_ context.Context, id string, expected d.CheckoutStatus, lastError string) error {
	return m.update(id, expected, func(s *r.CheckoutSession) {
		s.Status = d.CheckoutStatusFailed
		s.LastError = &lastError
	})
}

func (m *memRepo) CompleteCheckoutSession(_ context.Context, id string, expected d.CheckoutStatus, payload []byte) error {
	return m.update(id, expected, func(s *r.CheckoutSession) {
		s.Status = d.CheckoutStatusCompleted
		m.events = append(m.events, &r.OutboxEvent{
			ID:          int64(len(m.events) + 1),
			AggregateId: id,
			EventType:   r.EventTypeCheckoutCompleted,
			Payload:     payload,
			CreatedAt:   time.Now(),
		})
	})
}

func (m *memRepo) GetStuckSessions(_ context.Context, _ time.Duration) ([]*r.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stuck []*r.CheckoutSession
	for _, session := range m.sessions {
		if !session.Status.IsTerminal() {
			stuck = append(stuck, copySession(session))
		}
	}
	return stuck, nil
}

func (m *memRepo) CreateOrderIfAbsent(_ context.Context, order *d.Order) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[order.CheckoutID]; ok {
		cp := *existing
		return &cp, nil
	}
	now := time.Now()
	stored := *order
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.orders[order.CheckoutID] = &stored
	cp := stored
	return &cp, nil
}

func (m *memRepo) UpdateOrderStatus(_ context.Context, orderID uuid.UUID, status d.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.ID == orderID {
			order.Status = status
			return nil
		}
	}
	return r.ErrOrderNotFound
}

func (m *memRepo) GetOrderByID(_ context.Context, orderID uuid.UUID) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.ID == orderID {
			cp := *order
			return &cp, nil
		}
	}
	return nil, r.ErrOrderNotFound
}

func (m *memRepo) ListOrdersByUser(_ context.Context, userID string) ([]*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []*d.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			cp := *order
			orders = append(orders, &cp)
		}
	}
	return orders, nil
}

func (m *memRepo) GetUnprocessedEvents(_ context.Context, limit int) ([]*r.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*r.OutboxEvent
	for _, event := range m.events {
		if event.ProcessedAt == nil {
			events = append(events, event)
			if len(events) == limit {
				break
			}
		}
	}
	return events, nil
}

func (m *memRepo) MarkEventAsProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.events {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			return nil
		}
	}
	return nil
}

func (m *memRepo) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// mockSnapshots scripts the cart collaborator per user
type mockSnapshots struct {
	mu        sync.Mutex
	snapshots map[string]*d.CartSnapshot
	err       error
	cleared   map[string]bool
}

func newMockSnapshots() *mockSnapshots {
	return &mockSnapshots{
		snapshots: make(map[string]*d.CartSnapshot),
		cleared:   make(map[string]bool),
	}
}

func (m *mockSnapshots) Snapshot(_ context.Context, userID string) (*d.CartSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	snapshot, ok := m.snapshots[userID]
	if !ok {
		return nil, d.ErrEmptyCart
	}
	return snapshot, nil
}

func (m *mockSnapshots) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared[userID] = true
	return nil
}

func (m *mockSnapshots) wasCleared(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleared[userID]
}

// declinedPayments declines every charge
type declinedPayments struct{}

func (declinedPayments) Charge(_ context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	return &payment.ChargeResult{
		IdempotencyKey: req.IdempotencyKey,
		Outcome:        payment.OutcomeDeclined,
		Reason:         "card declined",
	}, nil
}

func (declinedPayments) GetCharge(_ context.Context, _ string) (*payment.ChargeResult, error) {
	return nil, payment.ErrChargeNotFound
}

func (declinedPayments) Refund(_ context.Context, _ string) error { return nil }

// failingPayments simulates a payment collaborator whose transport is down
type failingPayments struct {
	mu      sync.Mutex
	refunds []string
}

func (f *failingPayments) Charge(_ context.Context, _ payment.ChargeRequest) (*payment.ChargeResult, error) {
	return nil, errors.New("payment gateway unreachable")
}

func (f *failingPayments) GetCharge(_ context.Context, _ string) (*payment.ChargeResult, error) {
	return nil, payment.ErrChargeNotFound
}

func (f *failingPayments) Refund(_ context.Context, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, providerRef)
	return nil
}

// recordingPayments succeeds and records refunds, for compensation tests
type recordingPayments struct {
	mu      sync.Mutex
	refunds []string
}

func (p *recordingPayments) Charge(_ context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	return &payment.ChargeResult{
		IdempotencyKey: req.IdempotencyKey,
		ProviderRef:    "TXN-" + req.IdempotencyKey,
		Outcome:        payment.OutcomeSucceeded,
	}, nil
}

func (p *recordingPayments) GetCharge(_ context.Context, idempotencyKey string) (*payment.ChargeResult, error) {
	return &payment.ChargeResult{
		IdempotencyKey: idempotencyKey,
		ProviderRef:    "TXN-" + idempotencyKey,
		Outcome:        payment.OutcomeSucceeded,
	}, nil
}

func (p *recordingPayments) Refund(_ context.Context, providerRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, providerRef)
	return nil
}

func (p *recordingPayments) refunded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refunds...)
}

// ghostChargePayments lands every charge provider-side but never confirms
// it: Charge records the result and then reports a transport error. Only
// GetCharge reveals that money moved.
type ghostChargePayments struct {
	mu      sync.Mutex
	charges map[string]*payment.ChargeResult
	getErr  error
	refunds []string
}

func newGhostChargePayments() *ghostChargePayments {
	return &ghostChargePayments{charges: make(map[string]*payment.ChargeResult)}
}

func (p *ghostChargePayments) Charge(_ context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.charges[req.IdempotencyKey]; !exists {
		p.charges[req.IdempotencyKey] = &payment.ChargeResult{
			IdempotencyKey: req.IdempotencyKey,
			ProviderRef:    "TXN-" + req.IdempotencyKey,
			Outcome:        payment.OutcomeSucceeded,
		}
	}
	return nil, errors.New("payment gateway timed out")
}

func (p *ghostChargePayments) GetCharge(_ context.Context, idempotencyKey string) (*payment.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	result, exists := p.charges[idempotencyKey]
	if !exists {
		return nil, payment.ErrChargeNotFound
	}
	return result, nil
}

func (p *ghostChargePayments) Refund(_ context.Context, providerRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, providerRef)
	return nil
}

func (p *ghostChargePayments) refunded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refunds...)
}

func testSnapshot(userID string, sku string, quantity int32, unitPrice float64) *d.CartSnapshot {
	return &d.CartSnapshot{
		UserID: userID,
		Items: []d.CartSnapshotItem{
			{SKU: sku, ProductName: "Test Product", Quantity: quantity, UnitPrice: unitPrice, Subtotal: unitPrice * float64(quantity)},
		},
		TotalAmount: unitPrice * float64(quantity),
		Currency:    "USD",
		CapturedAt:  time.Now(),
	}
}
