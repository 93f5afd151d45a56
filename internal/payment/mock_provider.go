package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is an in-process payment collaborator. It succeeds by
// default; tests script declines and transport failures per idempotency
// key to exercise the orchestrator's failure paths.
type MockProvider struct {
	mu sync.Mutex

	charges     map[string]*ChargeResult // key -> recorded outcome
	refunded    map[string]bool          // providerRef -> refunded
	declineKeys map[string]bool          // keys that get DECLINED
	failures    map[string]int           // keys -> remaining transport errors

	chargeCalls int // provider-side charge executions, excludes idempotent replays
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		charges:     make(map[string]*ChargeResult),
		refunded:    make(map[string]bool),
		declineKeys: make(map[string]bool),
		failures:    make(map[string]int),
	}
}

// DeclineKey scripts a DECLINED outcome for the given idempotency key
func (p *MockProvider) DeclineKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declineKeys[key] = true
}

// FailTimes scripts n transport errors for the key before calls go through
func (p *MockProvider) FailTimes(key string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[key] = n
}

func (p *MockProvider) Charge(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.failures[req.IdempotencyKey]; n > 0 {
		p.failures[req.IdempotencyKey] = n - 1
		return nil, fmt.Errorf("payment gateway unavailable")
	}

	// Native idempotency: the first recorded outcome wins forever.
	if result, exists := p.charges[req.IdempotencyKey]; exists {
		return result, nil
	}

	p.chargeCalls++

	result := &ChargeResult{
		IdempotencyKey: req.IdempotencyKey,
		ProviderRef:    fmt.Sprintf("TXN-%d", time.Now().UnixNano()),
		Outcome:        OutcomeSucceeded,
	}
	if p.declineKeys[req.IdempotencyKey] {
		result.Outcome = OutcomeDeclined
		result.Reason = "card declined"
	}

	p.charges[req.IdempotencyKey] = result
	return result, nil
}

func (p *MockProvider) GetCharge(_ context.Context, idempotencyKey string) (*ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, exists := p.charges[idempotencyKey]
	if !exists {
		return nil, ErrChargeNotFound
	}
	return result, nil
}

// Refund is idempotent, refunding an already-refunded ref succeeds
func (p *MockProvider) Refund(_ context.Context, providerRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refunded[providerRef] = true
	return nil
}

// ChargeCalls reports how many real charges the provider executed
func (p *MockProvider) ChargeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chargeCalls
}

// Refunded reports whether the given provider reference was refunded
func (p *MockProvider) Refunded(providerRef string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunded[providerRef]
}
