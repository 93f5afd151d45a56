package service

import (
	"context"
	"time"

	d "github.com/gocart/checkout/domain"
	"github.com/gocart/checkout/internal/payment"
	r "github.com/gocart/checkout/internal/repository"
	"github.com/gocart/checkout/internal/stock"
)

// SnapshotProvider is the cart collaborator boundary
type SnapshotProvider interface {
	Snapshot(ctx context.Context, userID string) (*d.CartSnapshot, error)
	Clear(ctx context.Context, userID string) error
}

// PaymentClient is the payment collaborator boundary. Charge is idempotent
// per key and performs its own bounded retries on transport errors; a
// returned error means the retry budget is exhausted. GetCharge resolves
// whether a charge landed when Charge never returned a definitive answer.
type PaymentClient interface {
	Charge(ctx context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error)
	GetCharge(ctx context.Context, idempotencyKey string) (*payment.ChargeResult, error)
	Refund(ctx context.Context, providerRef string) error
}

// Timeouts bound each saga step's external call. Payment is the longest
// because its client retries internally. The stock reservation TTL must
// exceed the sum of these with margin.
type Timeouts struct {
	Stock   time.Duration
	Payment time.Duration
	Order   time.Duration
	Cart    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Stock:   5 * time.Second,
		Payment: 30 * time.Second,
		Order:   5 * time.Second,
		Cart:    5 * time.Second,
	}
}

type CheckoutService interface {
	InitiateCheckout(ctx context.Context, request *d.CheckoutRequest) (*d.CheckoutResponse, error)
	GetCheckout(ctx context.Context, checkoutID string) (*d.CheckoutResponse, error)
	ResumeSession(ctx context.Context, session *r.CheckoutSession) error
}

type CheckoutServiceImpl struct {
	repo     r.RepoInterface
	carts    SnapshotProvider
	stock    stock.Ledger
	payments PaymentClient
	timeouts Timeouts
}

func NewCheckoutService(
	repo r.RepoInterface,
	carts SnapshotProvider,
	ledger stock.Ledger,
	payments PaymentClient,
	timeouts Timeouts,
) *CheckoutServiceImpl {
	return &CheckoutServiceImpl{
		repo:     repo,
		carts:    carts,
		stock:    ledger,
		payments: payments,
		timeouts: timeouts,
	}
}
