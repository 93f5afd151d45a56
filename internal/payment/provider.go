package payment

import (
	"context"
	"errors"
)

// Outcome is a definitive answer from the provider. Transport failures are
// plain Go errors and are never an Outcome: a timed-out charge may still
// have landed, so the client re-queries before deciding anything.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeDeclined  Outcome = "DECLINED"
)

type ChargeRequest struct {
	IdempotencyKey string
	Amount         float64
	Currency       string
}

type ChargeResult struct {
	IdempotencyKey string  `json:"idempotency_key"`
	ProviderRef    string  `json:"provider_ref"`
	Outcome        Outcome `json:"outcome"`
	Reason         string  `json:"reason,omitempty"`
}

var ErrChargeNotFound = errors.New("no charge recorded for idempotency key")

// Provider is the contract a payment collaborator must satisfy. Charge is
// idempotent per key; repeated calls return the first recorded outcome and
// never produce a second provider-side charge. Refund is idempotent and
// safe on an already-refunded reference.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	GetCharge(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
	Refund(ctx context.Context, providerRef string) error
}
