package service

import (
	"context"
	"errors"
	"fmt"

	d "github.com/gocart/checkout/domain"
	"github.com/gocart/checkout/internal/payment"
	r "github.com/gocart/checkout/internal/repository"
	"github.com/gocart/checkout/internal/stock"
)

// compensate unwinds partial work in reverse order: refund first if money
// moved, then hand the stock back, then mark the saga failed with the code
// recorded when compensation started.
//
// Any error leaves the session in COMPENSATING; the recovery sweep retries
// until both actions stick. A stuck refund or release is never dropped.
func (s *CheckoutServiceImpl) compensate(ctx context.Context, session *r.CheckoutSession) error {
	if session.Status != d.CheckoutStatusCompensating {
		return IllegalTransitionError
	}

	refundRef, err := s.resolveRefundRef(ctx, session)
	if err != nil {
		return err
	}
	if refundRef != "" {
		paymentCtx, cancel := context.WithTimeout(ctx, s.timeouts.Payment)
		refundErr := s.payments.Refund(paymentCtx, refundRef)
		cancel()
		if refundErr != nil {
			return fmt.Errorf("failed to refund payment %v: %w", refundRef, refundErr)
		}
	}

	if session.ReservationID != nil {
		stockCtx, cancel := context.WithTimeout(ctx, s.timeouts.Stock)
		releaseErr := s.stock.Release(stockCtx, *session.ReservationID)
		cancel()
		// A reaped (expired) reservation already returned its stock; the
		// ledger treats that release as a no-op. Only a missing record is
		// tolerated here besides success.
		if releaseErr != nil && !errors.Is(releaseErr, stock.ErrReservationNotFound) {
			return fmt.Errorf("failed to release reservation %v: %w", *session.ReservationID, releaseErr)
		}
	}

	code := d.CodeCheckoutFailed
	if session.LastError != nil {
		code = *session.LastError
	}
	if err := s.repo.FailCheckoutSession(ctx, session.ID, session.Status, code); err != nil {
		return err
	}

	session.Status = d.CheckoutStatusFailed
	session.LastError = &code
	return nil
}

// resolveRefundRef decides what, if anything, must be refunded. A recorded
// PaymentRef is authoritative; without one the charge may still have landed
// provider-side before the confirmation was lost, so the provider is asked
// before concluding no money moved. A failed query keeps the session in
// COMPENSATING rather than risk stranding a charge.
func (s *CheckoutServiceImpl) resolveRefundRef(ctx context.Context, session *r.CheckoutSession) (string, error) {
	if session.PaymentRef != nil {
		return *session.PaymentRef, nil
	}

	paymentCtx, cancel := context.WithTimeout(ctx, s.timeouts.Payment)
	defer cancel()

	known, err := s.payments.GetCharge(paymentCtx, session.ID)
	if errors.Is(err, payment.ErrChargeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve charge for checkout %v: %w", session.ID, err)
	}
	if known.Outcome == payment.OutcomeSucceeded {
		return known.ProviderRef, nil
	}
	return "", nil
}
