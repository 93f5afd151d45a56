package service

import (
	"context"
	"log"

	d "github.com/gocart/checkout/domain"
	"github.com/gocart/checkout/internal/payment"
	r "github.com/gocart/checkout/internal/repository"
)

// processPayment charges the session total with the saga id as the
// idempotency key. A resumed saga that already entered PAYMENT_PENDING
// re-issues the same key, so the provider can never charge twice.
func (s *CheckoutServiceImpl) processPayment(ctx context.Context, session *r.CheckoutSession) error {
	if session.Status == d.CheckoutStatusInventoryReserved {
		if !d.CanTransitionTo(session.Status, d.CheckoutStatusPaymentPending) {
			return IllegalTransitionError
		}
		pendingStatus := d.CheckoutStatusPaymentPending
		if err := s.repo.UpdateCheckoutSessionStatus(ctx, session.ID, session.Status, pendingStatus); err != nil {
			return err
		}
		session.Status = pendingStatus
	}

	paymentCtx, cancel := context.WithTimeout(ctx, s.timeouts.Payment)
	defer cancel()

	result, err := s.payments.Charge(paymentCtx, payment.ChargeRequest{
		IdempotencyKey: session.ID,
		Amount:         session.TotalAmount,
		Currency:       session.Currency,
	})
	if err != nil {
		// Retry budget exhausted and the re-query found no charge: hand
		// the held stock back and fail.
		log.Printf("payment failed for checkout %v: %v", session.ID, err)
		return s.startCompensation(ctx, session, d.CodeCheckoutFailed)
	}

	if result.Outcome == payment.OutcomeDeclined {
		return s.startCompensation(ctx, session, d.CodePaymentDeclined)
	}

	paidStatus := d.CheckoutStatusPaymentCompleted
	if dbErr := s.repo.SetPayment(ctx, session.ID, session.Status, paidStatus, result.ProviderRef); dbErr != nil {
		return dbErr
	}

	session.Status = paidStatus
	session.PaymentRef = &result.ProviderRef
	return nil
}

// startCompensation parks the session in COMPENSATING with the failure
// code it will report once compensation finishes.
func (s *CheckoutServiceImpl) startCompensation(ctx context.Context, session *r.CheckoutSession, code string) error {
	if !d.CanTransitionTo(session.Status, d.CheckoutStatusCompensating) {
		return IllegalTransitionError
	}
	if err := s.repo.MarkCompensating(ctx, session.ID, session.Status, code); err != nil {
		return err
	}
	session.Status = d.CheckoutStatusCompensating
	session.LastError = &code
	return nil
}
