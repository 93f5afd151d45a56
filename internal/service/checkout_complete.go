package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	d "github.com/gocart/checkout/domain"
	r "github.com/gocart/checkout/internal/repository"
)

func (s *CheckoutServiceImpl) complete(ctx context.Context, session *r.CheckoutSession) error {
	if !d.CanTransitionTo(session.Status, d.CheckoutStatusCompleted) {
		return IllegalTransitionError
	}

	// Payment is taken and the order exists; a stale cart is cosmetic, so
	// a failed clear is logged and never blocks completion.
	cartCtx, cancel := context.WithTimeout(ctx, s.timeouts.Cart)
	defer cancel()
	if err := s.carts.Clear(cartCtx, session.UserID); err != nil {
		log.Printf("failed to clear cart for user %v after checkout %v: %v", session.UserID, session.ID, err)
	}

	snapshot, err := sessionSnapshot(session)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"checkout_id":  session.ID,
		"user_id":      session.UserID,
		"order_id":     session.OrderID,
		"items":        snapshot.Items,
		"total_amount": snapshot.TotalAmount,
		"currency":     snapshot.Currency,
		"completed_at": time.Now(),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal checkout payload: %w", err)
	}

	if err := s.repo.CompleteCheckoutSession(ctx, session.ID, session.Status, payloadJSON); err != nil {
		return err
	}

	session.Status = d.CheckoutStatusCompleted
	return nil
}
