package service

import (
	"context"
	"encoding/json"
	"fmt"

	d "github.com/gocart/checkout/domain"
	r "github.com/gocart/checkout/internal/repository"
)

func (s *CheckoutServiceImpl) getSnapshot(ctx context.Context, userID string) (*d.CartSnapshot, error) {
	cartCtx, cancel := context.WithTimeout(ctx, s.timeouts.Cart)
	defer cancel()

	snapshot, err := s.carts.Snapshot(cartCtx, userID)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// sessionSnapshot rehydrates the snapshot recorded at session creation.
// Resumed sagas price from it, never from the live cart.
func sessionSnapshot(session *r.CheckoutSession) (*d.CartSnapshot, error) {
	var snapshot d.CartSnapshot
	if err := json.Unmarshal(session.CartSnapshot, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart snapshot: %w", err)
	}
	return &snapshot, nil
}
