package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	d "github.com/gocart/checkout/domain"
	r "github.com/gocart/checkout/internal/repository"
	"github.com/gocart/checkout/internal/stock"
)

// commitAndCreateOrder makes the reservation permanent and records the
// order. Both halves are idempotent, so the whole step is safe to re-run
// after a crash between them.
func (s *CheckoutServiceImpl) commitAndCreateOrder(ctx context.Context, session *r.CheckoutSession) error {
	if !d.CanTransitionTo(session.Status, d.CheckoutStatusOrderCreated) {
		return IllegalTransitionError
	}
	if session.ReservationID == nil {
		return fmt.Errorf("session %v has no reservation to commit", session.ID)
	}

	stockCtx, cancel := context.WithTimeout(ctx, s.timeouts.Stock)
	defer cancel()

	if err := s.stock.Commit(stockCtx, *session.ReservationID); err != nil {
		if errors.Is(err, stock.ErrReservationNotHeld) {
			// The hold expired before commit (severely stalled saga): the
			// customer was charged for stock we no longer hold. Refund.
			return s.startCompensation(ctx, session, d.CodeCheckoutFailed)
		}
		return fmt.Errorf("failed to commit reservation: %w", err)
	}

	snapshot, err := sessionSnapshot(session)
	if err != nil {
		return err
	}

	checkoutID, err := uuid.Parse(session.ID)
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	orderCtx, cancelOrder := context.WithTimeout(ctx, s.timeouts.Order)
	defer cancelOrder()

	order, err := s.repo.CreateOrderIfAbsent(orderCtx, &d.Order{
		ID:          uuid.New(),
		CheckoutID:  checkoutID,
		UserID:      session.UserID,
		TotalAmount: snapshot.TotalAmount,
		Currency:    snapshot.Currency,
		Status:      d.OrderStatusPaid,
		Items:       orderItems(snapshot.Items),
	})
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	newStatus := d.CheckoutStatusOrderCreated
	orderID := order.ID.String()
	if dbErr := s.repo.SetOrder(ctx, session.ID, session.Status, newStatus, orderID); dbErr != nil {
		return dbErr
	}

	session.Status = newStatus
	session.OrderID = &orderID
	return nil
}

func orderItems(items []d.CartSnapshotItem) []d.OrderItem {
	orderItems := make([]d.OrderItem, len(items))
	for i, item := range items {
		orderItems[i] = d.OrderItem{
			SKU:         item.SKU,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       item.UnitPrice,
		}
	}
	return orderItems
}
