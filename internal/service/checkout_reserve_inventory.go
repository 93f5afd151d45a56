package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	d "github.com/gocart/checkout/domain"
	r "github.com/gocart/checkout/internal/repository"
	"github.com/gocart/checkout/internal/stock"
)

func (s *CheckoutServiceImpl) reserveInventory(ctx context.Context, session *r.CheckoutSession) error {
	if !d.CanTransitionTo(session.Status, d.CheckoutStatusInventoryReserved) {
		return IllegalTransitionError
	}

	snapshot, err := sessionSnapshot(session)
	if err != nil {
		return err
	}

	stockCtx, cancel := context.WithTimeout(ctx, s.timeouts.Stock)
	defer cancel()

	reservation, err := s.stock.Reserve(stockCtx, session.ID, reservationItems(snapshot.Items))
	if err != nil {
		var insufficient *stock.InsufficientError
		var unknown *stock.UnknownSKUError
		if errors.As(err, &insufficient) || errors.As(err, &unknown) {
			// Nothing was held, nothing to undo: terminal business failure.
			sku := ""
			if insufficient != nil {
				sku = insufficient.SKU
			} else {
				sku = unknown.SKU
			}
			code := d.ErrorCode(&d.InsufficientStockError{SKU: sku})
			if failErr := s.repo.FailCheckoutSession(ctx, session.ID, session.Status, code); failErr != nil {
				return failErr
			}
			session.Status = d.CheckoutStatusFailed
			session.LastError = &code
			return nil
		}
		return fmt.Errorf("failed to reserve inventory: %w", err)
	}

	newStatus := d.CheckoutStatusInventoryReserved
	if dbErr := s.repo.SetReservation(ctx, session.ID, session.Status, newStatus, reservation.ID); dbErr != nil {
		if errors.Is(dbErr, r.ErrSessionConflict) {
			// A concurrent run recorded its own hold first; ours would leak
			// until the TTL, so hand it back before rejoining.
			if relErr := s.stock.Release(ctx, reservation.ID); relErr != nil {
				log.Printf("failed to release duplicate reservation %v for checkout %v: %v", reservation.ID, session.ID, relErr)
			}
			return dbErr
		}
		// The hold exists but was not recorded; the reservation TTL will
		// reclaim it if this session never advances.
		log.Printf("failed to record reservation %v for checkout %v: %v", reservation.ID, session.ID, dbErr)
		return dbErr
	}

	session.Status = newStatus
	session.ReservationID = &reservation.ID
	return nil
}

func reservationItems(items []d.CartSnapshotItem) []stock.ReservationItem {
	resItems := make([]stock.ReservationItem, len(items))
	for i, item := range items {
		resItems[i] = stock.ReservationItem{
			SKU:      item.SKU,
			Quantity: item.Quantity,
		}
	}
	return resItems
}
