package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	d "github.com/gocart/checkout/domain"
	r "github.com/gocart/checkout/internal/repository"
)

// InitiateCheckout runs one checkout attempt to a definitive outcome.
//
// The idempotency key is the convergence point: a repeated call with the
// key of a terminal session replays its recorded result, a repeated call
// with the key of an in-flight session resumes it from the recorded step,
// and only an unseen key starts a new saga.
func (s *CheckoutServiceImpl) InitiateCheckout(
	ctx context.Context,
	request *d.CheckoutRequest) (*d.CheckoutResponse, error) {

	if request.IdempotencyKey != "" {
		session, err := s.repo.GetSessionByIdempotencyKey(ctx, request.IdempotencyKey)
		if err != nil && !errors.Is(err, r.ErrIdempotencyKeyNotFound) {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if session != nil {
			log.Printf("duplicate request for idempotency_key = %v, checkout_id = %v, status = %v",
				request.IdempotencyKey, session.ID, session.Status)
			return s.runSaga(ctx, session)
		}
	}

	snapshot, err := s.getSnapshot(ctx, request.UserID)
	if err != nil {
		// Empty cart is terminal with nothing to undo; no session is
		// created, so a retry with the same key re-fails identically.
		return nil, err
	}

	key := request.IdempotencyKey
	if key == "" {
		// No caller key: derive one from the user and the cart content so
		// a double-click collapses into a single checkout.
		key = snapshot.Hash()
		session, getErr := s.repo.GetSessionByIdempotencyKey(ctx, key)
		if getErr != nil && !errors.Is(getErr, r.ErrIdempotencyKeyNotFound) {
			return nil, fmt.Errorf("failed to check idempotency: %w", getErr)
		}
		if session != nil {
			return s.runSaga(ctx, session)
		}
	}

	session, created, err := s.createSession(ctx, request.UserID, key, snapshot)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the insert race: the winner is driving this saga right now.
		// Report its recorded state instead of racing it step for step.
		return s.replayOutcome(session)
	}

	return s.runSaga(ctx, session)
}

func (s *CheckoutServiceImpl) createSession(
	ctx context.Context,
	userID, key string,
	snapshot *d.CartSnapshot) (*r.CheckoutSession, bool, error) {

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal cart snapshot: %w", err)
	}

	session := &r.CheckoutSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		IdempotencyKey: key,
		Status:         d.CheckoutStatusInitiated,
		CartSnapshot:   snapshotJSON,
		TotalAmount:    snapshot.TotalAmount,
		Currency:       snapshot.Currency,
	}

	createErr := s.repo.CreateCheckoutSession(ctx, session)
	if errors.Is(createErr, r.ErrDuplicateIdempotencyKey) {
		existing, getErr := s.repo.GetSessionByIdempotencyKey(ctx, key)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load racing session: %w", getErr)
		}
		return existing, false, nil
	}
	if createErr != nil {
		return nil, false, fmt.Errorf("failed to create checkout session: %w", createErr)
	}
	return session, true, nil
}

// replayOutcome reports a session's recorded state without advancing it. A
// terminal failure replays its failure code; anything else returns the
// current status for the caller to poll.
func (s *CheckoutServiceImpl) replayOutcome(session *r.CheckoutSession) (*d.CheckoutResponse, error) {
	if session.Status == d.CheckoutStatusFailed {
		code := d.CodeCheckoutFailed
		if session.LastError != nil {
			code = *session.LastError
		}
		return nil, d.ErrorFromCode(code)
	}
	return sessionResponse(session), nil
}

// GetCheckout reports the current state of a checkout session, for callers
// polling after a transient failure.
func (s *CheckoutServiceImpl) GetCheckout(ctx context.Context, checkoutID string) (*d.CheckoutResponse, error) {
	session, err := s.repo.GetSessionByID(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	return sessionResponse(session), nil
}

// ResumeSession re-drives a non-terminal session through the saga. Used by
// the recovery sweep after crashes and for stuck compensations.
func (s *CheckoutServiceImpl) ResumeSession(ctx context.Context, session *r.CheckoutSession) error {
	if session.Status.IsTerminal() {
		return nil
	}
	_, err := s.runSaga(ctx, session)
	if err != nil && !isBusinessFailure(err) {
		return err
	}
	return nil
}

// runSaga advances a session step by step until it reaches a terminal
// status. Every step persists its transition before the next one runs, so
// a crash at any point leaves a record the sweep can pick up.
func (s *CheckoutServiceImpl) runSaga(ctx context.Context, session *r.CheckoutSession) (*d.CheckoutResponse, error) {
	for !session.Status.IsTerminal() {
		var err error
		switch session.Status {
		case d.CheckoutStatusInitiated:
			err = s.reserveInventory(ctx, session)
		case d.CheckoutStatusInventoryReserved, d.CheckoutStatusPaymentPending:
			err = s.processPayment(ctx, session)
		case d.CheckoutStatusPaymentCompleted:
			err = s.commitAndCreateOrder(ctx, session)
		case d.CheckoutStatusOrderCreated:
			err = s.complete(ctx, session)
		case d.CheckoutStatusCompensating:
			err = s.compensate(ctx, session)
		default:
			err = fmt.Errorf("%w: unexpected status %v", IllegalTransitionError, session.Status)
		}
		if errors.Is(err, r.ErrSessionConflict) {
			// Another run advanced the session first. Reload its persisted
			// state and continue from there; every step is idempotent, so
			// converging drivers never double any side effect.
			reloaded, getErr := s.repo.GetSessionByID(ctx, session.ID)
			if getErr != nil {
				return nil, getErr
			}
			*session = *reloaded
			continue
		}
		if err != nil {
			// Infrastructure failure mid-step: the session stays at its
			// last persisted status and the recovery sweep re-drives it.
			return nil, err
		}
	}

	return s.replayOutcome(session)
}

func sessionResponse(session *r.CheckoutSession) *d.CheckoutResponse {
	return &d.CheckoutResponse{
		CheckoutID:  session.ID,
		OrderID:     session.OrderID,
		Status:      session.Status,
		TotalAmount: session.TotalAmount,
		Currency:    session.Currency,
	}
}

func isBusinessFailure(err error) bool {
	var insufficient *d.InsufficientStockError
	return errors.Is(err, d.ErrEmptyCart) ||
		errors.Is(err, d.ErrPaymentDeclined) ||
		errors.Is(err, d.ErrCheckoutFailed) ||
		errors.As(err, &insufficient)
}
