package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	d "github.com/gocart/checkout/domain"
)

// CheckoutSession is the durable saga record: the single source of truth
// for how far a checkout got. Compensation and crash recovery replay from
// it.
type CheckoutSession struct {
	ID             string
	UserID         string
	IdempotencyKey string
	Status         d.CheckoutStatus
	CartSnapshot   []byte // snapshot JSON, immutable once written
	TotalAmount    float64
	Currency       string
	ReservationID  *string
	PaymentRef     *string
	OrderID        *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const sessionColumns = `id, user_id, idempotency_key, status, cart_snapshot, total_amount,
	currency, reservation_id, payment_ref, order_id, last_error, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*CheckoutSession, error) {
	var s CheckoutSession
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.IdempotencyKey,
		&s.Status,
		&s.CartSnapshot,
		&s.TotalAmount,
		&s.Currency,
		&s.ReservationID,
		&s.PaymentRef,
		&s.OrderID,
		&s.LastError,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetSessionByIdempotencyKey(ctx context.Context, key string) (*CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE idempotency_key = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session by idempotency key: %w", err)
	}
	return session, nil
}

func (r *Repository) GetSessionByID(ctx context.Context, id string) (*CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session by id: %w", err)
	}
	return session, nil
}

func (r *Repository) CreateCheckoutSession(ctx context.Context, session *CheckoutSession) error {
	query := `INSERT INTO checkout_sessions
		(id, user_id, idempotency_key, status, cart_snapshot, total_amount, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.IdempotencyKey,
		session.Status,
		session.CartSnapshot,
		session.TotalAmount,
		session.Currency)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

// Every status mutation below is a compare-and-swap against the status the
// caller last read. Two orchestrator runs driving one session (client retry
// racing the original, or the recovery sweep racing either) therefore apply
// each transition exactly once: the loser gets ErrSessionConflict and must
// reload the session before continuing.

func (r *Repository) UpdateCheckoutSessionStatus(ctx context.Context, id string, expected, status d.CheckoutStatus) error {
	query := `UPDATE checkout_sessions SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`
	return r.execSessionUpdate(ctx, query, id, status, expected)
}

func (r *Repository) SetReservation(ctx context.Context, id string, expected, status d.CheckoutStatus, reservationID string) error {
	query := `UPDATE checkout_sessions SET status = $2, reservation_id = $3, updated_at = NOW() WHERE id = $1 AND status = $4`
	return r.execSessionUpdate(ctx, query, id, status, reservationID, expected)
}

func (r *Repository) SetPayment(ctx context.Context, id string, expected, status d.CheckoutStatus, paymentRef string) error {
	query := `UPDATE checkout_sessions SET status = $2, payment_ref = $3, updated_at = NOW() WHERE id = $1 AND status = $4`
	return r.execSessionUpdate(ctx, query, id, status, paymentRef, expected)
}

func (r *Repository) SetOrder(ctx context.Context, id string, expected, status d.CheckoutStatus, orderID string) error {
	query := `UPDATE checkout_sessions SET status = $2, order_id = $3, updated_at = NOW() WHERE id = $1 AND status = $4`
	return r.execSessionUpdate(ctx, query, id, status, orderID, expected)
}

func (r *Repository) MarkCompensating(ctx context.Context, id string, expected d.CheckoutStatus, lastError string) error {
	query := `UPDATE checkout_sessions SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1 AND status = $4`
	return r.execSessionUpdate(ctx, query, id, d.CheckoutStatusCompensating, lastError, expected)
}

func (r *Repository) FailCheckoutSession(ctx context.Context, id string, expected d.CheckoutStatus, lastError string) error {
	query := `UPDATE checkout_sessions SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1 AND status = $4`
	return r.execSessionUpdate(ctx, query, id, d.CheckoutStatusFailed, lastError, expected)
}

// CompleteCheckoutSession finishes the saga and records the outbox event
// in the same transaction, so a completed checkout always has its event.
// The status guard makes it single-shot: a concurrent run that already
// completed the session cannot insert a second event.
func (r *Repository) CompleteCheckoutSession(ctx context.Context, id string, expected d.CheckoutStatus, payload []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, d.CheckoutStatusCompleted, expected)
	if err != nil {
		return fmt.Errorf("complete checkout session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete checkout session: %w", err)
	}
	if rows == 0 {
		var exists bool
		if scanErr := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM checkout_sessions WHERE id = $1)`, id,
		).Scan(&exists); scanErr != nil {
			return fmt.Errorf("complete checkout session: %w", scanErr)
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrSessionConflict
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		id, EventTypeCheckoutCompleted, payload); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	return nil
}

// GetStuckSessions returns non-terminal sessions that have not advanced
// for idleFor. The recovery sweep re-drives them.
func (r *Repository) GetStuckSessions(ctx context.Context, idleFor time.Duration) ([]*CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions
		WHERE status NOT IN ($1, $2) AND updated_at < NOW() - $3 * INTERVAL '1 second'
		ORDER BY updated_at`

	rows, err := r.db.QueryContext(ctx, query,
		d.CheckoutStatusCompleted, d.CheckoutStatusFailed, int64(idleFor.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("query stuck sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*CheckoutSession
	for rows.Next() {
		session, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan stuck session: %w", scanErr)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *Repository) execSessionUpdate(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update checkout session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update checkout session: %w", err)
	}
	if rows == 0 {
		// Zero rows is either a missing session or a lost CAS race
		id := args[0]
		var exists bool
		if scanErr := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM checkout_sessions WHERE id = $1)`, id,
		).Scan(&exists); scanErr != nil {
			return fmt.Errorf("update checkout session: %w", scanErr)
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrSessionConflict
	}
	return nil
}
