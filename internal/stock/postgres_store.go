package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Ledger on top of the checkout database. Holds
// survive restarts, which the in-memory store cannot offer.
//
// Atomicity choice: Reserve is a single transaction of conditional
// single-row updates (available >= quantity rides on the UPDATE itself),
// with SKUs touched in sorted order so concurrent multi-line reservations
// cannot deadlock. No serializable isolation is required; the row locks
// taken by the updates are enough.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &PostgresStore{db: db, ttl: ttl}
}

func (s *PostgresStore) Reserve(ctx context.Context, checkoutID string, items []ReservationItem) (*Reservation, error) {
	sorted := make([]ReservationItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SKU < sorted[j].SKU })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	for _, item := range sorted {
		res, updErr := tx.ExecContext(ctx,
			`UPDATE stock_items SET reserved = reserved + $2, updated_at = NOW()
			 WHERE sku = $1 AND total - reserved >= $2`,
			item.SKU, item.Quantity)
		if updErr != nil {
			return nil, fmt.Errorf("hold stock for sku %s: %w", item.SKU, updErr)
		}
		rows, raErr := res.RowsAffected()
		if raErr != nil {
			return nil, fmt.Errorf("hold stock for sku %s: %w", item.SKU, raErr)
		}
		if rows == 0 {
			// Rollback drops the holds taken so far: all succeed or none do.
			var exists bool
			if scanErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM stock_items WHERE sku = $1)`, item.SKU,
			).Scan(&exists); scanErr != nil {
				return nil, fmt.Errorf("check sku %s: %w", item.SKU, scanErr)
			}
			if !exists {
				return nil, &UnknownSKUError{SKU: item.SKU}
			}
			return nil, &InsufficientError{SKU: item.SKU}
		}
	}

	now := time.Now()
	reservation := &Reservation{
		ID:         uuid.New().String(),
		CheckoutID: checkoutID,
		Items:      sorted,
		Status:     StatusHeld,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO stock_reservations (id, checkout_id, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		reservation.ID, reservation.CheckoutID, reservation.Status,
		reservation.CreatedAt, reservation.ExpiresAt); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	for _, item := range sorted {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO stock_reservation_items (reservation_id, sku, quantity)
			 VALUES ($1, $2, $3)`,
			reservation.ID, item.SKU, item.Quantity); err != nil {
			return nil, fmt.Errorf("insert reservation item: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}
	return reservation, nil
}

func (s *PostgresStore) Release(ctx context.Context, reservationID string) error {
	return s.finishReservation(ctx, reservationID, StatusReleased)
}

func (s *PostgresStore) Commit(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	status, expiresAt, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch status {
	case StatusCommitted:
		return tx.Commit() // retry-safe
	case StatusReleased, StatusExpired:
		return ErrReservationNotHeld
	}

	if time.Now().After(expiresAt) {
		// Held past TTL: hand the stock back and let the caller compensate.
		if err = returnHeldStock(ctx, tx, reservationID); err != nil {
			return err
		}
		if err = setReservationStatus(ctx, tx, reservationID, StatusExpired); err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit expire tx: %w", err)
		}
		return ErrReservationNotHeld
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE stock_items s SET total = s.total - i.quantity,
		        reserved = s.reserved - i.quantity, updated_at = NOW()
		 FROM stock_reservation_items i
		 WHERE i.reservation_id = $1 AND s.sku = i.sku`,
		reservationID)
	if err != nil {
		return fmt.Errorf("deduct committed stock: %w", err)
	}

	if err = setReservationStatus(ctx, tx, reservationID, StatusCommitted); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit commit tx: %w", err)
	}
	return nil
}

// finishReservation moves a held reservation to a terminal non-committed
// status, returning its quantities to the available pool. No-op when the
// reservation is already finished.
func (s *PostgresStore) finishReservation(ctx context.Context, reservationID string, target ReservationStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	status, _, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	if status != StatusHeld {
		return tx.Commit()
	}

	if err = returnHeldStock(ctx, tx, reservationID); err != nil {
		return err
	}
	if err = setReservationStatus(ctx, tx, reservationID, target); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit release tx: %w", err)
	}
	return nil
}

func lockReservation(ctx context.Context, tx *sql.Tx, reservationID string) (ReservationStatus, time.Time, error) {
	var status ReservationStatus
	var expiresAt time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT status, expires_at FROM stock_reservations WHERE id = $1 FOR UPDATE`,
		reservationID).Scan(&status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrReservationNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lock reservation: %w", err)
	}
	return status, expiresAt, nil
}

func returnHeldStock(ctx context.Context, tx *sql.Tx, reservationID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE stock_items s SET reserved = s.reserved - i.quantity, updated_at = NOW()
		 FROM stock_reservation_items i
		 WHERE i.reservation_id = $1 AND s.sku = i.sku`,
		reservationID)
	if err != nil {
		return fmt.Errorf("return held stock: %w", err)
	}
	return nil
}

func setReservationStatus(ctx context.Context, tx *sql.Tx, reservationID string, status ReservationStatus) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE stock_reservations SET status = $2 WHERE id = $1`,
		reservationID, status); err != nil {
		return fmt.Errorf("set reservation status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStock(ctx context.Context, skus []string) ([]StockInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sku, total, reserved FROM stock_items WHERE sku = ANY($1)`,
		pq.Array(skus))
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	var result []StockInfo
	for rows.Next() {
		var info StockInfo
		if err := rows.Scan(&info.SKU, &info.Total, &info.Reserved); err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetStock(ctx context.Context, sku string, quantity int32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stock_items (sku, total, reserved, updated_at)
		 VALUES ($1, $2, 0, NOW())
		 ON CONFLICT (sku) DO UPDATE SET total = EXCLUDED.total, reserved = 0, updated_at = NOW()`,
		sku, quantity)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

// ReleaseExpired returns stock from held reservations past their TTL.
// Called by the reaper loop; safe to run concurrently with checkouts.
func (s *PostgresStore) ReleaseExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM stock_reservations WHERE status = $1 AND expires_at < NOW()`,
		StatusHeld)
	if err != nil {
		return 0, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired reservation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		if err := s.finishReservation(ctx, id, StatusExpired); err != nil {
			log.Printf("failed to expire reservation %v: %v", id, err)
			continue
		}
		released++
	}
	return released, nil
}

// RunReaper periodically releases expired holds until ctx is cancelled
func (s *PostgresStore) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.ReleaseExpired(ctx)
			if err != nil {
				log.Printf("stock reaper error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("stock reaper released %d expired reservations", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
