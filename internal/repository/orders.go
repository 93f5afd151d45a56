package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	d "github.com/gocart/checkout/domain"
)

// CreateOrderIfAbsent persists the order unless one already exists for its
// checkout id, in which case the existing order is returned unchanged. The
// uniqueness constraint on checkout_id does the arbitration, not a
// check-then-insert.
func (r *Repository) CreateOrderIfAbsent(ctx context.Context, order *d.Order) (*d.Order, error) {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order items: %w", err)
	}

	query := `INSERT INTO orders (id, checkout_id, user_id, total_amount, currency, status, items, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, insertErr := r.db.ExecContext(ctx, query,
		order.ID,
		order.CheckoutID,
		order.UserID,
		order.TotalAmount,
		order.Currency,
		order.Status,
		itemsJSON)

	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return r.getOrderByCheckoutID(ctx, order.CheckoutID)
		}
		return nil, fmt.Errorf("insert order: %w", insertErr)
	}
	return r.getOrderByCheckoutID(ctx, order.CheckoutID)
}

// UpdateOrderStatus moves an order forward from CREATED. Backward
// transitions are rejected; re-applying the current status is a no-op.
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status d.OrderStatus) error {
	query := `UPDATE orders SET status = $2, updated_at = NOW()
	          WHERE id = $1 AND status = $3`

	res, err := r.db.ExecContext(ctx, query, orderID, status, d.OrderStatusCreated)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if rows == 0 {
		existing, getErr := r.GetOrderByID(ctx, orderID)
		if getErr != nil {
			return getErr
		}
		if existing.Status == status {
			return nil // already there, retry-safe
		}
		return ErrIllegalOrderTransition
	}
	return nil
}

func (r *Repository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*d.Order, error) {
	query := `SELECT id, checkout_id, user_id, total_amount, currency, status, items, created_at, updated_at
	          FROM orders WHERE id = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, orderID))
}

// ListOrdersByUser returns the user's orders, newest first.
func (r *Repository) ListOrdersByUser(ctx context.Context, userID string) ([]*d.Order, error) {
	query := `SELECT id, checkout_id, user_id, total_amount, currency, status, items, created_at, updated_at
	          FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*d.Order
	for rows.Next() {
		var order d.Order
		var itemsJSON []byte
		if err := rows.Scan(
			&order.ID,
			&order.CheckoutID,
			&order.UserID,
			&order.TotalAmount,
			&order.Currency,
			&order.Status,
			&itemsJSON,
			&order.CreatedAt,
			&order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
			return nil, fmt.Errorf("unmarshal order items: %w", err)
		}
		orders = append(orders, &order)
	}
	return orders, rows.Err()
}

func (r *Repository) getOrderByCheckoutID(ctx context.Context, checkoutID uuid.UUID) (*d.Order, error) {
	query := `SELECT id, checkout_id, user_id, total_amount, currency, status, items, created_at, updated_at
	          FROM orders WHERE checkout_id = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, checkoutID))
}

func (r *Repository) scanOrder(row *sql.Row) (*d.Order, error) {
	var order d.Order
	var itemsJSON []byte
	err := row.Scan(
		&order.ID,
		&order.CheckoutID,
		&order.UserID,
		&order.TotalAmount,
		&order.Currency,
		&order.Status,
		&itemsJSON,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}

	return &order, nil
}
