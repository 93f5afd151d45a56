package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "CREATED"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

type OrderItem struct {
	SKU         string  `json:"sku"`
	ProductName string  `json:"product_name"`
	Quantity    int32   `json:"quantity"`
	Price       float64 `json:"price"`
}

// Order is the durable outcome of a completed checkout. CheckoutID is
// unique, which is what makes order creation idempotent per saga.
type Order struct {
	ID          uuid.UUID
	CheckoutID  uuid.UUID
	UserID      string
	TotalAmount float64
	Currency    string
	Status      OrderStatus
	Items       []OrderItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
