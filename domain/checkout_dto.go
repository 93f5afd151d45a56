package domain

type CheckoutRequest struct {
	UserID         string
	IdempotencyKey string
}

type CheckoutResponse struct {
	CheckoutID  string
	OrderID     *string
	Status      CheckoutStatus
	TotalAmount float64
	Currency    string
}
