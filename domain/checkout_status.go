package domain

type CheckoutStatus string

const (
	CheckoutStatusInitiated         CheckoutStatus = "INITIATED"
	CheckoutStatusInventoryReserved CheckoutStatus = "INVENTORY_RESERVED"
	CheckoutStatusPaymentPending    CheckoutStatus = "PAYMENT_PENDING"
	CheckoutStatusPaymentCompleted  CheckoutStatus = "PAYMENT_COMPLETED"
	CheckoutStatusOrderCreated      CheckoutStatus = "ORDER_CREATED"
	CheckoutStatusCompensating      CheckoutStatus = "COMPENSATING"
	CheckoutStatusCompleted         CheckoutStatus = "COMPLETED"
	CheckoutStatusFailed            CheckoutStatus = "FAILED"
)

func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusCompleted || s == CheckoutStatusFailed
}

// String representation (for logging)
func (s CheckoutStatus) String() string {
	return string(s)
}

// allowedTransitions encodes the saga state machine. Statuses only move
// forward; COMPENSATING is the single detour and always ends in FAILED.
var allowedTransitions = map[CheckoutStatus][]CheckoutStatus{
	CheckoutStatusInitiated:         {CheckoutStatusInventoryReserved, CheckoutStatusFailed},
	CheckoutStatusInventoryReserved: {CheckoutStatusPaymentPending, CheckoutStatusCompensating},
	CheckoutStatusPaymentPending:    {CheckoutStatusPaymentCompleted, CheckoutStatusCompensating},
	CheckoutStatusPaymentCompleted:  {CheckoutStatusOrderCreated, CheckoutStatusCompensating},
	CheckoutStatusOrderCreated:      {CheckoutStatusCompleted},
	CheckoutStatusCompensating:      {CheckoutStatusFailed},
}

func CanTransitionTo(from, to CheckoutStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
