package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

type CartSnapshotItem struct {
	SKU         string  `json:"sku"`
	ProductName string  `json:"product_name"`
	Quantity    int32   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Subtotal    float64 `json:"subtotal"`
}

// CartSnapshot represents the full cart state at checkout time. It is
// captured once per checkout attempt and never mutated afterwards.
type CartSnapshot struct {
	UserID      string             `json:"user_id"`
	Items       []CartSnapshotItem `json:"items"`
	TotalAmount float64            `json:"total_amount"`
	Currency    string             `json:"currency"`
	CapturedAt  time.Time          `json:"captured_at"`
}

// Hash returns a deterministic digest over the user and the snapshot's
// line set. Used to derive an idempotency key when the caller supplies
// none, so a double-click on the same cart collapses into one checkout.
func (s *CartSnapshot) Hash() string {
	lines := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		lines = append(lines, fmt.Sprintf("%s:%d:%.2f", item.SKU, item.Quantity, item.UnitPrice))
	}
	sort.Strings(lines)

	h := sha256.New()
	h.Write([]byte(s.UserID))
	h.Write([]byte(strings.Join(lines, "|")))
	return hex.EncodeToString(h.Sum(nil))
}
