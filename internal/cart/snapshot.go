package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/gocart/checkout/domain"
	"github.com/gocart/checkout/internal/catalog"
)

// CartReader is the slice of Service the snapshot provider needs
type CartReader interface {
	GetCart(ctx context.Context, userID string) (*Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// PriceLookup resolves current catalog prices for a set of SKUs
type PriceLookup interface {
	GetProducts(ctx context.Context, skus []string) (map[string]*catalog.Product, error)
}

// SnapshotProvider captures an immutable, priced copy of a cart at the
// instant checkout begins.
//
// Pricing policy: every line is priced at the catalog's current price at
// capture time; any price remembered on the cart line itself is ignored.
// The snapshot then owns those prices for the life of the checkout.
type SnapshotProvider struct {
	carts    CartReader
	catalog  PriceLookup
	currency string
}

func NewSnapshotProvider(carts CartReader, catalog PriceLookup, currency string) *SnapshotProvider {
	return &SnapshotProvider{
		carts:    carts,
		catalog:  catalog,
		currency: currency,
	}
}

func (p *SnapshotProvider) Snapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	cart, err := p.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	if cart.IsEmpty() {
		return nil, domain.ErrEmptyCart
	}

	skus := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		skus = append(skus, item.SKU)
	}

	products, err := p.catalog.GetProducts(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("failed to price cart: %w", err)
	}

	snapshot := &domain.CartSnapshot{
		UserID:     userID,
		Items:      make([]domain.CartSnapshotItem, 0, len(cart.Items)),
		Currency:   p.currency,
		CapturedAt: time.Now(),
	}

	var totalAmount float64
	for _, item := range cart.Items {
		product, exists := products[item.SKU]
		if !exists {
			return nil, fmt.Errorf("failed to price sku %s: %w", item.SKU, catalog.ErrProductNotFound)
		}

		subtotal := product.Price * float64(item.Quantity)
		snapshot.Items = append(snapshot.Items, domain.CartSnapshotItem{
			SKU:         item.SKU,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
			Subtotal:    subtotal,
		})
		totalAmount += subtotal
	}

	snapshot.TotalAmount = totalAmount
	return snapshot, nil
}

// Clear empties the live cart after a checkout completed. The caller
// treats failures as non-fatal; the cart going stale is cosmetic.
func (p *SnapshotProvider) Clear(ctx context.Context, userID string) error {
	return p.carts.ClearCart(ctx, userID)
}
