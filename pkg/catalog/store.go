package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Store is the catalog write store. Every mutation co-writes the matching
// outbox event with the product change, so an event exists iff its mutation
// committed. Reads return copies.
type Store interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	// ListProducts pages through products in stable (createdAt, id) order.
	ListProducts(ctx context.Context, offset, limit int) ([]Product, error)
	// UpdatedSince returns products touched at or after since, oldest first.
	UpdatedSince(ctx context.Context, since time.Time, limit int) ([]Product, error)
	CountProducts(ctx context.Context) (int64, error)

	// CreateProduct writes the product and a ProductCreated event.
	CreateProduct(ctx context.Context, p *Product) error
	// UpdateProduct replaces the product and writes a ProductUpdated event
	// carrying the full new state.
	UpdateProduct(ctx context.Context, p *Product) error
	// DeleteProduct removes the product and writes a ProductDeleted event.
	DeleteProduct(ctx context.Context, id string) error
	// RecordView writes a ProductViewed event. The product itself does not
	// change.
	RecordView(ctx context.Context, id string) error
	// RecordPurchase decrements stock and writes ProductPurchased plus
	// ProductInventoryChanged with the remaining stock.
	RecordPurchase(ctx context.Context, id string, quantity int) error
}
