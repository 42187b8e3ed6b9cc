package search

import (
	"context"
	"errors"
)

// ErrDocumentNotFound reports a counter increment for a product the index has
// never seen. Analytics handlers treat it as skippable: there is nothing to
// count against until the product's content arrives.
var ErrDocumentNotFound = errors.New("document not found")

// Index is the search read model. Content writes (Upsert, Merge) and counter
// writes (IncrementCounters) own disjoint fields, so reconcilers and
// analytics handlers can write concurrently without losing each other's work.
type Index interface {
	// Upsert writes the document's content. Counters of an existing document
	// are preserved; the incoming ones only seed brand-new documents.
	Upsert(ctx context.Context, doc *Document) error
	// Merge applies a content patch, creating the document if the index has
	// not seen the product yet.
	Merge(ctx context.Context, productID string, patch DocumentPatch) error
	// Delete removes the document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, productID string) error
	// IncrementCounters atomically adds to the click/purchase counters,
	// rederives the computed fields and returns the updated document.
	IncrementCounters(ctx context.Context, productID string, clicks, purchases int64) (*Document, error)
	Get(ctx context.Context, productID string) (*Document, error)
	Count(ctx context.Context) (int64, error)
	// All pages documents in stable product-id order.
	All(ctx context.Context, offset, limit int) ([]Document, error)
}
