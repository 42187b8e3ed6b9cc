package catalog

import "time"

// AggregateProduct is the aggregate type products publish outbox events
// under. It routes their messages onto the product topic.
const AggregateProduct = "product"

// Product is the fully materialized catalog aggregate: categories, attributes
// and images are resolved in-row before the product is handed to anything
// downstream.
type Product struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	SKU           string            `json:"sku"`
	Price         float64           `json:"price"`
	Categories    []string          `json:"categories,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Images        []string          `json:"images,omitempty"`
	StockQuantity int               `json:"stockQuantity"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}
