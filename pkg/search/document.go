package search

import (
	"sort"
	"strings"
	"time"

	"github.com/catalogkit/conveyor/pkg/catalog"
)

const newProductWindow = 30 * 24 * time.Hour

// Document is the denormalized product view the search index serves.
// AllText, Tags, PriceRange, ScoreBoost and PopularityScore are derived: pure
// functions of the other fields, recomputed on every write. ClickCount and
// PurchaseCount belong to the index alone; content writes never touch them.
type Document struct {
	ID          string            `json:"id"`
	ProductID   string            `json:"productId"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	SKU         string            `json:"sku"`
	Price       float64           `json:"price"`
	Categories  []string          `json:"categories,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Images      []string          `json:"images,omitempty"`
	InStock     bool              `json:"inStock"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`

	ClickCount    int64 `json:"clickCount"`
	PurchaseCount int64 `json:"purchaseCount"`

	PopularityScore int64    `json:"popularityScore"`
	AllText         string   `json:"allText"`
	Tags            []string `json:"tags,omitempty"`
	PriceRange      string   `json:"priceRange"`
	ScoreBoost      float64  `json:"scoreBoost"`
}

// FromProduct projects a catalog product into a fresh document with zeroed
// counters.
func FromProduct(p *catalog.Product, now time.Time) *Document {
	doc := &Document{
		ID:          p.ID,
		ProductID:   p.ID,
		Name:        p.Name,
		Description: p.Description,
		SKU:         p.SKU,
		Price:       p.Price,
		Categories:  append([]string(nil), p.Categories...),
		Images:      append([]string(nil), p.Images...),
		InStock:     p.StockQuantity > 0,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.Attributes != nil {
		doc.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			doc.Attributes[k] = v
		}
	}
	doc.recompute(now)
	return doc
}

// recompute rederives the computed fields. PopularityScore goes first: Tags
// and ScoreBoost read it.
func (d *Document) recompute(now time.Time) {
	d.PopularityScore = d.ClickCount + 10*d.PurchaseCount
	d.PriceRange = priceRangeFor(d.Price)
	d.Tags = d.buildTags()
	d.AllText = d.buildAllText()
	d.ScoreBoost = d.computeScoreBoost(now)
}

func priceRangeFor(price float64) string {
	switch {
	case price <= 0:
		return "unknown"
	case price < 50:
		return "0-50"
	case price < 100:
		return "50-100"
	case price < 200:
		return "100-200"
	case price < 500:
		return "200-500"
	case price < 1000:
		return "500-1000"
	default:
		return "1000+"
	}
}

func (d *Document) buildTags() []string {
	seen := make(map[string]struct{}, len(d.Categories)+6)
	tags := make([]string, 0, len(d.Categories)+6)
	add := func(tag string) {
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	for _, c := range d.Categories {
		add(c)
	}
	add(d.Attributes["brand"])
	switch {
	case d.Price < 100:
		add("budget")
	case d.Price > 500:
		add("premium")
	default:
		add("mid-range")
	}
	if d.PopularityScore > 50 {
		add("popular")
	}
	if d.PurchaseCount > 100 {
		add("bestseller")
	}
	if d.InStock {
		add("available")
	}
	return tags
}

func (d *Document) buildAllText() string {
	parts := make([]string, 0, 3+len(d.Categories)+len(d.Attributes))
	for _, s := range []string{d.Name, d.Description, d.SKU} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	for _, c := range d.Categories {
		if c != "" {
			parts = append(parts, c)
		}
	}
	// sorted for a deterministic text regardless of map order
	keys := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := d.Attributes[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func (d *Document) computeScoreBoost(now time.Time) float64 {
	boost := 1.0 + float64(d.PopularityScore)/200
	if !d.CreatedAt.IsZero() && now.Sub(d.CreatedAt) <= newProductWindow {
		boost += 0.2
	}
	if len(d.Images) > 0 {
		boost += 0.1
	}
	if boost > 2.0 {
		boost = 2.0
	}
	return boost
}

// DocumentPatch is a content-only partial update. Nil fields are left alone;
// counters cannot be expressed here at all.
type DocumentPatch struct {
	Name        *string
	Description *string
	SKU         *string
	Price       *float64
	Categories  []string
	Attributes  map[string]string
	Images      []string
	InStock     *bool
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
}

// PatchFromProduct expresses the full product content as a patch.
func PatchFromProduct(p *catalog.Product) DocumentPatch {
	patch := DocumentPatch{
		Name:        &p.Name,
		Description: &p.Description,
		SKU:         &p.SKU,
		Price:       &p.Price,
		Categories:  append([]string(nil), p.Categories...),
		Images:      append([]string(nil), p.Images...),
		CreatedAt:   &p.CreatedAt,
		UpdatedAt:   &p.UpdatedAt,
	}
	inStock := p.StockQuantity > 0
	patch.InStock = &inStock
	if p.Attributes != nil {
		patch.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			patch.Attributes[k] = v
		}
	}
	return patch
}

func (p DocumentPatch) apply(doc *Document) {
	if p.Name != nil {
		doc.Name = *p.Name
	}
	if p.Description != nil {
		doc.Description = *p.Description
	}
	if p.SKU != nil {
		doc.SKU = *p.SKU
	}
	if p.Price != nil {
		doc.Price = *p.Price
	}
	if p.Categories != nil {
		doc.Categories = append([]string(nil), p.Categories...)
	}
	if p.Attributes != nil {
		doc.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			doc.Attributes[k] = v
		}
	}
	if p.Images != nil {
		doc.Images = append([]string(nil), p.Images...)
	}
	if p.InStock != nil {
		doc.InStock = *p.InStock
	}
	if p.CreatedAt != nil {
		doc.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		doc.UpdatedAt = *p.UpdatedAt
	}
}

func cloneDocument(d *Document) *Document {
	out := *d
	if d.Categories != nil {
		out.Categories = append([]string(nil), d.Categories...)
	}
	if d.Images != nil {
		out.Images = append([]string(nil), d.Images...)
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	if d.Attributes != nil {
		out.Attributes = make(map[string]string, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}
