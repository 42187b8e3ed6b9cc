package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/catalogkit/conveyor/pkg/outbox"
)

// MemoryStore keeps products in process memory. Mutations hold the store lock
// across the product write and the outbox append, which stands in for the
// transaction the postgres store gets from the database.
type MemoryStore struct {
	producer *outbox.Producer

	mtx      sync.RWMutex
	products map[string]*Product
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(producer *outbox.Producer) *MemoryStore {
	return &MemoryStore{
		producer: producer,
		products: map[string]*Product{},
	}
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*Product, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return cloneProduct(p), nil
}

func (s *MemoryStore) ListProducts(_ context.Context, offset, limit int) ([]Product, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	all := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		all = append(all, *cloneProduct(p))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) UpdatedSince(_ context.Context, since time.Time, limit int) ([]Product, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []Product
	for _, p := range s.products {
		if !p.UpdatedAt.Before(since) {
			out = append(out, *cloneProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountProducts(_ context.Context) (int64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return int64(len(s.products)), nil
}

func (s *MemoryStore) CreateProduct(ctx context.Context, p *Product) error {
	if p.Name == "" {
		return fmt.Errorf("product name must not be empty")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %q already exists", p.ID)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	stored := cloneProduct(p)
	s.products[p.ID] = stored

	if err := s.appendEvents(ctx, p.ID, ProductCreated{Product: *cloneProduct(stored)}); err != nil {
		delete(s.products, p.ID)
		return err
	}
	return nil
}

func (s *MemoryStore) UpdateProduct(ctx context.Context, p *Product) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	prev, ok := s.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}

	p.CreatedAt = prev.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	stored := cloneProduct(p)
	s.products[p.ID] = stored

	if err := s.appendEvents(ctx, p.ID, ProductUpdated{Product: *cloneProduct(stored)}); err != nil {
		s.products[p.ID] = prev
		return err
	}
	return nil
}

func (s *MemoryStore) DeleteProduct(ctx context.Context, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	prev, ok := s.products[id]
	if !ok {
		return ErrProductNotFound
	}
	delete(s.products, id)

	if err := s.appendEvents(ctx, id, ProductDeleted{ProductID: id}); err != nil {
		s.products[id] = prev
		return err
	}
	return nil
}

func (s *MemoryStore) RecordView(ctx context.Context, id string) error {
	s.mtx.RLock()
	_, ok := s.products[id]
	s.mtx.RUnlock()
	if !ok {
		return ErrProductNotFound
	}

	return s.appendEvents(ctx, id, ProductViewed{ProductID: id})
}

func (s *MemoryStore) RecordPurchase(ctx context.Context, id string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("purchase quantity must be positive")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.products[id]
	if !ok {
		return ErrProductNotFound
	}
	if p.StockQuantity < quantity {
		return ErrInsufficientStock
	}

	prevStock, prevUpdated := p.StockQuantity, p.UpdatedAt
	p.StockQuantity -= quantity
	p.UpdatedAt = time.Now().UTC()

	err := s.appendEvents(ctx, id,
		ProductPurchased{ProductID: id, Quantity: quantity},
		ProductInventoryChanged{ProductID: id, StockQuantity: p.StockQuantity},
	)
	if err != nil {
		p.StockQuantity, p.UpdatedAt = prevStock, prevUpdated
		return err
	}
	return nil
}

func (s *MemoryStore) appendEvents(ctx context.Context, aggregateID string, events ...Event) error {
	for _, ev := range events {
		buf, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := s.producer.StoreEvent(ctx, aggregateID, AggregateProduct, ev.EventType(), jsoniter.RawMessage(buf)); err != nil {
			return err
		}
	}
	return nil
}

func cloneProduct(p *Product) *Product {
	out := *p
	if p.Categories != nil {
		out.Categories = append([]string(nil), p.Categories...)
	}
	if p.Images != nil {
		out.Images = append([]string(nil), p.Images...)
	}
	if p.Attributes != nil {
		out.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}
