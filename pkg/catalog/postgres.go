package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"

	"github.com/catalogkit/conveyor/pkg/outbox"
)

const productsSchema = `
CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	sku            TEXT NOT NULL DEFAULT '',
	price          DOUBLE PRECISION NOT NULL DEFAULT 0,
	categories     TEXT[],
	attributes     JSONB,
	images         TEXT[],
	stock_quantity INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS products_updated_at_idx ON products (updated_at);
`

const selectProductSQL = `
SELECT id, name, description, sku, price, categories, attributes, images, stock_quantity, created_at, updated_at
FROM products`

// PostgresStore persists products and relies on the database transaction for
// the mutation+event contract: every mutation and its outbox rows commit or
// roll back together.
type PostgresStore struct {
	pool     *pgxpool.Pool
	producer *outbox.Producer
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, producer *outbox.Producer) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, productsSchema); err != nil {
		return nil, fmt.Errorf("creating products schema: %w", err)
	}
	return &PostgresStore{pool: pool, producer: producer}, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.pool.QueryRow(ctx, selectProductSQL+` WHERE id = $1`, id)

	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &p.Price,
		&p.Categories, &p.Attributes, &p.Images, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading product %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, offset, limit int) ([]Product, error) {
	if offset < 0 {
		offset = 0
	}

	q := selectProductSQL + ` ORDER BY created_at ASC, id ASC OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return scanProducts(rows)
}

func (s *PostgresStore) UpdatedSince(ctx context.Context, since time.Time, limit int) ([]Product, error) {
	q := selectProductSQL + ` WHERE updated_at >= $1 ORDER BY updated_at ASC, id ASC`
	args := []any{since}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing updated products: %w", err)
	}
	return scanProducts(rows)
}

func (s *PostgresStore) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting products: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, p *Product) error {
	if p.Name == "" {
		return fmt.Errorf("product name must not be empty")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO products (id, name, description, sku, price, categories, attributes, images, stock_quantity, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID, p.Name, p.Description, p.SKU, p.Price,
			p.Categories, p.Attributes, p.Images, p.StockQuantity, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting product %s: %w", p.ID, err)
		}
		return s.appendEventsTx(ctx, tx, p.ID, ProductCreated{Product: *p})
	})
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, p *Product) error {
	p.UpdatedAt = time.Now().UTC()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
UPDATE products
SET name = $2, description = $3, sku = $4, price = $5, categories = $6, attributes = $7, images = $8, stock_quantity = $9, updated_at = $10
WHERE id = $1
RETURNING created_at`,
			p.ID, p.Name, p.Description, p.SKU, p.Price,
			p.Categories, p.Attributes, p.Images, p.StockQuantity, p.UpdatedAt).
			Scan(&p.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProductNotFound
		}
		if err != nil {
			return fmt.Errorf("updating product %s: %w", p.ID, err)
		}
		return s.appendEventsTx(ctx, tx, p.ID, ProductUpdated{Product: *p})
	})
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("deleting product %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrProductNotFound
		}
		return s.appendEventsTx(ctx, tx, id, ProductDeleted{ProductID: id})
	})
}

func (s *PostgresStore) RecordView(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("checking product %s: %w", id, err)
		}
		if !exists {
			return ErrProductNotFound
		}
		return s.appendEventsTx(ctx, tx, id, ProductViewed{ProductID: id})
	})
}

func (s *PostgresStore) RecordPurchase(ctx context.Context, id string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("purchase quantity must be positive")
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var remaining int
		err := tx.QueryRow(ctx, `
UPDATE products
SET stock_quantity = stock_quantity - $2, updated_at = $3
WHERE id = $1 AND stock_quantity >= $2
RETURNING stock_quantity`, id, quantity, time.Now().UTC()).
			Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("checking product %s: %w", id, err)
			}
			if !exists {
				return ErrProductNotFound
			}
			return ErrInsufficientStock
		}
		if err != nil {
			return fmt.Errorf("recording purchase of product %s: %w", id, err)
		}

		return s.appendEventsTx(ctx, tx, id,
			ProductPurchased{ProductID: id, Quantity: quantity},
			ProductInventoryChanged{ProductID: id, StockQuantity: remaining},
		)
	})
}

func (s *PostgresStore) appendEventsTx(ctx context.Context, tx pgx.Tx, aggregateID string, events ...Event) error {
	for _, ev := range events {
		buf, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := s.producer.StoreEventTx(ctx, tx, aggregateID, AggregateProduct, ev.EventType(), jsoniter.RawMessage(buf)); err != nil {
			return err
		}
	}
	return nil
}

func scanProducts(rows pgx.Rows) ([]Product, error) {
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &p.Price,
			&p.Categories, &p.Attributes, &p.Images, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning product row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating product rows: %w", err)
	}
	return out, nil
}
