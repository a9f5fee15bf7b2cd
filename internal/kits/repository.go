package kits

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

// Repository persists kits and their BOMs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx    pgx.Tx
	lines *orderlines.Repository
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, lines: orderlines.NewRepository(tx)})
	})
}

func (t *txRepo) MissingProducts(ctx context.Context, skus []string) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT s FROM unnest($1::text[]) AS s
		WHERE NOT EXISTS (SELECT 1 FROM products p WHERE p.sku = s)
		ORDER BY s`, skus)
	if err != nil {
		return nil, fmt.Errorf("kits: missing products: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *txRepo) UpsertKit(ctx context.Context, meta KitMetadata) (catalog.Product, error) {
	var p catalog.Product
	err := t.tx.QueryRow(ctx, `
		INSERT INTO products (sku, name, is_kit, unit_cost)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (sku) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), products.name),
			unit_cost = EXCLUDED.unit_cost,
			updated_at = now()
		WHERE products.is_kit
		RETURNING sku, name, is_kit, unit_cost`, meta.SKU, meta.Name, meta.UnitCost,
	).Scan(&p.SKU, &p.Name, &p.IsKit, &p.UnitCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Product{}, fmt.Errorf("%w: %s", ErrNotAKit, meta.SKU)
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("kits: upsert kit: %w", err)
	}
	return p, nil
}

// ReplaceBOM runs delete and insert inside the caller's transaction; readers keep seeing the
// committed BOM until commit.
func (t *txRepo) ReplaceBOM(ctx context.Context, kitSKU string, components []Component) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM product_bom WHERE kit_sku = $1`, kitSKU); err != nil {
		return fmt.Errorf("kits: clear bom: %w", err)
	}
	batch := &pgx.Batch{}
	for i, c := range components {
		batch.Queue(`INSERT INTO product_bom (kit_sku, component_sku, qty_per_kit, line_order) VALUES ($1, $2, $3, $4)`,
			kitSKU, c.SKU, c.Qty, i)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("kits: insert bom: %w", err)
	}
	return nil
}

func (t *txRepo) MarkLineMatched(ctx context.Context, rawID int64, kitSKU string) (orderlines.Line, error) {
	if err := t.lines.MarkMatched(ctx, rawID, kitSKU, orderlines.SourceKit); err != nil {
		return orderlines.Line{}, err
	}
	return t.lines.Get(ctx, rawID)
}
