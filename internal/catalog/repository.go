package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

// Repository reads the product catalog from PostgreSQL.
type Repository struct {
	db db.Querier
}

// NewRepository constructs Repository over a pool or a transaction.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const productColumns = `
	SELECT p.sku, p.name, p.is_kit, p.unit_cost, b.component_sku, b.qty_per_kit
	FROM products p
	LEFT JOIN product_bom b ON b.kit_sku = p.sku`

// ListProducts returns every product with its BOM, ordered by SKU and BOM position.
func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	return r.queryProducts(ctx, productColumns+` ORDER BY p.sku, b.line_order, b.component_sku`)
}

// ListKits returns kit products with their BOMs.
func (r *Repository) ListKits(ctx context.Context) ([]Product, error) {
	return r.queryProducts(ctx, productColumns+` WHERE p.is_kit ORDER BY p.sku, b.line_order, b.component_sku`)
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, sku string) (Product, error) {
	products, err := r.queryProducts(ctx, productColumns+` WHERE p.sku = $1 ORDER BY b.line_order, b.component_sku`, sku)
	if err != nil {
		return Product{}, err
	}
	if len(products) == 0 {
		return Product{}, ErrProductNotFound
	}
	return products[0], nil
}

// UnitCosts returns the current unit cost per SKU. Missing SKUs are absent from the map.
func (r *Repository) UnitCosts(ctx context.Context, skus []string) (map[string]decimal.Decimal, error) {
	costs := make(map[string]decimal.Decimal, len(skus))
	if len(skus) == 0 {
		return costs, nil
	}
	rows, err := r.db.Query(ctx, `SELECT sku, unit_cost FROM products WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, fmt.Errorf("catalog: unit costs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sku string
		var cost decimal.Decimal
		if err := rows.Scan(&sku, &cost); err != nil {
			return nil, err
		}
		costs[sku] = cost
	}
	return costs, rows.Err()
}

func (r *Repository) queryProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var (
			p         Product
			component *string
			qty       *float64
		)
		if err := rows.Scan(&p.SKU, &p.Name, &p.IsKit, &p.UnitCost, &component, &qty); err != nil {
			return nil, err
		}
		if n := len(products); n > 0 && products[n-1].SKU == p.SKU {
			if component != nil && qty != nil {
				products[n-1].BOM = append(products[n-1].BOM, BOMEntry{ComponentSKU: *component, QtyPerKit: *qty})
			}
			continue
		}
		if component != nil && qty != nil {
			p.BOM = []BOMEntry{{ComponentSKU: *component, QtyPerKit: *qty}}
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
