package emission

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

// Repository persists sales, movements and balances in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx      pgx.Tx
	lines   *orderlines.Repository
	catalog *catalog.Repository
}

// WithTx runs fn in a read-committed transaction. Order transactions serialize on the
// advisory lock taken by LockOrder, so every statement after it sees the previous writer's commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, lines: orderlines.NewRepository(tx), catalog: catalog.NewRepository(tx)})
	})
}

// ListLines returns every line in scope regardless of status.
func (r *Repository) ListLines(ctx context.Context, scope orderlines.Scope) ([]orderlines.Line, error) {
	return orderlines.NewRepository(r.pool).ListByScope(ctx, scope, "")
}

// Sales returns the sale rows of an order.
func (r *Repository) Sales(ctx context.Context, pedidoUID string) ([]Sale, error) {
	return querySales(ctx, r.pool, pedidoUID)
}

// Balance returns the stock counter for sku.
func (r *Repository) Balance(ctx context.Context, sku string) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE((SELECT qty::float8 FROM stock_balances WHERE sku = $1), 0)`, sku).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("emission: balance: %w", err)
	}
	return qty, nil
}

func (t *txRepo) LockOrder(ctx context.Context, pedidoUID string) error {
	return db.AdvisoryXactLock(ctx, t.tx, "order:"+pedidoUID)
}

func (t *txRepo) SalesByOrder(ctx context.Context, pedidoUID string) ([]Sale, error) {
	return querySales(ctx, t.tx, pedidoUID)
}

func (t *txRepo) EmittedLines(ctx context.Context, pedidoUID string) ([]orderlines.Line, error) {
	return t.lines.ListEmitted(ctx, pedidoUID)
}

func (t *txRepo) UnitCosts(ctx context.Context, skus []string) (map[string]decimal.Decimal, error) {
	return t.catalog.UnitCosts(ctx, skus)
}

func (t *txRepo) UpsertSale(ctx context.Context, sale Sale) (Sale, error) {
	out := sale
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sales (pedido_uid, sku, quantity, unit_price, channel, client_id, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (pedido_uid, sku) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			unit_price = EXCLUDED.unit_price,
			channel = EXCLUDED.channel,
			client_id = EXCLUDED.client_id,
			cancelled = FALSE,
			updated_at = CASE
				WHEN sales.quantity = EXCLUDED.quantity AND sales.unit_price = EXCLUDED.unit_price AND NOT sales.cancelled
				THEN sales.updated_at ELSE now() END
		RETURNING id, created_at, updated_at`,
		sale.PedidoUID, sale.SKU, sale.Quantity, sale.UnitPrice, sale.Channel, sale.ClientID,
	).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Sale{}, fmt.Errorf("emission: upsert sale: %w", err)
	}
	out.Cancelled = false
	return out, nil
}

func (t *txRepo) CancelSale(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `UPDATE sales SET cancelled = TRUE, updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("emission: cancel sale: %w", err)
	}
	return nil
}

func (t *txRepo) InsertMovement(ctx context.Context, m StockMovement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_movements (id, sku, quantity, direction, reason, pedido_uid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SKU, m.Quantity, m.Direction, m.Reason, m.PedidoUID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("emission: insert movement: %w", err)
	}
	return nil
}

// AdjustStock applies delta in one statement; balances may go negative.
func (t *txRepo) AdjustStock(ctx context.Context, sku string, delta float64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_balances (sku, qty) VALUES ($1, $2)
		ON CONFLICT (sku) DO UPDATE SET qty = stock_balances.qty + EXCLUDED.qty, updated_at = now()`,
		sku, delta)
	if err != nil {
		return fmt.Errorf("emission: adjust stock: %w", err)
	}
	return nil
}

func (t *txRepo) MarkLinesEmitted(ctx context.Context, ids []int64, pedidoUID string, at time.Time) error {
	return t.lines.MarkEmitted(ctx, ids, pedidoUID, at)
}

func querySales(ctx context.Context, q db.Querier, pedidoUID string) ([]Sale, error) {
	rows, err := q.Query(ctx, `
		SELECT id, pedido_uid, sku, quantity::float8, unit_price, channel, client_id, cancelled, created_at, updated_at
		FROM sales WHERE pedido_uid = $1 ORDER BY sku`, pedidoUID)
	if err != nil {
		return nil, fmt.Errorf("emission: sales: %w", err)
	}
	defer rows.Close()
	var out []Sale
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.PedidoUID, &s.SKU, &s.Quantity, &s.UnitPrice, &s.Channel, &s.ClientID,
			&s.Cancelled, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
