package shipments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

// Repository persists shipments in PostgreSQL.
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

const shipmentColumns = `SELECT id, number, client_id, status, pending, matched, emitted, excluded, updated_at FROM shipments`

// WithTx runs fn in a read-committed transaction so line reads after the row lock see
// every committed write.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, lines: orderlines.NewRepository(tx)})
	})
}

// Get loads one shipment.
func (r *Repository) Get(ctx context.Context, id int64) (Shipment, error) {
	return scanShipment(r.pool.QueryRow(ctx, shipmentColumns+` WHERE id = $1`, id))
}

// ListIDsByClient returns the client's shipment ids.
func (r *Repository) ListIDsByClient(ctx context.Context, clientID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM shipments WHERE client_id = $1 ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("shipments: list ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Create registers a shipment export, returning the existing row for a repeated number.
func (r *Repository) Create(ctx context.Context, clientID int64, number string) (Shipment, error) {
	return scanShipment(r.pool.QueryRow(ctx, `
		INSERT INTO shipments (client_id, number) VALUES ($1, $2)
		ON CONFLICT (client_id, number) DO UPDATE SET updated_at = shipments.updated_at
		RETURNING id, number, client_id, status, pending, matched, emitted, excluded, updated_at`, clientID, number))
}

func (t *txRepo) LockShipment(ctx context.Context, id int64) (Shipment, error) {
	return scanShipment(t.tx.QueryRow(ctx, shipmentColumns+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) ListLines(ctx context.Context, shipmentID int64) ([]orderlines.Line, error) {
	return t.lines.ListByScope(ctx, orderlines.Scope{Kind: orderlines.ScopeShipment, ID: shipmentID}, "")
}

func (t *txRepo) SaveDerived(ctx context.Context, id int64, status Status, c Counts) (Shipment, error) {
	return scanShipment(t.tx.QueryRow(ctx, `
		UPDATE shipments
		SET status = $2, pending = $3, matched = $4, emitted = $5, excluded = $6, updated_at = now()
		WHERE id = $1
		RETURNING id, number, client_id, status, pending, matched, emitted, excluded, updated_at`,
		id, status, c.Pending, c.Matched, c.Emitted, c.Excluded))
}

func scanShipment(row pgx.Row) (Shipment, error) {
	var s Shipment
	err := row.Scan(&s.ID, &s.Number, &s.ClientID, &s.Status,
		&s.Counts.Pending, &s.Counts.Matched, &s.Counts.Emitted, &s.Counts.Excluded, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, ErrShipmentNotFound
	}
	if err != nil {
		return Shipment{}, fmt.Errorf("shipments: scan: %w", err)
	}
	return s, nil
}
