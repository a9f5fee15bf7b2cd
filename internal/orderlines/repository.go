package orderlines

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

// Repository persists raw order lines in PostgreSQL.
type Repository struct {
	db db.Querier
}

// NewRepository constructs Repository over a pool or a transaction.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const lineColumns = `
	SELECT id, scope_kind, scope_id, client_id, channel_kind, raw_sku, quantity, unit_price,
	       sales_channel, shipping_method, cancellation_reason, order_state, post_sale_status,
	       external_order_id, shipment_number, line_external_code, status,
	       COALESCE(matched_sku, ''), COALESCE(match_source, ''), COALESCE(pedido_uid, ''), emitted_at
	FROM raw_order_lines`

// InsertBatch stores lines produced by the ingestion parser and returns their ids in order.
func (r *Repository) InsertBatch(ctx context.Context, lines []Line) ([]int64, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, l := range lines {
		status := l.Status
		if status == "" {
			status = StatusPending
		}
		batch.Queue(`
			INSERT INTO raw_order_lines (scope_kind, scope_id, client_id, channel_kind, raw_sku, quantity, unit_price,
				sales_channel, shipping_method, cancellation_reason, order_state, post_sale_status,
				external_order_id, shipment_number, line_external_code, status, matched_sku, match_source)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NULLIF($17,''),NULLIF($18,''))
			RETURNING id`,
			l.ScopeKind, l.ScopeID, l.ClientID, l.Channel, l.RawSKU, l.Quantity, l.UnitPrice,
			l.SalesChannel, l.ShippingMethod, l.CancellationReason, l.OrderState, l.PostSaleStatus,
			l.ExternalOrderID, l.ShipmentNumber, l.LineExternalCode, status, l.MatchedSKU, string(l.MatchSource))
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	ids := make([]int64, 0, len(lines))
	for range lines {
		var id int64
		if err := results.QueryRow().Scan(&id); err != nil {
			return nil, fmt.Errorf("orderlines: insert batch: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get loads one line.
func (r *Repository) Get(ctx context.Context, id int64) (Line, error) {
	lines, err := r.query(ctx, lineColumns+` WHERE id = $1`, id)
	if err != nil {
		return Line{}, err
	}
	if len(lines) == 0 {
		return Line{}, ErrLineNotFound
	}
	return lines[0], nil
}

// ListByScope returns lines in scope, optionally filtered by status, ordered by id.
func (r *Repository) ListByScope(ctx context.Context, scope Scope, status Status) ([]Line, error) {
	where, args := scopeFilter(scope)
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return r.query(ctx, lineColumns+` WHERE `+where+` ORDER BY id`, args...)
}

// ListEmitted returns the lines already emitted under pedidoUID, ordered by id.
func (r *Repository) ListEmitted(ctx context.Context, pedidoUID string) ([]Line, error) {
	return r.query(ctx, lineColumns+` WHERE pedido_uid = $1 AND emitted_at IS NOT NULL ORDER BY id`, pedidoUID)
}

// ListPending pages through pending lines in scope and reports the total.
func (r *Repository) ListPending(ctx context.Context, scope Scope, limit, offset int) ([]Line, int, error) {
	where, args := scopeFilter(scope)
	where += " AND status = 'pending'"

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM raw_order_lines WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("orderlines: count pending: %w", err)
	}
	args = append(args, limit, offset)
	lines, err := r.query(ctx, lineColumns+` WHERE `+where+
		fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return lines, total, nil
}

// MarkMatched moves a pending line to matched. Lines that are no longer pending are left untouched.
func (r *Repository) MarkMatched(ctx context.Context, id int64, sku string, source MatchSource) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE raw_order_lines
		SET status = 'matched', matched_sku = $2, match_source = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, sku, source)
	if err != nil {
		return fmt.Errorf("orderlines: mark matched: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM raw_order_lines WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("orderlines: mark matched: %w", err)
	}
	if !exists {
		return ErrLineNotFound
	}
	return ErrAlreadyMatched
}

// MarkEmitted stamps emitted lines with their pedido_uid.
func (r *Repository) MarkEmitted(ctx context.Context, ids []int64, pedidoUID string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE raw_order_lines SET pedido_uid = $2, emitted_at = $3, updated_at = now()
		WHERE id = ANY($1)`, ids, pedidoUID, at)
	if err != nil {
		return fmt.Errorf("orderlines: mark emitted: %w", err)
	}
	return nil
}

func scopeFilter(scope Scope) (string, []any) {
	var conds []string
	var args []any
	if scope.Kind != ScopeClient {
		args = append(args, scope.Kind, scope.ID)
		conds = append(conds, "scope_kind = $1", "scope_id = $2")
	}
	if scope.ClientID > 0 {
		args = append(args, scope.ClientID)
		conds = append(conds, fmt.Sprintf("client_id = $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Line, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orderlines: query: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(
			&l.ID, &l.ScopeKind, &l.ScopeID, &l.ClientID, &l.Channel, &l.RawSKU, &l.Quantity, &l.UnitPrice,
			&l.SalesChannel, &l.ShippingMethod, &l.CancellationReason, &l.OrderState, &l.PostSaleStatus,
			&l.ExternalOrderID, &l.ShipmentNumber, &l.LineExternalCode, &l.Status,
			&l.MatchedSKU, &l.MatchSource, &l.PedidoUID, &l.EmittedAt,
		); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
