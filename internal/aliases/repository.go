package aliases

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

// Repository persists aliases in PostgreSQL.
type Repository struct {
	db db.Querier
}

// NewRepository constructs Repository.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// Candidates returns the client's alias and the global alias for aliasNorm, best first.
func (r *Repository) Candidates(ctx context.Context, clientID int64, aliasNorm string) ([]Alias, error) {
	rows, err := r.db.Query(ctx, `
		SELECT client_id, alias_norm, alias_raw, stock_sku, confidence::float8, times_used, last_used_at
		FROM sku_aliases
		WHERE client_id IN ($1, $2) AND alias_norm = $3
		ORDER BY confidence DESC, times_used DESC, last_used_at DESC NULLS LAST, stock_sku ASC, client_id DESC`,
		clientID, GlobalClientID, aliasNorm)
	if err != nil {
		return nil, fmt.Errorf("aliases: candidates: %w", err)
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ClientID, &a.AliasNorm, &a.AliasRaw, &a.StockSKU, &a.Confidence, &a.TimesUsed, &a.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Touch records one use in a single statement so concurrent matches never lose increments.
func (r *Repository) Touch(ctx context.Context, clientID int64, aliasNorm string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sku_aliases SET times_used = times_used + 1, last_used_at = $3, updated_at = now()
		WHERE client_id = $1 AND alias_norm = $2`, clientID, aliasNorm, at)
	if err != nil {
		return fmt.Errorf("aliases: touch: %w", err)
	}
	return nil
}

// Upsert learns an alias with the same rules as Merge, atomically.
func (r *Repository) Upsert(ctx context.Context, a Alias) (Alias, error) {
	var out Alias
	err := r.db.QueryRow(ctx, `
		INSERT INTO sku_aliases (client_id, alias_norm, alias_raw, stock_sku, confidence, times_used, last_used_at)
		VALUES ($1, $2, $3, $4, $5, 0, NULL)
		ON CONFLICT (client_id, alias_norm) DO UPDATE SET
			alias_raw = EXCLUDED.alias_raw,
			confidence = CASE WHEN sku_aliases.stock_sku = EXCLUDED.stock_sku
				THEN GREATEST(sku_aliases.confidence, EXCLUDED.confidence) ELSE EXCLUDED.confidence END,
			times_used = CASE WHEN sku_aliases.stock_sku = EXCLUDED.stock_sku THEN sku_aliases.times_used ELSE 0 END,
			last_used_at = CASE WHEN sku_aliases.stock_sku = EXCLUDED.stock_sku THEN sku_aliases.last_used_at ELSE NULL END,
			stock_sku = EXCLUDED.stock_sku,
			updated_at = now()
		RETURNING client_id, alias_norm, alias_raw, stock_sku, confidence::float8, times_used, last_used_at`,
		a.ClientID, a.AliasNorm, a.AliasRaw, a.StockSKU, a.Confidence,
	).Scan(&out.ClientID, &out.AliasNorm, &out.AliasRaw, &out.StockSKU, &out.Confidence, &out.TimesUsed, &out.LastUsedAt)
	if err != nil {
		return Alias{}, fmt.Errorf("aliases: upsert: %w", err)
	}
	return out, nil
}
