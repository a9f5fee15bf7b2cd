package kits

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// RepositoryPort abstracts kit persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the writes of one kit registration.
type TxRepository interface {
	MissingProducts(ctx context.Context, skus []string) ([]string, error)
	// UpsertKit creates or updates the kit row and holds its row lock until commit.
	UpsertKit(ctx context.Context, meta KitMetadata) (catalog.Product, error)
	ReplaceBOM(ctx context.Context, kitSKU string, components []Component) error
	MarkLineMatched(ctx context.Context, rawID int64, kitSKU string) (orderlines.Line, error)
}

// SnapshotSource supplies catalog snapshots and is told about catalog writes.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
	Invalidate(ctx context.Context) error
}

// Locker serializes kit writes across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// LineObserver is notified after a line was related to a kit.
type LineObserver interface {
	LineChanged(ctx context.Context, line orderlines.Line) error
}

// Resolver finds, registers and explodes kits.
type Resolver struct {
	repo     RepositoryPort
	catalog  SnapshotSource
	locker   Locker
	observer LineObserver
	logger   *slog.Logger
}

// NewResolver builds Resolver. locker and observer may be nil.
func NewResolver(repo RepositoryPort, source SnapshotSource, locker Locker, observer LineObserver, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, catalog: source, locker: locker, observer: observer, logger: logger}
}

// FindByComposition lists kits whose BOM equals the supplied composition.
func (r *Resolver) FindByComposition(ctx context.Context, components []Component) ([]KitCandidate, error) {
	merged, err := MergeComponents(components)
	if err != nil {
		return nil, shared.Validation("kits.find", "invalid_payload", err)
	}
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, shared.Persistence("kits.find", err)
	}
	return MatchComposition(snap.Kits(), merged), nil
}

// CreateAndRelate upserts the kit, replaces its BOM and optionally relates a raw line, in one transaction.
func (r *Resolver) CreateAndRelate(ctx context.Context, meta KitMetadata, components []Component, rawID *int64) (catalog.Product, error) {
	const op = "kits.create"
	meta.SKU = strings.TrimSpace(meta.SKU)
	if meta.SKU == "" {
		return catalog.Product{}, shared.Validation(op, "sku_empty", ErrKitSKURequired)
	}
	merged, err := MergeComponents(components)
	if err != nil {
		return catalog.Product{}, shared.Validation(op, "invalid_payload", err)
	}
	skus := make([]string, 0, len(merged))
	for _, c := range merged {
		if c.SKU == meta.SKU {
			return catalog.Product{}, shared.Validation(op, "invalid_payload", ErrSelfReference)
		}
		skus = append(skus, c.SKU)
	}

	var (
		product catalog.Product
		related orderlines.Line
	)
	write := func(ctx context.Context) error {
		return r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			missing, err := tx.MissingProducts(ctx, skus)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return shared.NotFound(op, "sku_not_found", errors.Join(ErrComponentNotFound, errors.New(strings.Join(missing, ","))))
			}
			product, err = tx.UpsertKit(ctx, meta)
			if err != nil {
				return err
			}
			if err := tx.ReplaceBOM(ctx, meta.SKU, merged); err != nil {
				return err
			}
			if rawID == nil {
				return nil
			}
			related, err = tx.MarkLineMatched(ctx, *rawID, meta.SKU)
			return err
		})
	}
	if r.locker != nil {
		err = r.locker.WithLock(ctx, shared.KitLockKey(meta.SKU), write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return catalog.Product{}, mapKitError(op, err)
	}

	product.BOM = make([]catalog.BOMEntry, 0, len(merged))
	for _, c := range merged {
		product.BOM = append(product.BOM, catalog.BOMEntry{ComponentSKU: c.SKU, QtyPerKit: c.Qty})
	}
	if err := r.catalog.Invalidate(ctx); err != nil {
		r.logger.Warn("catalog invalidate failed", slog.String("kit", meta.SKU), slog.Any("error", err))
	}
	if rawID != nil && r.observer != nil {
		if err := r.observer.LineChanged(ctx, related); err != nil {
			r.logger.Warn("line observer failed", slog.Int64("raw_id", *rawID), slog.Any("error", err))
		}
	}
	r.logger.Info("kit registered", slog.String("kit", meta.SKU), slog.Int("components", len(merged)))
	return product, nil
}

// Explode expands a kit line into its components.
func (r *Resolver) Explode(ctx context.Context, kitSKU string, lineQty float64) ([]Component, error) {
	const op = "kits.explode"
	if lineQty <= 0 {
		return nil, shared.Validation(op, "invalid_payload", ErrInvalidComponent)
	}
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, shared.Persistence(op, err)
	}
	kit, ok := snap.Product(kitSKU)
	if !ok {
		return nil, shared.NotFound(op, "kit_not_found", ErrKitNotFound)
	}
	out, err := ExplodeProduct(kit, lineQty)
	if err != nil {
		return nil, shared.NotFound(op, "kit_not_found", err)
	}
	return out, nil
}

func mapKitError(op string, err error) error {
	switch {
	case errors.Is(err, orderlines.ErrLineNotFound):
		return shared.NotFound(op, "raw_not_found", err)
	case errors.Is(err, orderlines.ErrAlreadyMatched):
		return shared.Conflict(op, "already_related", err)
	case errors.Is(err, ErrNotAKit):
		return shared.Conflict(op, "sku_not_kit", err)
	}
	return shared.Persistence(op, err)
}
