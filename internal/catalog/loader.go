package catalog

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// ProductSource lists the full catalog.
type ProductSource interface {
	ListProducts(ctx context.Context) ([]Product, error)
}

// Loader builds catalog snapshots, sharing concurrent loads and caching the product list.
type Loader struct {
	source ProductSource
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewLoader constructs a Loader. cache and logger may be nil.
func NewLoader(source ProductSource, cache *Cache, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: source, cache: cache, logger: logger}
}

// Snapshot returns a read-consistent catalog index.
func (l *Loader) Snapshot(ctx context.Context) (*Snapshot, error) {
	key, err := l.cache.BuildKey(ctx, "catalog", "snapshot")
	if err != nil {
		l.logger.Warn("catalog cache unavailable", slog.Any("error", err))
		return l.load(ctx)
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		var products []Product
		err := l.cache.FetchJSON(ctx, key, &products, func(ctx context.Context) (any, error) {
			return l.source.ListProducts(ctx)
		})
		if err != nil {
			return nil, err
		}
		return NewSnapshot(products), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops cached snapshots after catalog writes.
func (l *Loader) Invalidate(ctx context.Context) error {
	return l.cache.Bump(ctx)
}

func (l *Loader) load(ctx context.Context) (*Snapshot, error) {
	products, err := l.source.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(products), nil
}
