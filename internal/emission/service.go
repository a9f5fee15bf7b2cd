package emission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/kits"
	"github.com/odyssey-erp/salesrecon/internal/observability"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

const qtyEpsilon = 1e-9

// RepositoryPort abstracts emission persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLines(ctx context.Context, scope orderlines.Scope) ([]orderlines.Line, error)
}

// TxRepository exposes the writes of one order. Every order transaction starts with LockOrder.
type TxRepository interface {
	LockOrder(ctx context.Context, pedidoUID string) error
	SalesByOrder(ctx context.Context, pedidoUID string) ([]Sale, error)
	EmittedLines(ctx context.Context, pedidoUID string) ([]orderlines.Line, error)
	UnitCosts(ctx context.Context, skus []string) (map[string]decimal.Decimal, error)
	UpsertSale(ctx context.Context, sale Sale) (Sale, error)
	CancelSale(ctx context.Context, id int64) error
	InsertMovement(ctx context.Context, m StockMovement) error
	AdjustStock(ctx context.Context, sku string, delta float64) error
	MarkLinesEmitted(ctx context.Context, ids []int64, pedidoUID string, at time.Time) error
}

// SnapshotSource supplies catalog snapshots.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// Exploder expands kit lines into components.
type Exploder interface {
	Explode(ctx context.Context, kitSKU string, lineQty float64) ([]kits.Component, error)
}

// Locker serializes work on one order across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Observer is told which scope was emitted.
type Observer interface {
	ScopeChanged(ctx context.Context, scope orderlines.Scope) error
}

// Recorder receives emission counters.
type Recorder interface {
	ObserveEmission(outcome string, count int)
}

// Config groups service settings.
type Config struct {
	Workers int
}

// Deps groups optional collaborators.
type Deps struct {
	Locker   Locker
	Observer Observer
	Recorder Recorder
	Logger   *slog.Logger
}

// Service emits canonical sales and stock movements from matched lines.
type Service struct {
	repo     RepositoryPort
	catalog  SnapshotSource
	kits     Exploder
	adapters *orderlines.Adapters
	locker   Locker
	observer Observer
	recorder Recorder
	logger   *slog.Logger
	workers  int
	now      func() time.Time
	newID    func() uuid.UUID
}

// NewService builds Service.
func NewService(repo RepositoryPort, source SnapshotSource, exploder Exploder, adapters *orderlines.Adapters, cfg Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if adapters == nil {
		adapters = orderlines.NewAdapters(orderlines.DefaultVocabulary())
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Service{
		repo:     repo,
		catalog:  source,
		kits:     exploder,
		adapters: adapters,
		locker:   deps.Locker,
		observer: deps.Observer,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		workers:  cfg.Workers,
		now:      time.Now,
		newID:    uuid.New,
	}
}

type orderOutcome struct {
	inserted int
	existing int
	adjusted int
	reversed bool
	deferred bool
}

// Emit processes every order in scope. Orders are independent: a failing order is
// reported in Failures and rolled back without affecting the others.
func (s *Service) Emit(ctx context.Context, scope orderlines.Scope) (result Result, err error) {
	const op = "emission.emit"
	if err := scope.Validate(); err != nil {
		return Result{}, shared.Validation(op, "invalid_scope", err)
	}
	ctx, span := observability.StartSpan(ctx, "emission.Emit", attribute.String("scope", scope.String()))
	defer func() { observability.EndSpan(span, err) }()

	lines, err := s.repo.ListLines(ctx, scope)
	if err != nil {
		return Result{}, shared.Persistence(op, err)
	}
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return Result{}, shared.Persistence(op, err)
	}

	p := buildPlan(lines, s.adapters)
	result = Result{Scope: scope, FulfillmentSkipped: p.FulfillmentSkipped, Failures: p.Failures}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, o := range p.Orders {
		g.Go(func() error {
			outcome, err := s.emitOrder(ctx, snap, o)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, shared.NewFailure("order:"+o.UID, err))
				s.logger.Warn("order emission failed", slog.String("pedido_uid", o.UID), slog.Any("error", err))
				return nil
			}
			result.Inserted += outcome.inserted
			result.AlreadyExisted += outcome.existing
			result.Adjusted += outcome.adjusted
			if outcome.reversed {
				result.CancelledReversed++
			}
			if outcome.deferred {
				result.Deferred++
			}
			return nil
		})
	}
	_ = g.Wait()
	shared.SortFailures(result.Failures)

	s.recordResult(result)
	if s.observer != nil {
		if err := s.observer.ScopeChanged(ctx, scope); err != nil {
			s.logger.Warn("scope recompute failed", slog.String("scope", scope.String()), slog.Any("error", err))
		}
	}
	s.logger.Info("emission finished",
		slog.String("scope", scope.String()),
		slog.Int("inserted", result.Inserted),
		slog.Int("already_existed", result.AlreadyExisted),
		slog.Int("fulfillment_skipped", result.FulfillmentSkipped),
		slog.Int("cancelled_reversed", result.CancelledReversed),
		slog.Int("deferred", result.Deferred),
		slog.Int("failures", len(result.Failures)))
	return result, nil
}

func (s *Service) emitOrder(ctx context.Context, snap *catalog.Snapshot, o order) (outcome orderOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "emission.order", attribute.String("pedido_uid", o.UID))
	defer func() { observability.EndSpan(span, err) }()

	if err := checkOrder(o); err != nil {
		return orderOutcome{}, err
	}
	if o.Cancelled {
		reversed, err := s.reverse(ctx, o)
		return orderOutcome{reversed: reversed}, err
	}
	if o.Pending {
		return orderOutcome{deferred: true}, nil
	}
	err = s.inOrderTx(ctx, o.UID, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.SalesByOrder(ctx, o.UID)
		if err != nil {
			return err
		}
		lines := o.Lines
		// A reversed order comes back as a fresh one built only from the new lines.
		if StateOf(existing) != OrderCancelledReversed {
			prior, err := tx.EmittedLines(ctx, o.UID)
			if err != nil {
				return err
			}
			lines = effectiveLines(append(prior, o.Lines...), s.adapters)
		}
		desired, err := s.desiredQuantities(ctx, snap, lines)
		if err != nil {
			return err
		}
		outcome, err = s.apply(ctx, tx, o, existing, desired)
		return err
	})
	return outcome, err
}

// desiredQuantities explodes kits and sums quantities per SKU.
func (s *Service) desiredQuantities(ctx context.Context, snap *catalog.Snapshot, lines []orderlines.Line) (map[string]float64, error) {
	const op = "emission.explode"
	desired := make(map[string]float64)
	for _, line := range lines {
		product, ok := snap.Product(line.MatchedSKU)
		if !ok {
			return nil, shared.NotFound(op, "sku_not_found", fmt.Errorf("%w: %s", ErrUnknownSKU, line.MatchedSKU))
		}
		if !product.IsKit {
			desired[product.SKU] += line.Quantity
			continue
		}
		components, err := s.kits.Explode(ctx, product.SKU, line.Quantity)
		if err != nil {
			return nil, err
		}
		for _, c := range components {
			desired[c.SKU] += c.Qty
		}
	}
	return desired, nil
}

// apply converges the order's sale rows to desired and writes the stock delta against the
// previously active quantities.
func (s *Service) apply(ctx context.Context, tx TxRepository, o order, existing []Sale, desired map[string]float64) (orderOutcome, error) {
	const op = "emission.apply"
	var outcome orderOutcome
	bySKU := make(map[string]Sale, len(existing))
	for _, sale := range existing {
		bySKU[sale.SKU] = sale
	}

	skus := make([]string, 0, len(desired))
	for sku := range desired {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	costs, err := tx.UnitCosts(ctx, skus)
	if err != nil {
		return outcome, err
	}

	for _, sku := range skus {
		qty := desired[sku]
		cost, ok := costs[sku]
		if !ok {
			return outcome, shared.NotFound(op, "sku_not_found", fmt.Errorf("%w: %s", ErrMissingUnitCost, sku))
		}
		prev, seen := bySKU[sku]
		var prevActive float64
		if seen && !prev.Cancelled {
			prevActive = prev.Quantity
		}
		if _, err := tx.UpsertSale(ctx, Sale{
			PedidoUID: o.UID,
			SKU:       sku,
			Quantity:  qty,
			UnitPrice: cost,
			Channel:   o.Channel,
			ClientID:  o.ClientID,
		}); err != nil {
			return outcome, err
		}
		delta := qty - prevActive
		switch {
		case !seen || prev.Cancelled:
			outcome.inserted++
		case math.Abs(delta) <= qtyEpsilon:
			outcome.existing++
		default:
			outcome.adjusted++
		}
		reason := ReasonSale
		if seen && !prev.Cancelled {
			reason = ReasonSaleAdjust
		}
		if err := s.move(ctx, tx, o.UID, sku, -delta, reason); err != nil {
			return outcome, err
		}
	}

	// SKUs no longer part of the order give their stock back.
	for _, sale := range existing {
		if sale.Cancelled {
			continue
		}
		if _, still := desired[sale.SKU]; still {
			continue
		}
		if err := tx.CancelSale(ctx, sale.ID); err != nil {
			return outcome, err
		}
		if err := s.move(ctx, tx, o.UID, sale.SKU, sale.Quantity, ReasonSaleAdjust); err != nil {
			return outcome, err
		}
		outcome.adjusted++
	}

	if err := tx.MarkLinesEmitted(ctx, o.IDs, o.UID, s.now().UTC()); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// reverse restores stock for every active sale of a cancelled order. Already reversed
// orders are left untouched.
func (s *Service) reverse(ctx context.Context, o order) (bool, error) {
	reversed := false
	err := s.inOrderTx(ctx, o.UID, func(ctx context.Context, tx TxRepository) error {
		sales, err := tx.SalesByOrder(ctx, o.UID)
		if err != nil {
			return err
		}
		if !StateOf(sales).CanReverse() {
			return nil
		}
		for _, sale := range sales {
			if sale.Cancelled {
				continue
			}
			if err := s.move(ctx, tx, o.UID, sale.SKU, sale.Quantity, ReasonCancelReversal); err != nil {
				return err
			}
			if err := tx.CancelSale(ctx, sale.ID); err != nil {
				return err
			}
		}
		reversed = true
		return nil
	})
	if err == nil && reversed {
		s.logger.Info("order reversed", slog.String("pedido_uid", o.UID))
	}
	return reversed, err
}

// move writes one movement and its balance change. stockDelta > 0 returns stock.
func (s *Service) move(ctx context.Context, tx TxRepository, uid, sku string, stockDelta float64, reason Reason) error {
	if math.Abs(stockDelta) <= qtyEpsilon {
		return nil
	}
	direction := DirectionOut
	if stockDelta > 0 {
		direction = DirectionIn
	}
	if err := tx.InsertMovement(ctx, StockMovement{
		ID:        s.newID(),
		SKU:       sku,
		Quantity:  math.Abs(stockDelta),
		Direction: direction,
		Reason:    reason,
		PedidoUID: uid,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return err
	}
	return tx.AdjustStock(ctx, sku, stockDelta)
}

func (s *Service) inOrderTx(ctx context.Context, uid string, fn func(context.Context, TxRepository) error) error {
	run := func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.LockOrder(ctx, uid); err != nil {
				return err
			}
			return fn(ctx, tx)
		})
	}
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, shared.OrderLockKey(uid), run)
	} else {
		err = run(ctx)
	}
	var typed *shared.Error
	if err != nil && !errors.As(err, &typed) {
		return shared.Persistence("emission.order", err)
	}
	return err
}

func (s *Service) recordResult(r Result) {
	if s.recorder == nil {
		return
	}
	s.recorder.ObserveEmission("inserted", r.Inserted)
	s.recorder.ObserveEmission("already_existed", r.AlreadyExisted)
	s.recorder.ObserveEmission("adjusted", r.Adjusted)
	s.recorder.ObserveEmission("fulfillment_skipped", r.FulfillmentSkipped)
	s.recorder.ObserveEmission("cancelled_reversed", r.CancelledReversed)
	s.recorder.ObserveEmission("deferred", r.Deferred)
	s.recorder.ObserveEmission("failed", len(r.Failures))
}
