package emission

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/kits"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

type state struct {
	sales     map[string]Sale
	movements []StockMovement
	balances  map[string]float64
	lines     map[int64]orderlines.Line
	nextID    int64
}

func (s state) clone() state {
	out := state{
		sales:     make(map[string]Sale, len(s.sales)),
		movements: append([]StockMovement(nil), s.movements...),
		balances:  make(map[string]float64, len(s.balances)),
		lines:     make(map[int64]orderlines.Line, len(s.lines)),
		nextID:    s.nextID,
	}
	for k, v := range s.sales {
		out.sales[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.lines {
		out.lines[k] = v
	}
	return out
}

type memoryRepo struct {
	mu    sync.Mutex
	state state
	costs map[string]decimal.Decimal
	locks []string
}

type memoryTx struct {
	repo  *memoryRepo
	state *state
}

func newMemoryRepo(costs map[string]decimal.Decimal, lines ...orderlines.Line) *memoryRepo {
	r := &memoryRepo{
		state: state{sales: map[string]Sale{}, balances: map[string]float64{}, lines: map[int64]orderlines.Line{}},
		costs: costs,
	}
	for _, l := range lines {
		r.state.lines[l.ID] = l
	}
	return r
}

// WithTx serializes transactions and publishes staged state only on success.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	staged := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: &staged}); err != nil {
		return err
	}
	r.state = staged
	return nil
}

func (r *memoryRepo) ListLines(_ context.Context, scope orderlines.Scope) ([]orderlines.Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []orderlines.Line
	for _, l := range r.state.lines {
		if scope.Kind == orderlines.ScopeClient && l.ClientID != scope.ClientID {
			continue
		}
		if scope.Kind != orderlines.ScopeClient && (l.ScopeKind != scope.Kind || l.ScopeID != scope.ID) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) setLine(l orderlines.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.lines[l.ID] = l
}

func (r *memoryRepo) activeSales() []Sale {
	var out []Sale
	for _, s := range r.state.sales {
		if !s.Cancelled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PedidoUID+out[i].SKU < out[j].PedidoUID+out[j].SKU })
	return out
}

func saleKey(uid, sku string) string { return uid + "|" + sku }

func (tx *memoryTx) LockOrder(_ context.Context, uid string) error {
	tx.repo.locks = append(tx.repo.locks, uid)
	return nil
}

func (tx *memoryTx) SalesByOrder(_ context.Context, uid string) ([]Sale, error) {
	var out []Sale
	for _, s := range tx.state.sales {
		if s.PedidoUID == uid {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (tx *memoryTx) EmittedLines(_ context.Context, uid string) ([]orderlines.Line, error) {
	var out []orderlines.Line
	for _, l := range tx.state.lines {
		if l.PedidoUID == uid && l.EmittedAt != nil {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) UnitCosts(_ context.Context, skus []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, sku := range skus {
		if c, ok := tx.repo.costs[sku]; ok {
			out[sku] = c
		}
	}
	return out, nil
}

func (tx *memoryTx) UpsertSale(_ context.Context, sale Sale) (Sale, error) {
	k := saleKey(sale.PedidoUID, sale.SKU)
	if existing, ok := tx.state.sales[k]; ok {
		sale.ID = existing.ID
	} else {
		tx.state.nextID++
		sale.ID = tx.state.nextID
	}
	sale.Cancelled = false
	tx.state.sales[k] = sale
	return sale, nil
}

func (tx *memoryTx) CancelSale(_ context.Context, id int64) error {
	for k, s := range tx.state.sales {
		if s.ID == id {
			s.Cancelled = true
			tx.state.sales[k] = s
		}
	}
	return nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m StockMovement) error {
	tx.state.movements = append(tx.state.movements, m)
	return nil
}

func (tx *memoryTx) AdjustStock(_ context.Context, sku string, delta float64) error {
	tx.state.balances[sku] += delta
	return nil
}

func (tx *memoryTx) MarkLinesEmitted(_ context.Context, ids []int64, uid string, at time.Time) error {
	for _, id := range ids {
		l := tx.state.lines[id]
		l.PedidoUID, l.EmittedAt = uid, &at
		tx.state.lines[id] = l
	}
	return nil
}

type snapshotExploder struct{ snap *catalog.Snapshot }

func (s snapshotExploder) Snapshot(context.Context) (*catalog.Snapshot, error) { return s.snap, nil }

func (s snapshotExploder) Explode(_ context.Context, sku string, qty float64) ([]kits.Component, error) {
	p, _ := s.snap.Product(sku)
	return kits.ExplodeProduct(p, qty)
}

type recordingObserver struct {
	mu     sync.Mutex
	scopes []orderlines.Scope
}

func (o *recordingObserver) ScopeChanged(_ context.Context, scope orderlines.Scope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scopes = append(o.scopes, scope)
	return nil
}

var testScope = orderlines.Scope{Kind: orderlines.ScopeImport, ID: 1}

func testCosts() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"X":      decimal.RequireFromString("12.50"),
		"A":      decimal.NewFromInt(10),
		"B":      decimal.NewFromInt(20),
		"KIT-AB": decimal.NewFromInt(28),
	}
}

func newTestService(repo *memoryRepo) (*Service, *recordingObserver) {
	src := snapshotExploder{snap: catalog.NewSnapshot([]catalog.Product{
		{SKU: "X"}, {SKU: "A"}, {SKU: "B"}, {SKU: "GHOST"},
		{SKU: "KIT-AB", IsKit: true, BOM: []catalog.BOMEntry{{ComponentSKU: "A", QtyPerKit: 1}, {ComponentSKU: "B", QtyPerKit: 2}}},
	})}
	obs := &recordingObserver{}
	svc := NewService(repo, src, src, nil, Config{Workers: 3}, Deps{Observer: obs})
	return svc, obs
}

func marketLine(id int64, order, sku string, qty float64) orderlines.Line {
	return orderlines.Line{
		ID: id, ScopeKind: orderlines.ScopeImport, ScopeID: 1, ClientID: 5,
		Channel: orderlines.ChannelMarketplace, RawSKU: sku, Quantity: qty,
		UnitPrice: decimal.NewFromInt(999), ExternalOrderID: order,
		Status: orderlines.StatusMatched, MatchedSKU: sku, MatchSource: orderlines.SourceExact,
	}
}

func TestEmitIsIdempotent(t *testing.T) {
	repo := newMemoryRepo(testCosts(), marketLine(1, "P1", "X", 2), marketLine(2, "P2", "A", 1))
	svc, obs := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)
	require.Zero(t, first.AlreadyExisted)
	require.Empty(t, first.Failures)
	salesAfterFirst := repo.activeSales()
	movementsAfterFirst := len(repo.state.movements)
	balancesAfterFirst := map[string]float64{"X": repo.state.balances["X"], "A": repo.state.balances["A"]}

	second, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Zero(t, second.Inserted)
	require.Equal(t, 2, second.AlreadyExisted)
	require.Equal(t, salesAfterFirst, repo.activeSales())
	require.Len(t, repo.state.movements, movementsAfterFirst)
	require.Equal(t, balancesAfterFirst["X"], repo.state.balances["X"])
	require.Equal(t, balancesAfterFirst["A"], repo.state.balances["A"])
	require.NotNil(t, repo.state.lines[1].EmittedAt)
	require.Equal(t, "5:P1", repo.state.lines[1].PedidoUID)
	require.Len(t, obs.scopes, 2)
}

func TestEmitUsesCatalogCostAndAllowsNegativeStock(t *testing.T) {
	repo := newMemoryRepo(testCosts(), marketLine(1, "P1", "X", 2))
	svc, _ := newTestService(repo)

	_, err := svc.Emit(context.Background(), testScope)
	require.NoError(t, err)
	sales := repo.activeSales()
	require.Len(t, sales, 1)
	require.True(t, sales[0].UnitPrice.Equal(decimal.RequireFromString("12.50")))
	require.Equal(t, -2.0, repo.state.balances["X"])
	require.Equal(t, DirectionOut, repo.state.movements[0].Direction)
	require.Equal(t, ReasonSale, repo.state.movements[0].Reason)
}

func TestCancellationRoundTripRestoresStock(t *testing.T) {
	repo := newMemoryRepo(testCosts(), marketLine(1, "P1", "X", 2))
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, -2.0, repo.state.balances["X"])

	cancelled := repo.state.lines[1]
	cancelled.CancellationReason = "buyer cancelled"
	repo.setLine(cancelled)

	res, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, 1, res.CancelledReversed)
	require.Zero(t, res.Inserted)
	require.Zero(t, repo.state.balances["X"])
	require.Len(t, repo.state.sales, 1)
	require.True(t, repo.state.sales[saleKey("5:P1", "X")].Cancelled)
	last := repo.state.movements[len(repo.state.movements)-1]
	require.Equal(t, DirectionIn, last.Direction)
	require.Equal(t, ReasonCancelReversal, last.Reason)
	require.Equal(t, 2.0, last.Quantity)

	again, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Zero(t, again.CancelledReversed)
	require.Zero(t, repo.state.balances["X"])
	require.Len(t, repo.state.movements, 2)
}

func TestCancelledOrderReprocessedIsEmittedAsNew(t *testing.T) {
	line := marketLine(1, "P1", "X", 2)
	line.OrderState = "Cancelado"
	repo := newMemoryRepo(testCosts(), line)
	svc, _ := newTestService(repo)
	ctx := context.Background()

	res, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Zero(t, res.CancelledReversed, "never emitted orders have nothing to reverse")
	require.Empty(t, repo.state.sales)

	line.OrderState = "Pago"
	repo.setLine(line)
	res, err = svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	line.PostSaleStatus = "Reembolsado"
	repo.setLine(line)
	_, err = svc.Emit(ctx, testScope)
	require.NoError(t, err)

	line.PostSaleStatus = ""
	repo.setLine(line)
	res, err = svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.False(t, repo.state.sales[saleKey("5:P1", "X")].Cancelled)
	require.Equal(t, -2.0, repo.state.balances["X"])
}

func TestFulfillmentLinesProduceNothing(t *testing.T) {
	full := marketLine(1, "P1", "X", 2)
	full.SalesChannel = "Mercado Livre FULL"
	pendingFull := marketLine(2, "P2", "X", 1)
	pendingFull.Status, pendingFull.MatchedSKU = orderlines.StatusPending, ""
	pendingFull.ShippingMethod = "Fulfillment by Amazon"
	repo := newMemoryRepo(testCosts(), full, pendingFull)
	svc, _ := newTestService(repo)

	res, err := svc.Emit(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, 2, res.FulfillmentSkipped)
	require.Zero(t, res.Deferred)
	require.Empty(t, repo.state.sales)
	require.Empty(t, repo.state.movements)
}

func TestOrdersWithPendingLinesAreDeferred(t *testing.T) {
	pending := marketLine(2, "P1", "?", 1)
	pending.Status, pending.MatchedSKU = orderlines.StatusPending, ""
	repo := newMemoryRepo(testCosts(), marketLine(1, "P1", "X", 1), pending, marketLine(3, "P2", "A", 1))
	svc, _ := newTestService(repo)

	res, err := svc.Emit(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deferred)
	require.Equal(t, 1, res.Inserted)
	_, emitted := repo.state.sales[saleKey("5:P1", "X")]
	require.False(t, emitted)
	require.Nil(t, repo.state.lines[1].EmittedAt)
}

func TestKitLinesAreExplodedAndAggregated(t *testing.T) {
	repo := newMemoryRepo(testCosts(), marketLine(1, "P1", "KIT-AB", 3), marketLine(2, "P1", "A", 1))
	svc, _ := newTestService(repo)

	res, err := svc.Emit(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)
	require.Equal(t, 4.0, repo.state.sales[saleKey("5:P1", "A")].Quantity)
	require.Equal(t, 6.0, repo.state.sales[saleKey("5:P1", "B")].Quantity)
	_, kitSale := repo.state.sales[saleKey("5:P1", "KIT-AB")]
	require.False(t, kitSale)
	require.Equal(t, -4.0, repo.state.balances["A"])
	require.Equal(t, -6.0, repo.state.balances["B"])
}

func TestQuantityChangeAdjustsByDelta(t *testing.T) {
	line := marketLine(1, "P1", "X", 2)
	repo := newMemoryRepo(testCosts(), line)
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)

	line.Quantity = 5
	repo.setLine(line)
	res, err := svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, 1, res.Adjusted)
	require.Equal(t, -5.0, repo.state.balances["X"])
	last := repo.state.movements[len(repo.state.movements)-1]
	require.Equal(t, ReasonSaleAdjust, last.Reason)
	require.Equal(t, 3.0, last.Quantity)

	line.Quantity = 1
	repo.setLine(line)
	_, err = svc.Emit(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, -1.0, repo.state.balances["X"])
	require.Equal(t, DirectionIn, repo.state.movements[len(repo.state.movements)-1].Direction)
}

func TestFailingOrderDoesNotAbortBatch(t *testing.T) {
	repo := newMemoryRepo(testCosts(), marketLine(1, "P1", "GHOST", 1), marketLine(2, "P2", "X", 1), marketLine(3, "", "X", 1))
	svc, _ := newTestService(repo)

	res, err := svc.Emit(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Len(t, res.Failures, 2)
	require.Equal(t, "line:3", res.Failures[0].Ref)
	require.Equal(t, "missing_order_key", res.Failures[0].Code)
	require.Equal(t, "order:5:P1", res.Failures[1].Ref)
	require.Equal(t, "sku_not_found", res.Failures[1].Code)
	require.Empty(t, repo.state.balances["GHOST"])
}

func TestShipmentLinesAreEmittedPerLine(t *testing.T) {
	mk := func(id int64, code string) orderlines.Line {
		return orderlines.Line{
			ID: id, ScopeKind: orderlines.ScopeShipment, ScopeID: 9, ClientID: 5,
			Channel: orderlines.ChannelShipment, Quantity: 1, ShipmentNumber: "ENV-9", LineExternalCode: code,
			Status: orderlines.StatusMatched, MatchedSKU: "X",
		}
	}
	repo := newMemoryRepo(testCosts(), mk(1, "L1"), mk(2, "L2"))
	svc, _ := newTestService(repo)

	res, err := svc.Emit(context.Background(), orderlines.Scope{Kind: orderlines.ScopeShipment, ID: 9})
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)
	require.Contains(t, repo.state.sales, saleKey("5:ENV-9:L1", "X"))
	require.Contains(t, repo.state.sales, saleKey("5:ENV-9:L2", "X"))
	require.ElementsMatch(t, []string{"5:ENV-9:L1", "5:ENV-9:L2"}, repo.locks)
}

func importLine(id, importID, client int64, order, sku string, qty float64) orderlines.Line {
	l := marketLine(id, order, sku, qty)
	l.ScopeID, l.ClientID = importID, client
	return l
}

func TestSameOrderNumberStaysSeparatePerClient(t *testing.T) {
	repo := newMemoryRepo(testCosts(), importLine(1, 1, 5, "1001", "X", 2), importLine(2, 2, 6, "1001", "X", 3))
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 5})
	require.NoError(t, err)
	res, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 6})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Zero(t, res.Adjusted)

	require.Len(t, repo.activeSales(), 2)
	require.Equal(t, 2.0, repo.state.sales[saleKey("5:1001", "X")].Quantity)
	require.Equal(t, int64(5), repo.state.sales[saleKey("5:1001", "X")].ClientID)
	require.Equal(t, 3.0, repo.state.sales[saleKey("6:1001", "X")].Quantity)
	require.Equal(t, -5.0, repo.state.balances["X"])

	cancelled := repo.state.lines[2]
	cancelled.OrderState = "Cancelado"
	repo.setLine(cancelled)
	_, err = svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 6})
	require.NoError(t, err)
	require.False(t, repo.state.sales[saleKey("5:1001", "X")].Cancelled)
	require.Equal(t, -2.0, repo.state.balances["X"])
}

func TestReExportedOrderIsNotCountedTwice(t *testing.T) {
	repo := newMemoryRepo(testCosts(), importLine(1, 1, 5, "P1", "X", 2), importLine(2, 2, 5, "P1", "X", 2))
	svc, _ := newTestService(repo)
	ctx := context.Background()

	res, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 5})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 2.0, repo.state.sales[saleKey("5:P1", "X")].Quantity)
	require.Equal(t, -2.0, repo.state.balances["X"])
	require.NotNil(t, repo.state.lines[1].EmittedAt)
	require.NotNil(t, repo.state.lines[2].EmittedAt)

	again, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeImport, ID: 2})
	require.NoError(t, err)
	require.Equal(t, 1, again.AlreadyExisted)
	require.Zero(t, again.Adjusted)
	require.Equal(t, -2.0, repo.state.balances["X"])
}

func TestPartialReExportKeepsEarlierSkus(t *testing.T) {
	repo := newMemoryRepo(testCosts(),
		importLine(1, 1, 5, "P1", "X", 2), importLine(2, 1, 5, "P1", "A", 1),
		importLine(3, 2, 5, "P1", "A", 1))
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeImport, ID: 1})
	require.NoError(t, err)
	res, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeImport, ID: 2})
	require.NoError(t, err)
	require.Equal(t, 2, res.AlreadyExisted)
	require.Zero(t, res.Adjusted)
	require.False(t, repo.state.sales[saleKey("5:P1", "X")].Cancelled)
	require.Equal(t, -2.0, repo.state.balances["X"])
	require.Equal(t, -1.0, repo.state.balances["A"])
}

func TestLaterImportReplacesLineQuantity(t *testing.T) {
	repo := newMemoryRepo(testCosts(), importLine(1, 1, 5, "P1", "X", 2))
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeImport, ID: 1})
	require.NoError(t, err)
	repo.setLine(importLine(2, 2, 5, "P1", "X", 3))

	res, err := svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeImport, ID: 2})
	require.NoError(t, err)
	require.Equal(t, 1, res.Adjusted)
	require.Equal(t, 3.0, repo.state.sales[saleKey("5:P1", "X")].Quantity)
	require.Equal(t, -3.0, repo.state.balances["X"])

	_, err = svc.Emit(ctx, orderlines.Scope{Kind: orderlines.ScopeImport, ID: 1})
	require.NoError(t, err)
	require.Equal(t, -3.0, repo.state.balances["X"], "the older export must not win back")
}

func TestEffectiveLinesKeepsLatestSourcePerKey(t *testing.T) {
	adapters := orderlines.NewAdapters(orderlines.DefaultVocabulary())
	lines := []orderlines.Line{
		importLine(1, 1, 5, "P1", "X", 1),
		importLine(2, 1, 5, "P1", "X", 1),
		importLine(3, 1, 5, "P1", "A", 1),
		importLine(4, 2, 5, "P1", "A", 4),
		importLine(3, 1, 5, "P1", "A", 1),
	}
	got := effectiveLines(lines, adapters)

	ids := make([]int64, 0, len(got))
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	require.Equal(t, []int64{1, 2, 4}, ids)
}

func TestEmitRejectsMissingScope(t *testing.T) {
	svc, _ := newTestService(newMemoryRepo(testCosts()))
	_, err := svc.Emit(context.Background(), orderlines.Scope{Kind: orderlines.ScopeShipment})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestStateOf(t *testing.T) {
	require.Equal(t, OrderNew, StateOf(nil))
	require.Equal(t, OrderEmitted, StateOf([]Sale{{Cancelled: true}, {}}))
	require.Equal(t, OrderCancelledReversed, StateOf([]Sale{{Cancelled: true}}))
	require.True(t, OrderEmitted.CanReverse())
	require.False(t, OrderCancelledReversed.CanReverse())
}
