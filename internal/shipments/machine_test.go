package shipments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

func TestDerive(t *testing.T) {
	cases := []struct {
		name   string
		counts Counts
		want   Status
	}{
		{"no lines", Counts{}, StatusDraft},
		{"pending lines", Counts{Pending: 2, Matched: 3}, StatusDraft},
		{"all matched", Counts{Matched: 3}, StatusReady},
		{"only excluded", Counts{Excluded: 2}, StatusRegistrado},
		{"matched beside excluded", Counts{Matched: 1, Excluded: 2}, StatusReady},
		{"all emitted", Counts{Matched: 3, Emitted: 3, Excluded: 1}, StatusRegistrado},
		{"some unemitted", Counts{Matched: 3, Emitted: 2}, StatusPartial},
		{"pending after emission", Counts{Pending: 1, Matched: 2, Emitted: 2}, StatusPartial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Derive(tc.counts))
		})
	}
	require.True(t, StatusReady.CanEmit())
	require.False(t, StatusDraft.CanEmit())
	require.True(t, StatusRegistrado.IsTerminal())
}

func TestCountLinesExcludesFulfillmentAndCancelled(t *testing.T) {
	now := time.Now()
	lines := []orderlines.Line{
		{ID: 1, Channel: orderlines.ChannelShipment, Status: orderlines.StatusPending},
		{ID: 2, Channel: orderlines.ChannelShipment, Status: orderlines.StatusMatched, MatchedSKU: "A"},
		{ID: 3, Channel: orderlines.ChannelShipment, Status: orderlines.StatusMatched, MatchedSKU: "A", EmittedAt: &now},
		{ID: 4, Channel: orderlines.ChannelShipment, Status: orderlines.StatusPending, ShippingMethod: "Fulfilment"},
		{ID: 5, Channel: orderlines.ChannelShipment, Status: orderlines.StatusMatched, MatchedSKU: "A", OrderState: "Cancelado"},
	}
	got := CountLines(lines, orderlines.NewAdapters(orderlines.DefaultVocabulary()))
	require.Equal(t, Counts{Pending: 1, Matched: 2, Emitted: 1, Excluded: 2}, got)
}

type memoryRepo struct {
	shipments map[int64]Shipment
	lines     map[int64][]orderlines.Line
}

type memoryTx struct{ repo *memoryRepo }

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Shipment, error) {
	s, ok := r.shipments[id]
	if !ok {
		return Shipment{}, ErrShipmentNotFound
	}
	return s, nil
}

func (r *memoryRepo) ListIDsByClient(_ context.Context, clientID int64) ([]int64, error) {
	var ids []int64
	for id, s := range r.shipments {
		if s.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (tx *memoryTx) LockShipment(ctx context.Context, id int64) (Shipment, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryTx) ListLines(_ context.Context, id int64) ([]orderlines.Line, error) {
	return tx.repo.lines[id], nil
}

func (tx *memoryTx) SaveDerived(_ context.Context, id int64, status Status, c Counts) (Shipment, error) {
	s := tx.repo.shipments[id]
	s.Status, s.Counts, s.UpdatedAt = status, c, time.Now()
	tx.repo.shipments[id] = s
	return s, nil
}

func TestRecomputeFollowsLineLifecycle(t *testing.T) {
	repo := &memoryRepo{
		shipments: map[int64]Shipment{7: {ID: 7, Number: "ENV-7", ClientID: 1, Status: StatusDraft}},
		lines: map[int64][]orderlines.Line{7: {
			{ID: 1, Channel: orderlines.ChannelShipment, ScopeKind: orderlines.ScopeShipment, ScopeID: 7, Status: orderlines.StatusPending},
			{ID: 2, Channel: orderlines.ChannelShipment, ScopeKind: orderlines.ScopeShipment, ScopeID: 7, Status: orderlines.StatusMatched, MatchedSKU: "B"},
		}},
	}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	sh, err := svc.Recompute(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, sh.Status)

	repo.lines[7][0].Status, repo.lines[7][0].MatchedSKU = orderlines.StatusMatched, "A"
	require.NoError(t, svc.LineChanged(ctx, repo.lines[7][0]))
	require.Equal(t, StatusReady, repo.shipments[7].Status)

	now := time.Now()
	repo.lines[7][0].EmittedAt = &now
	require.NoError(t, svc.ScopeChanged(ctx, orderlines.Scope{Kind: orderlines.ScopeShipment, ID: 7}))
	require.Equal(t, StatusPartial, repo.shipments[7].Status)

	repo.lines[7][1].EmittedAt = &now
	require.NoError(t, svc.ScopeChanged(ctx, orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 1}))
	got, err := svc.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, StatusRegistrado, got.Status)
	require.Equal(t, Counts{Matched: 2, Emitted: 2}, got.Counts)

	require.NoError(t, svc.LineChanged(ctx, orderlines.Line{ScopeKind: orderlines.ScopeImport, ScopeID: 99}))
}

func TestRecomputeClosesShipmentWithOnlyExcludedLines(t *testing.T) {
	repo := &memoryRepo{
		shipments: map[int64]Shipment{3: {ID: 3, Number: "ENV-3", ClientID: 1, Status: StatusDraft}},
		lines: map[int64][]orderlines.Line{3: {
			{ID: 1, Channel: orderlines.ChannelShipment, Status: orderlines.StatusMatched, MatchedSKU: "A", OrderState: "Cancelado"},
			{ID: 2, Channel: orderlines.ChannelShipment, Status: orderlines.StatusPending, SalesChannel: "Mercado Envios Full"},
		}},
	}
	svc := NewService(repo, nil, nil)

	sh, err := svc.Recompute(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, Counts{Excluded: 2}, sh.Counts)
	require.Equal(t, StatusRegistrado, sh.Status)
	require.False(t, sh.Status.CanEmit())
}

func TestRecomputeUnknownShipment(t *testing.T) {
	svc := NewService(&memoryRepo{shipments: map[int64]Shipment{}}, nil, nil)
	_, err := svc.Recompute(context.Background(), 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, "shipment_not_found", shared.CodeOf(err))

	_, err = svc.Get(context.Background(), 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
