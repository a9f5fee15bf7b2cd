package aliases

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesrecon/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	aliases map[string]Alias
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{aliases: make(map[string]Alias)}
}

func aliasKey(clientID int64, norm string) string {
	return fmt.Sprintf("%d:%s", clientID, norm)
}

func (r *memoryRepo) Candidates(_ context.Context, clientID int64, norm string) ([]Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alias
	for _, id := range []int64{clientID, GlobalClientID} {
		if a, ok := r.aliases[aliasKey(id, norm)]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) Touch(_ context.Context, clientID int64, norm string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := aliasKey(clientID, norm)
	a, ok := r.aliases[k]
	if !ok {
		return nil
	}
	a.TimesUsed++
	a.LastUsedAt = &at
	r.aliases[k] = a
	return nil
}

func (r *memoryRepo) Upsert(_ context.Context, a Alias) (Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := aliasKey(a.ClientID, a.AliasNorm)
	if existing, ok := r.aliases[k]; ok {
		a = Merge(existing, a)
	}
	r.aliases[k] = a
	return a, nil
}

func TestLearnIsIdempotentAndKeepsUsage(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	a, err := svc.Learn(ctx, 7, "ch-204 pto 37", "CH204-PTO-37", ConfidenceFuzzy)
	require.NoError(t, err)
	require.Equal(t, "CH204PTO37", a.AliasNorm)
	require.NoError(t, svc.Use(ctx, a))
	require.NoError(t, svc.Use(ctx, a))

	again, err := svc.Learn(ctx, 7, "CH204 PTO 37", "CH204-PTO-37", ConfidenceManual)
	require.NoError(t, err)
	require.EqualValues(t, 2, again.TimesUsed)
	require.Equal(t, ConfidenceManual, again.Confidence)

	lower, err := svc.Learn(ctx, 7, "CH204 PTO 37", "CH204-PTO-37", ConfidenceFuzzy)
	require.NoError(t, err)
	require.Equal(t, ConfidenceManual, lower.Confidence)
	require.Len(t, repo.aliases, 1)
}

func TestLearnDifferentTargetResetsUsage(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	a, err := svc.Learn(ctx, 7, "kit ab", "KIT-AB", ConfidenceKit)
	require.NoError(t, err)
	require.NoError(t, svc.Use(ctx, a))

	replaced, err := svc.Learn(ctx, 7, "KIT-AB", "KIT-AB2", ConfidenceFuzzy)
	require.NoError(t, err)
	require.Equal(t, "KIT-AB2", replaced.StockSKU)
	require.Zero(t, replaced.TimesUsed)
	require.Nil(t, replaced.LastUsedAt)
	require.Equal(t, ConfidenceFuzzy, replaced.Confidence)
}

func TestLearnRejectsInvalidInput(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, err := svc.Learn(ctx, 1, " -/- ", "A", 1)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Learn(ctx, 1, "abc", "  ", 1)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, "sku_empty", shared.CodeOf(err))
	_, err = svc.Learn(ctx, 1, "abc", "A", 1.5)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPickTieBreakIsDeterministic(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	cases := []struct {
		name string
		in   []Alias
		want string
	}{
		{"confidence", []Alias{{StockSKU: "A", Confidence: 0.6}, {StockSKU: "B", Confidence: 1}}, "B"},
		{"times used", []Alias{{StockSKU: "A", Confidence: 1, TimesUsed: 1}, {StockSKU: "B", Confidence: 1, TimesUsed: 4}}, "B"},
		{"recency", []Alias{{StockSKU: "A", Confidence: 1, LastUsedAt: &older}, {StockSKU: "B", Confidence: 1, LastUsedAt: &newer}}, "B"},
		{"never used loses", []Alias{{StockSKU: "A", Confidence: 1}, {StockSKU: "B", Confidence: 1, LastUsedAt: &older}}, "B"},
		{"smallest sku", []Alias{{StockSKU: "Z", Confidence: 1}, {StockSKU: "M", Confidence: 1}}, "M"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				got, ok := Pick(tc.in)
				require.True(t, ok)
				require.Equal(t, tc.want, got.StockSKU)
				tc.in[0], tc.in[1] = tc.in[1], tc.in[0]
			}
		})
	}

	_, ok := Pick(nil)
	require.False(t, ok)
}

func TestResolveConsidersGlobalAliases(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.Learn(ctx, GlobalClientID, "bota 38", "BOTA-38", ConfidenceManual)
	require.NoError(t, err)
	_, err = svc.Learn(ctx, 5, "bota 38", "BOTA-38-X", ConfidenceFuzzy)
	require.NoError(t, err)

	got, ok, err := svc.Resolve(ctx, 5, "BOTA38")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "BOTA-38", got.StockSKU)

	_, ok, err = svc.Resolve(ctx, 5, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRankedListsEveryCandidateBestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.Learn(ctx, GlobalClientID, "bota 38", "BOTA-38", ConfidenceFuzzy)
	require.NoError(t, err)
	_, err = svc.Learn(ctx, 5, "bota 38", "BOTA-OLD", ConfidenceManual)
	require.NoError(t, err)

	ranked, err := svc.Ranked(ctx, 5, "BOTA38")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "BOTA-OLD", ranked[0].StockSKU)
	require.Equal(t, "BOTA-38", ranked[1].StockSKU)

	empty, err := svc.Ranked(ctx, 5, "")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestUseIsSafeUnderConcurrency(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	a, err := svc.Learn(ctx, 1, "x1", "X1", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Use(ctx, a)
		}()
	}
	wg.Wait()
	got, _, err := svc.Resolve(ctx, 1, "X1")
	require.NoError(t, err)
	require.EqualValues(t, 50, got.TimesUsed)
}
