package matching

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/odyssey-erp/salesrecon/internal/aliases"
	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/kits"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
)

// Result is the outcome of matching one line.
type Result struct {
	Status     orderlines.Status      `json:"status"`
	MatchedSKU string                 `json:"matched_sku,omitempty"`
	Source     orderlines.MatchSource `json:"match_source,omitempty"`

	// used lists the aliases that resolved the line or its kit components.
	used []aliases.Alias
}

// Matched reports whether a tier resolved the line.
func (r Result) Matched() bool {
	return r.Status == orderlines.StatusMatched
}

func pending() Result {
	return Result{Status: orderlines.StatusPending}
}

// Tier resolves raw text to a catalog SKU. A miss is not an error.
type Tier interface {
	Source() orderlines.MatchSource
	Match(ctx context.Context, snap *catalog.Snapshot, clientID int64, raw string) (Result, bool, error)
}

// AliasResolver reads learned aliases, best candidate first.
type AliasResolver interface {
	Ranked(ctx context.Context, clientID int64, aliasNorm string) ([]aliases.Alias, error)
}

type exactTier struct{}

func (exactTier) Source() orderlines.MatchSource { return orderlines.SourceExact }

func (exactTier) Match(_ context.Context, snap *catalog.Snapshot, _ int64, raw string) (Result, bool, error) {
	sku, ok := snap.ExactSKU(raw)
	if !ok {
		return Result{}, false, nil
	}
	return Result{Status: orderlines.StatusMatched, MatchedSKU: sku, Source: orderlines.SourceExact}, true, nil
}

type aliasTier struct {
	aliases AliasResolver
}

func (aliasTier) Source() orderlines.MatchSource { return orderlines.SourceAlias }

func (t aliasTier) Match(ctx context.Context, snap *catalog.Snapshot, clientID int64, raw string) (Result, bool, error) {
	candidates, err := t.aliases.Ranked(ctx, clientID, catalog.Normalize(raw))
	if err != nil {
		return Result{}, false, err
	}
	// Aliases pointing at SKUs removed from the catalog are skipped.
	for _, alias := range candidates {
		if _, exists := snap.Product(alias.StockSKU); !exists {
			continue
		}
		return Result{Status: orderlines.StatusMatched, MatchedSKU: alias.StockSKU, Source: orderlines.SourceAlias,
			used: []aliases.Alias{alias}}, true, nil
	}
	return Result{}, false, nil
}

// fuzzyTier matches multi-size notations such as "37/38" against catalog size variants.
type fuzzyTier struct{}

func (fuzzyTier) Source() orderlines.MatchSource { return orderlines.SourceFuzzy }

func (fuzzyTier) Match(_ context.Context, snap *catalog.Snapshot, _ int64, raw string) (Result, bool, error) {
	base, size := catalog.SplitSizeToken(catalog.Normalize(raw))
	if base == "" || size == "" {
		return Result{}, false, nil
	}
	var best catalog.SizedSKU
	for _, v := range snap.SizeVariants(base) {
		if !strings.Contains(size, v.Size) {
			continue
		}
		if len(v.Size) > len(best.Size) || (len(v.Size) == len(best.Size) && v.SKU < best.SKU) {
			best = v
		}
	}
	if best.SKU == "" {
		return Result{}, false, nil
	}
	return Result{Status: orderlines.StatusMatched, MatchedSKU: best.SKU, Source: orderlines.SourceFuzzy}, true, nil
}

var quantityPrefix = regexp.MustCompile(`^(\d+)\s*[xX*]\s*(.+)$`)

// kitTier splits "A + 2x B" into components, resolves each through the component tiers and
// looks for a kit with exactly that composition.
type kitTier struct {
	components []Tier
}

func (kitTier) Source() orderlines.MatchSource { return orderlines.SourceKit }

func (t kitTier) Match(ctx context.Context, snap *catalog.Snapshot, clientID int64, raw string) (Result, bool, error) {
	tokens := strings.Split(raw, "+")
	if len(tokens) < 2 {
		return Result{}, false, nil
	}
	components := make([]kits.Component, 0, len(tokens))
	var used []aliases.Alias
	for _, token := range tokens {
		c, res, ok, err := t.component(ctx, snap, clientID, token)
		if err != nil || !ok {
			return Result{}, false, err
		}
		components = append(components, c)
		used = append(used, res.used...)
	}
	merged, err := kits.MergeComponents(components)
	if err != nil {
		return Result{}, false, nil
	}
	candidates := kits.MatchComposition(snap.Kits(), merged)
	if len(candidates) == 0 {
		return Result{}, false, nil
	}
	return Result{Status: orderlines.StatusMatched, MatchedSKU: candidates[0].SKU, Source: orderlines.SourceKit, used: used}, true, nil
}

func (t kitTier) resolve(ctx context.Context, snap *catalog.Snapshot, clientID int64, text string) (Result, bool, error) {
	for _, tier := range t.components {
		res, ok, err := tier.Match(ctx, snap, clientID, text)
		if err != nil || ok {
			return res, ok, err
		}
	}
	return Result{}, false, nil
}

// component resolves one "+" token. A leading "2x" is read as a quantity only when the
// whole token does not resolve on its own.
func (t kitTier) component(ctx context.Context, snap *catalog.Snapshot, clientID int64, token string) (kits.Component, Result, bool, error) {
	token = strings.TrimSpace(token)
	if catalog.Normalize(token) == "" {
		return kits.Component{}, Result{}, false, nil
	}
	res, ok, err := t.resolve(ctx, snap, clientID, token)
	if err != nil || ok {
		return kits.Component{SKU: res.MatchedSKU, Qty: 1}, res, ok, err
	}
	m := quantityPrefix.FindStringSubmatch(token)
	if m == nil {
		return kits.Component{}, Result{}, false, nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return kits.Component{}, Result{}, false, nil
	}
	res, ok, err = t.resolve(ctx, snap, clientID, strings.TrimSpace(m[2]))
	if err != nil || !ok {
		return kits.Component{}, Result{}, false, err
	}
	return kits.Component{SKU: res.MatchedSKU, Qty: float64(n)}, res, true, nil
}
