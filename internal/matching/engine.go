package matching

import (
	"context"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
)

// EngineConfig selects the tier pipeline.
type EngineConfig struct {
	FuzzyEnabled bool
}

// Engine runs tiers in order; the first tier that resolves the line wins.
type Engine struct {
	tiers []Tier
}

// NewEngine builds the pipeline exact, alias, fuzzy (optional), kit composition.
func NewEngine(cfg EngineConfig, aliases AliasResolver) *Engine {
	component := []Tier{exactTier{}}
	if aliases != nil {
		component = append(component, aliasTier{aliases: aliases})
	}
	if cfg.FuzzyEnabled {
		component = append(component, fuzzyTier{})
	}
	tiers := append([]Tier{}, component...)
	tiers = append(tiers, kitTier{components: component})
	return &Engine{tiers: tiers}
}

// NewEngineWithTiers builds an engine over a custom pipeline.
func NewEngineWithTiers(tiers ...Tier) *Engine {
	return &Engine{tiers: tiers}
}

// Sources lists the configured tiers in order.
func (e *Engine) Sources() []orderlines.MatchSource {
	out := make([]orderlines.MatchSource, 0, len(e.tiers))
	for _, t := range e.tiers {
		out = append(out, t.Source())
	}
	return out
}

// Match resolves a line against one catalog snapshot. A pending result is a normal outcome.
func (e *Engine) Match(ctx context.Context, snap *catalog.Snapshot, line orderlines.Line) (Result, error) {
	if catalog.Normalize(line.RawSKU) == "" {
		return pending(), nil
	}
	for _, tier := range e.tiers {
		res, ok, err := tier.Match(ctx, snap, line.ClientID, line.RawSKU)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return res, nil
		}
	}
	return pending(), nil
}
