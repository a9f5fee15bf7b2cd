package kits

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
)

const qtyEpsilon = 1e-9

// MergeComponents sums quantities per SKU, keeping each SKU at its first position.
func MergeComponents(components []Component) ([]Component, error) {
	if len(components) == 0 {
		return nil, ErrEmptyComposition
	}
	index := make(map[string]int, len(components))
	merged := make([]Component, 0, len(components))
	for _, c := range components {
		sku := strings.TrimSpace(c.SKU)
		if sku == "" || c.Qty <= 0 {
			return nil, fmt.Errorf("%w: %q x %v", ErrInvalidComponent, c.SKU, c.Qty)
		}
		if i, ok := index[sku]; ok {
			merged[i].Qty += c.Qty
			continue
		}
		index[sku] = len(merged)
		merged = append(merged, Component{SKU: sku, Qty: c.Qty})
	}
	return merged, nil
}

// MatchComposition returns the kits whose BOM multiset equals merged exactly, ranked by
// component count then SKU. merged must come from MergeComponents.
func MatchComposition(kits []catalog.Product, merged []Component) []KitCandidate {
	merged = sortedBySKU(merged)
	var out []KitCandidate
	for _, kit := range kits {
		if !kit.IsKit || len(kit.BOM) == 0 {
			continue
		}
		bom := bomComponents(kit.BOM)
		if !sameMultiset(bom, merged) {
			continue
		}
		out = append(out, KitCandidate{SKU: kit.SKU, Name: kit.Name, Components: len(bom), BOM: bom})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Components != out[j].Components {
			return out[i].Components > out[j].Components
		}
		return out[i].SKU < out[j].SKU
	})
	return out
}

// ExplodeProduct scales the kit BOM by lineQty, keeping BOM order.
func ExplodeProduct(kit catalog.Product, lineQty float64) ([]Component, error) {
	if !kit.IsKit || len(kit.BOM) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKitNotFound, kit.SKU)
	}
	out := make([]Component, 0, len(kit.BOM))
	for _, entry := range kit.BOM {
		out = append(out, Component{SKU: entry.ComponentSKU, Qty: entry.QtyPerKit * lineQty})
	}
	return out, nil
}

func bomComponents(bom []catalog.BOMEntry) []Component {
	totals := make(map[string]float64, len(bom))
	for _, entry := range bom {
		totals[entry.ComponentSKU] += entry.QtyPerKit
	}
	out := make([]Component, 0, len(totals))
	for sku, qty := range totals {
		out = append(out, Component{SKU: sku, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

func sortedBySKU(components []Component) []Component {
	out := append([]Component(nil), components...)
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

func sameMultiset(a, b []Component) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].SKU != b[i].SKU || math.Abs(a[i].Qty-b[i].Qty) > qtyEpsilon {
			return false
		}
	}
	return true
}
