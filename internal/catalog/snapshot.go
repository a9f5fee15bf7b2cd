package catalog

import (
	"sort"
	"strings"
)

// SizedSKU is a catalog SKU indexed by its trailing size token.
type SizedSKU struct {
	SKU  string
	Size string
}

// Snapshot is a read-consistent, immutable index of the catalog used for one matching pass.
type Snapshot struct {
	products map[string]Product
	byNorm   map[string]string
	byBase   map[string][]SizedSKU
	kits     []Product
}

// NewSnapshot indexes products. When two SKUs normalize identically the lexicographically
// smallest wins so lookups are deterministic.
func NewSnapshot(products []Product) *Snapshot {
	s := &Snapshot{
		products: make(map[string]Product, len(products)),
		byNorm:   make(map[string]string, len(products)),
		byBase:   make(map[string][]SizedSKU),
	}
	sorted := make([]Product, len(products))
	copy(sorted, products)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SKU < sorted[j].SKU })

	for _, p := range sorted {
		s.products[p.SKU] = p
		n := Normalize(p.SKU)
		if n == "" {
			continue
		}
		if _, taken := s.byNorm[n]; !taken {
			s.byNorm[n] = p.SKU
		}
		if base, size := SplitSizeToken(n); base != "" && size != "" {
			s.byBase[base] = append(s.byBase[base], SizedSKU{SKU: p.SKU, Size: size})
		}
		if p.IsKit {
			s.kits = append(s.kits, p)
		}
	}
	return s
}

// Len returns the number of products in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.products)
}

// Product returns the product for an exact SKU.
func (s *Snapshot) Product(sku string) (Product, bool) {
	if s == nil {
		return Product{}, false
	}
	p, ok := s.products[sku]
	return p, ok
}

// ExactSKU resolves raw text to a SKU, literal match first, then normalized.
func (s *Snapshot) ExactSKU(raw string) (string, bool) {
	if s == nil {
		return "", false
	}
	if _, ok := s.products[strings.TrimSpace(raw)]; ok {
		return strings.TrimSpace(raw), true
	}
	sku, ok := s.byNorm[Normalize(raw)]
	return sku, ok
}

// SizeVariants lists the SKUs sharing base, ordered by SKU.
func (s *Snapshot) SizeVariants(base string) []SizedSKU {
	if s == nil {
		return nil
	}
	return s.byBase[base]
}

// Kits returns kit products ordered by SKU.
func (s *Snapshot) Kits() []Product {
	if s == nil {
		return nil
	}
	return s.kits
}

// Products returns all products ordered by SKU.
func (s *Snapshot) Products() []Product {
	if s == nil {
		return nil
	}
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}
