package catalog

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry. Kits carry an ordered bill of materials.
type Product struct {
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	IsKit    bool            `json:"is_kit"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	BOM      []BOMEntry      `json:"bom,omitempty"`
}

// BOMEntry is one component of a kit.
type BOMEntry struct {
	ComponentSKU string  `json:"component_sku"`
	QtyPerKit    float64 `json:"qty_per_kit"`
}

// ErrProductNotFound indicates the SKU is not in the catalog.
var ErrProductNotFound = errors.New("catalog: product not found")
