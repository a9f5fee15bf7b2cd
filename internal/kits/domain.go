package kits

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Component is one (sku, quantity) pair of a composition or an explosion.
type Component struct {
	SKU string  `json:"sku" validate:"required"`
	Qty float64 `json:"qty" validate:"gt=0"`
}

// KitCandidate is a kit whose BOM equals a requested composition.
type KitCandidate struct {
	SKU        string      `json:"sku"`
	Name       string      `json:"name"`
	Components int         `json:"components"`
	BOM        []Component `json:"bom"`
}

// KitMetadata describes a kit to create or update.
type KitMetadata struct {
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

var (
	// ErrEmptyComposition indicates no components were supplied.
	ErrEmptyComposition = errors.New("kits: composition requires at least one component")
	// ErrInvalidComponent indicates a component without SKU or with non-positive quantity.
	ErrInvalidComponent = errors.New("kits: component requires sku and positive quantity")
	// ErrKitSKURequired indicates missing kit metadata.
	ErrKitSKURequired = errors.New("kits: kit sku required")
	// ErrSelfReference indicates a kit listing itself as component.
	ErrSelfReference = errors.New("kits: kit cannot contain itself")
	// ErrNotAKit indicates the SKU exists but is a regular product.
	ErrNotAKit = errors.New("kits: product is not a kit")
	// ErrKitNotFound indicates no kit with a usable BOM exists for the SKU.
	ErrKitNotFound = errors.New("kits: kit not found")
	// ErrComponentNotFound indicates a component SKU missing from the catalog.
	ErrComponentNotFound = errors.New("kits: component not in catalog")
)
