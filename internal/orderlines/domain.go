package orderlines

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ScopeKind identifies what a batch operation runs over.
type ScopeKind string

const (
	ScopeClient   ScopeKind = "client"
	ScopeImport   ScopeKind = "import"
	ScopeShipment ScopeKind = "shipment"
)

// Scope is always passed explicitly by the caller; it is never inferred from timestamps.
type Scope struct {
	Kind     ScopeKind `json:"kind"`
	ID       int64     `json:"id"`
	ClientID int64     `json:"client_id"`
}

// ErrInvalidScope indicates a structurally invalid scope.
var ErrInvalidScope = errors.New("orderlines: invalid scope")

// Validate checks the scope is usable.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeClient:
		if s.ClientID <= 0 {
			return fmt.Errorf("%w: client scope requires client_id", ErrInvalidScope)
		}
	case ScopeImport, ScopeShipment:
		if s.ID <= 0 {
			return fmt.Errorf("%w: %s scope requires id", ErrInvalidScope, s.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, s.Kind)
	}
	return nil
}

func (s Scope) String() string {
	if s.Kind == ScopeClient {
		return fmt.Sprintf("client:%d", s.ClientID)
	}
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Status is the per-line resolution status.
type Status string

const (
	StatusPending Status = "pending"
	StatusMatched Status = "matched"
)

// MatchSource records which tier or action resolved a line.
type MatchSource string

const (
	SourceExact  MatchSource = "exact"
	SourceAlias  MatchSource = "alias"
	SourceFuzzy  MatchSource = "fuzzy"
	SourceKit    MatchSource = "kit"
	SourceManual MatchSource = "manual"
)

// ChannelKind selects the channel adapter.
type ChannelKind string

const (
	ChannelMarketplace ChannelKind = "marketplace"
	ChannelShipment    ChannelKind = "shipment"
)

// Line is one raw order line from an import or shipment export.
type Line struct {
	ID                 int64           `json:"id"`
	ScopeKind          ScopeKind       `json:"scope_kind"`
	ScopeID            int64           `json:"scope_id"`
	ClientID           int64           `json:"client_id"`
	Channel            ChannelKind     `json:"channel"`
	RawSKU             string          `json:"raw_sku"`
	Quantity           float64         `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	SalesChannel       string          `json:"sales_channel"`
	ShippingMethod     string          `json:"shipping_method"`
	CancellationReason string          `json:"cancellation_reason"`
	OrderState         string          `json:"order_state"`
	PostSaleStatus     string          `json:"post_sale_status"`
	ExternalOrderID    string          `json:"external_order_id"`
	ShipmentNumber     string          `json:"shipment_number"`
	LineExternalCode   string          `json:"line_external_code"`
	Status             Status          `json:"status"`
	MatchedSKU         string          `json:"matched_sku,omitempty"`
	MatchSource        MatchSource     `json:"match_source,omitempty"`
	PedidoUID          string          `json:"pedido_uid,omitempty"`
	EmittedAt          *time.Time      `json:"emitted_at,omitempty"`
}

// IsMatched reports whether the line has a resolved SKU.
func (l Line) IsMatched() bool {
	return l.Status == StatusMatched && l.MatchedSKU != ""
}

var (
	// ErrLineNotFound indicates the raw line does not exist.
	ErrLineNotFound = errors.New("orderlines: line not found")
	// ErrAlreadyMatched indicates the line left the pending state before this write.
	ErrAlreadyMatched = errors.New("orderlines: line already matched")
)
