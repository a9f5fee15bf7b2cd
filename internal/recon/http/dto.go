package reconhttp

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesrecon/internal/kits"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
)

type scopeRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=client import shipment"`
	ID       int64  `json:"id" validate:"gte=0"`
	ClientID int64  `json:"client_id" validate:"gte=0"`
}

func (s scopeRequest) scope() orderlines.Scope {
	return orderlines.Scope{Kind: orderlines.ScopeKind(s.Kind), ID: s.ID, ClientID: s.ClientID}
}

type matchRequest struct {
	MatchedSKU  string `json:"matched_sku"`
	CreateAlias bool   `json:"create_alias"`
	AliasText   string `json:"alias_text"`
}

type kitFindRequest struct {
	Components []kits.Component `json:"components" validate:"required,min=1,dive"`
}

type kitCreateRequest struct {
	SKU        string           `json:"sku"`
	Name       string           `json:"name" validate:"max=200"`
	UnitCost   decimal.Decimal  `json:"unit_cost"`
	Components []kits.Component `json:"components" validate:"required,min=1,dive"`
	RawID      *int64           `json:"raw_id,omitempty" validate:"omitempty,gt=0"`
}

type emitRequest struct {
	Scope scopeRequest `json:"scope"`
	Async bool         `json:"async"`
}

type autoRelateRequest struct {
	Scope scopeRequest `json:"scope"`
	Learn *bool        `json:"learn,omitempty"`
	Async bool         `json:"async"`
}

type enqueuedResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

type kitFindResponse struct {
	Candidates []kits.KitCandidate `json:"candidates"`
}
