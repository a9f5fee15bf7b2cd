package emission

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// Direction of a stock movement.
type Direction string

const (
	DirectionOut Direction = "OUT"
	DirectionIn  Direction = "IN"
)

// Reason explains why a stock movement was written.
type Reason string

const (
	ReasonSale           Reason = "sale"
	ReasonCancelReversal Reason = "cancel_reversal"
	ReasonSaleAdjust     Reason = "sale_adjust"
)

// OrderState is the lifecycle of one pedido_uid.
type OrderState string

const (
	OrderNew               OrderState = "NEW"
	OrderEmitted           OrderState = "EMITTED"
	OrderCancelledReversed OrderState = "CANCELLED_REVERSED"
)

// CanReverse reports whether a cancellation has stock to restore.
func (s OrderState) CanReverse() bool {
	return s == OrderEmitted
}

// StateOf derives the order state from its sale rows.
func StateOf(sales []Sale) OrderState {
	if len(sales) == 0 {
		return OrderNew
	}
	for _, s := range sales {
		if !s.Cancelled {
			return OrderEmitted
		}
	}
	return OrderCancelledReversed
}

// Sale is the canonical sale of one SKU within an order.
type Sale struct {
	ID        int64                  `json:"id"`
	PedidoUID string                 `json:"pedido_uid"`
	SKU       string                 `json:"sku"`
	Quantity  float64                `json:"quantity"`
	UnitPrice decimal.Decimal        `json:"unit_price"`
	Channel   orderlines.ChannelKind `json:"channel"`
	ClientID  int64                  `json:"client_id"`
	Cancelled bool                   `json:"cancelled"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StockMovement is an immutable stock effect; corrections are new movements.
type StockMovement struct {
	ID        uuid.UUID `json:"id"`
	SKU       string    `json:"sku"`
	Quantity  float64   `json:"quantity"`
	Direction Direction `json:"direction"`
	Reason    Reason    `json:"reason"`
	PedidoUID string    `json:"pedido_uid"`
	CreatedAt time.Time `json:"created_at"`
}

// Result counts an emission pass. Inserted and AlreadyExisted count sale rows,
// FulfillmentSkipped counts lines, CancelledReversed and Deferred count orders.
type Result struct {
	Scope              orderlines.Scope `json:"scope"`
	Inserted           int              `json:"inserted"`
	AlreadyExisted     int              `json:"already_existed"`
	Adjusted           int              `json:"adjusted"`
	FulfillmentSkipped int              `json:"fulfillment_skipped"`
	CancelledReversed  int              `json:"cancelled_reversed"`
	Deferred           int              `json:"deferred"`
	Failures           []shared.Failure `json:"failures"`
}

var (
	// ErrMissingUnitCost indicates a SKU without a catalog unit cost.
	ErrMissingUnitCost = errors.New("emission: sku has no catalog unit cost")
	// ErrUnknownSKU indicates a matched SKU missing from the catalog.
	ErrUnknownSKU = errors.New("emission: matched sku not in catalog")
)
