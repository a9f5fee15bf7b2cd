package orderlines

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
)

// Adapter supplies the per-channel rules the engine is parameterised by.
type Adapter interface {
	Kind() ChannelKind
	// PedidoUID derives the idempotency anchor for emission.
	PedidoUID(line Line) (string, error)
	// LineKey identifies a line within its order so that re-exports of the same line
	// replace rather than add to each other.
	LineKey(line Line) string
	// IsFulfillment reports lines handled by an external fulfillment warehouse.
	IsFulfillment(line Line) bool
	// IsCancelled reports lines carrying any cancellation indicator.
	IsCancelled(line Line) bool
}

// DefaultFulfillmentTokens are canonical fulfillment markers and misspellings seen in exports,
// compared against normalized text.
var DefaultFulfillmentTokens = []string{
	"FULL",
	"FULFILLMENT",
	"FULFILMENT",
	"FULLFILMENT",
	"FULLFILLMENT",
	"FULLFILLMET",
	"FBA",
	"FULFILLMENTBYAMAZON",
	"MERCADOENVIOSFULL",
}

// DefaultCancellationTokens mark cancelled orders in order-state and post-sale fields.
var DefaultCancellationTokens = []string{
	"CANCEL",
	"CANCELAD",
	"CANCELLED",
	"CANCELED",
	"DEVOLV",
	"REEMBOLS",
	"REFUND",
}

// ErrMissingOrderKey indicates the line lacks the fields needed for pedido_uid.
var ErrMissingOrderKey = errors.New("orderlines: missing order key")

// Vocabulary holds the token lists shared by the adapters.
type Vocabulary struct {
	Fulfillment  []string
	Cancellation []string
}

// DefaultVocabulary returns the built-in token lists.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{Fulfillment: DefaultFulfillmentTokens, Cancellation: DefaultCancellationTokens}
}

func (v Vocabulary) normalized() Vocabulary {
	out := Vocabulary{}
	for _, t := range v.Fulfillment {
		if n := catalog.Normalize(t); n != "" {
			out.Fulfillment = append(out.Fulfillment, n)
		}
	}
	for _, t := range v.Cancellation {
		if n := catalog.Normalize(t); n != "" {
			out.Cancellation = append(out.Cancellation, n)
		}
	}
	return out
}

type baseAdapter struct {
	vocab Vocabulary
}

func (a baseAdapter) IsFulfillment(line Line) bool {
	return containsAny(catalog.Normalize(line.SalesChannel), a.vocab.Fulfillment) ||
		containsAny(catalog.Normalize(line.ShippingMethod), a.vocab.Fulfillment)
}

func (a baseAdapter) IsCancelled(line Line) bool {
	if strings.TrimSpace(line.CancellationReason) != "" {
		return true
	}
	return containsAny(catalog.Normalize(line.OrderState), a.vocab.Cancellation) ||
		containsAny(catalog.Normalize(line.PostSaleStatus), a.vocab.Cancellation)
}

type marketplaceAdapter struct{ baseAdapter }

func (marketplaceAdapter) Kind() ChannelKind { return ChannelMarketplace }

// PedidoUID uses the platform order identifier within the client.
func (marketplaceAdapter) PedidoUID(line Line) (string, error) {
	id := strings.TrimSpace(line.ExternalOrderID)
	if id == "" {
		return "", fmt.Errorf("%w: line %d has no external order id", ErrMissingOrderKey, line.ID)
	}
	return clientKey(line, id)
}

// LineKey identifies the line within its order: the platform line code when exported,
// otherwise the normalized raw SKU.
func (marketplaceAdapter) LineKey(line Line) string {
	if code := strings.TrimSpace(line.LineExternalCode); code != "" {
		return "code:" + code
	}
	return "sku:" + catalog.Normalize(line.RawSKU)
}

type shipmentAdapter struct{ baseAdapter }

func (shipmentAdapter) Kind() ChannelKind { return ChannelShipment }

// PedidoUID is unique per shipment line rather than per order.
func (shipmentAdapter) PedidoUID(line Line) (string, error) {
	number := strings.TrimSpace(line.ShipmentNumber)
	code := strings.TrimSpace(line.LineExternalCode)
	if number == "" || code == "" {
		return "", fmt.Errorf("%w: line %d needs shipment number and line code", ErrMissingOrderKey, line.ID)
	}
	return clientKey(line, number+":"+code)
}

// LineKey is constant because every shipment order holds a single logical line.
func (shipmentAdapter) LineKey(Line) string { return "line" }

// clientKey scopes key to the owning client; platform order numbers repeat across sellers.
func clientKey(line Line, key string) (string, error) {
	if line.ClientID <= 0 {
		return "", fmt.Errorf("%w: line %d has no client", ErrMissingOrderKey, line.ID)
	}
	return strconv.FormatInt(line.ClientID, 10) + ":" + key, nil
}

// Adapters resolves the adapter for a line's channel.
type Adapters struct {
	byKind map[ChannelKind]Adapter
}

// NewAdapters builds the marketplace and shipment adapters over one vocabulary.
func NewAdapters(vocab Vocabulary) *Adapters {
	if len(vocab.Fulfillment) == 0 {
		vocab.Fulfillment = DefaultFulfillmentTokens
	}
	if len(vocab.Cancellation) == 0 {
		vocab.Cancellation = DefaultCancellationTokens
	}
	base := baseAdapter{vocab: vocab.normalized()}
	return &Adapters{byKind: map[ChannelKind]Adapter{
		ChannelMarketplace: marketplaceAdapter{base},
		ChannelShipment:    shipmentAdapter{base},
	}}
}

// For returns the adapter for kind.
func (a *Adapters) For(kind ChannelKind) (Adapter, error) {
	if a == nil {
		return nil, fmt.Errorf("orderlines: adapters not configured")
	}
	adapter, ok := a.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("orderlines: unknown channel %q", kind)
	}
	return adapter, nil
}

func containsAny(normalized string, tokens []string) bool {
	if normalized == "" {
		return false
	}
	for _, t := range tokens {
		if strings.Contains(normalized, t) {
			return true
		}
	}
	return false
}
