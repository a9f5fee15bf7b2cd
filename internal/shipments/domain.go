package shipments

import (
	"errors"
	"time"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
)

// Status is derived from line counts and never set by callers.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReady      Status = "ready"
	StatusRegistrado Status = "registrado"
	StatusPartial    Status = "partial"
)

// CanEmit reports whether emission over the shipment can produce sales.
func (s Status) CanEmit() bool {
	return s == StatusReady || s == StatusPartial
}

// IsTerminal reports whether every matched line was emitted.
func (s Status) IsTerminal() bool {
	return s == StatusRegistrado
}

// Counts aggregates a shipment's lines. Excluded lines (fulfillment or cancelled) are not
// part of pending, matched or emitted.
type Counts struct {
	Pending  int `json:"pending"`
	Matched  int `json:"matched"`
	Emitted  int `json:"emitted"`
	Excluded int `json:"excluded"`
}

// Total returns the number of lines counted.
func (c Counts) Total() int {
	return c.Pending + c.Matched + c.Excluded
}

// Shipment is a shipment export with its derived status.
type Shipment struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	ClientID  int64     `json:"client_id"`
	Status    Status    `json:"status"`
	Counts    Counts    `json:"counts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrShipmentNotFound indicates the shipment does not exist.
var ErrShipmentNotFound = errors.New("shipments: shipment not found")

// Derive computes the status for counts. A shipment whose lines are all excluded has
// nothing left to emit and is terminal.
func Derive(c Counts) Status {
	if c.Total() == 0 {
		return StatusDraft
	}
	if c.Matched == 0 && c.Pending == 0 {
		return StatusRegistrado
	}
	if c.Emitted == 0 {
		if c.Pending > 0 {
			return StatusDraft
		}
		return StatusReady
	}
	if c.Pending == 0 && c.Emitted == c.Matched {
		return StatusRegistrado
	}
	return StatusPartial
}

// CountLines classifies lines through their channel adapter.
func CountLines(lines []orderlines.Line, adapters *orderlines.Adapters) Counts {
	var c Counts
	for _, line := range lines {
		if adapter, err := adapters.For(line.Channel); err == nil {
			if adapter.IsFulfillment(line) || adapter.IsCancelled(line) {
				c.Excluded++
				continue
			}
		}
		if line.Status != orderlines.StatusMatched {
			c.Pending++
			continue
		}
		c.Matched++
		if line.EmittedAt != nil {
			c.Emitted++
		}
	}
	return c
}
