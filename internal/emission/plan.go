package emission

import (
	"errors"
	"sort"
	"strconv"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// order groups the non-excluded lines sharing one pedido_uid. Lines holds the effective
// lines after re-exports are collapsed; IDs holds every scoped line so all are stamped.
type order struct {
	UID       string
	ClientID  int64
	Channel   orderlines.ChannelKind
	Lines     []orderlines.Line
	IDs       []int64
	Cancelled bool
	Pending   bool
}

type plan struct {
	Orders             []order
	FulfillmentSkipped int
	Failures           []shared.Failure
}

// buildPlan drops fulfillment lines and groups the rest by pedido_uid, ordered by uid.
func buildPlan(lines []orderlines.Line, adapters *orderlines.Adapters) plan {
	var p plan
	byUID := make(map[string]*order)
	for _, line := range lines {
		ref := "line:" + strconv.FormatInt(line.ID, 10)
		adapter, err := adapters.For(line.Channel)
		if err != nil {
			p.Failures = append(p.Failures, shared.NewFailure(ref, shared.Validation("emission.plan", "invalid_channel", err)))
			continue
		}
		if adapter.IsFulfillment(line) {
			p.FulfillmentSkipped++
			continue
		}
		uid, err := adapter.PedidoUID(line)
		if err != nil {
			p.Failures = append(p.Failures, shared.NewFailure(ref, shared.Validation("emission.plan", "missing_order_key", err)))
			continue
		}
		o, ok := byUID[uid]
		if !ok {
			o = &order{UID: uid, ClientID: line.ClientID, Channel: line.Channel}
			byUID[uid] = o
		}
		o.Lines = append(o.Lines, line)
		o.IDs = append(o.IDs, line.ID)
	}
	p.Orders = make([]order, 0, len(byUID))
	for _, o := range byUID {
		o.Lines = effectiveLines(o.Lines, adapters)
		for _, line := range o.Lines {
			adapter, _ := adapters.For(line.Channel)
			if adapter.IsCancelled(line) {
				o.Cancelled = true
			}
			if !line.IsMatched() {
				o.Pending = true
			}
		}
		p.Orders = append(p.Orders, *o)
	}
	sort.Slice(p.Orders, func(i, j int) bool { return p.Orders[i].UID < p.Orders[j].UID })
	return p
}

type lineSource struct {
	kind orderlines.ScopeKind
	id   int64
}

// effectiveLines collapses re-exports of one order: for every line key only the lines
// of the most recently imported source are kept. Several lines sharing a key within one
// source still add up. Duplicate ids are dropped and the result is ordered by id.
func effectiveLines(lines []orderlines.Line, adapters *orderlines.Adapters) []orderlines.Line {
	byID := make(map[int64]orderlines.Line, len(lines))
	for _, l := range lines {
		byID[l.ID] = l
	}
	type latest struct {
		id     int64
		source lineSource
	}
	keys := make(map[int64]string, len(byID))
	newest := make(map[string]latest)
	for id, l := range byID {
		key := string(l.Channel)
		if adapter, err := adapters.For(l.Channel); err == nil {
			key += "|" + adapter.LineKey(l)
		}
		keys[id] = key
		if cur, ok := newest[key]; !ok || id > cur.id {
			newest[key] = latest{id: id, source: lineSource{kind: l.ScopeKind, id: l.ScopeID}}
		}
	}
	out := make([]orderlines.Line, 0, len(byID))
	for id, l := range byID {
		if newest[keys[id]].source == (lineSource{kind: l.ScopeKind, id: l.ScopeID}) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var errMixedOrder = errors.New("emission: order spans several clients or channels")

// checkOrder rejects groups that cannot form one sale set.
func checkOrder(o order) error {
	for _, l := range o.Lines {
		if l.ClientID != o.ClientID || l.Channel != o.Channel {
			return shared.Conflict("emission.plan", "mixed_order", errMixedOrder)
		}
	}
	return nil
}
