package aliases

import (
	"errors"
	"sort"
	"time"
)

// GlobalClientID scopes aliases shared by every client. Client aliases and global aliases
// compete under the same ordering.
const GlobalClientID int64 = 0

// Confidence assigned by each learning path.
const (
	ConfidenceManual = 1.0
	ConfidenceKit    = 0.8
	ConfidenceFuzzy  = 0.6
)

// Alias maps a normalized free-text SKU to a catalog SKU for one client.
type Alias struct {
	ClientID   int64      `json:"client_id"`
	AliasNorm  string     `json:"alias_norm"`
	AliasRaw   string     `json:"alias_raw"`
	StockSKU   string     `json:"stock_sku"`
	Confidence float64    `json:"confidence"`
	TimesUsed  int64      `json:"times_used"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

var (
	// ErrEmptyAlias indicates the alias text normalizes to nothing.
	ErrEmptyAlias = errors.New("aliases: alias text is empty after normalization")
	// ErrEmptySKU indicates a missing target SKU.
	ErrEmptySKU = errors.New("aliases: target sku required")
	// ErrInvalidConfidence indicates confidence outside [0,1].
	ErrInvalidConfidence = errors.New("aliases: confidence must be within [0,1]")
)

// Less orders candidates: higher confidence, then more uses, then most recently used,
// then the smallest target SKU.
func Less(a, b Alias) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.TimesUsed != b.TimesUsed {
		return a.TimesUsed > b.TimesUsed
	}
	switch {
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return true
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return false
	case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.After(*b.LastUsedAt)
	}
	if a.StockSKU != b.StockSKU {
		return a.StockSKU < b.StockSKU
	}
	return a.ClientID > b.ClientID
}

// Rank returns a copy of candidates ordered best first.
func Rank(candidates []Alias) []Alias {
	sorted := make([]Alias, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })
	return sorted
}

// Pick returns the winning candidate.
func Pick(candidates []Alias) (Alias, bool) {
	if len(candidates) == 0 {
		return Alias{}, false
	}
	return Rank(candidates)[0], true
}

// Merge applies a learn call to an existing alias. Re-learning the same target keeps usage
// and the higher confidence; a different target starts over.
func Merge(existing Alias, learned Alias) Alias {
	out := learned
	if existing.StockSKU == learned.StockSKU {
		out.TimesUsed = existing.TimesUsed
		out.LastUsedAt = existing.LastUsedAt
		if existing.Confidence > learned.Confidence {
			out.Confidence = existing.Confidence
		}
		return out
	}
	out.TimesUsed = 0
	out.LastUsedAt = nil
	return out
}
