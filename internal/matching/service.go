package matching

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/salesrecon/internal/aliases"
	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/observability"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// LineRepository abstracts raw line access.
type LineRepository interface {
	Get(ctx context.Context, id int64) (orderlines.Line, error)
	ListByScope(ctx context.Context, scope orderlines.Scope, status orderlines.Status) ([]orderlines.Line, error)
	ListPending(ctx context.Context, scope orderlines.Scope, limit, offset int) ([]orderlines.Line, int, error)
	MarkMatched(ctx context.Context, id int64, sku string, source orderlines.MatchSource) error
}

// SnapshotSource supplies read-consistent catalog snapshots.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// AliasStore resolves, records and learns aliases.
type AliasStore interface {
	AliasResolver
	Use(ctx context.Context, a aliases.Alias) error
	Learn(ctx context.Context, clientID int64, rawText, stockSKU string, confidence float64) (aliases.Alias, error)
}

// Observer is told which lines and scopes changed so derived state can be recomputed.
type Observer interface {
	LineChanged(ctx context.Context, line orderlines.Line) error
	ScopeChanged(ctx context.Context, scope orderlines.Scope) error
}

// Recorder receives match counters.
type Recorder interface {
	ObserveMatch(source string, count int)
}

// Config groups service settings.
type Config struct {
	Workers      int
	FuzzyEnabled bool
}

// AutoRelateOptions tunes one auto-relate pass.
type AutoRelateOptions struct {
	// Learn stores an alias for every fuzzy or kit match.
	Learn bool `json:"learn"`
}

// AutoRelateResult summarises an auto-relate pass.
type AutoRelateResult struct {
	Scope    orderlines.Scope               `json:"scope"`
	Matched  int                            `json:"matched"`
	Pending  int                            `json:"pending"`
	BySource map[orderlines.MatchSource]int `json:"by_source"`
	Learned  int                            `json:"learned"`
	Failures []shared.Failure               `json:"failures"`
}

// ManualRelate is an operator decision for one line.
type ManualRelate struct {
	RawID       int64  `json:"raw_id"`
	MatchedSKU  string `json:"matched_sku"`
	CreateAlias bool   `json:"create_alias"`
	AliasText   string `json:"alias_text,omitempty"`
}

// PendingPage is one page of unresolved lines.
type PendingPage struct {
	Lines      []orderlines.Line `json:"lines"`
	Pagination shared.Pagination `json:"pagination"`
}

// Service coordinates line matching.
type Service struct {
	lines    LineRepository
	catalog  SnapshotSource
	aliases  AliasStore
	engine   *Engine
	observer Observer
	recorder Recorder
	logger   *slog.Logger
	workers  int
}

// NewService builds Service. observer and recorder may be nil.
func NewService(lines LineRepository, source SnapshotSource, store AliasStore, observer Observer, recorder Recorder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	var resolver AliasResolver
	if store != nil {
		resolver = store
	}
	return &Service{
		lines:    lines,
		catalog:  source,
		aliases:  store,
		engine:   NewEngine(EngineConfig{FuzzyEnabled: cfg.FuzzyEnabled}, resolver),
		observer: observer,
		recorder: recorder,
		logger:   logger,
		workers:  cfg.Workers,
	}
}

// Engine exposes the configured tier pipeline.
func (s *Service) Engine() *Engine {
	return s.engine
}

// AutoRelate matches every pending line in scope over one catalog snapshot. Per-line failures
// are collected; only an invalid scope or an unavailable catalog abort the pass.
func (s *Service) AutoRelate(ctx context.Context, scope orderlines.Scope, opts AutoRelateOptions) (result AutoRelateResult, err error) {
	const op = "matching.autorelate"
	if err := scope.Validate(); err != nil {
		return AutoRelateResult{}, shared.Validation(op, "invalid_scope", err)
	}
	ctx, span := observability.StartSpan(ctx, "matching.AutoRelate",
		attribute.String("scope", scope.String()), attribute.Bool("learn", opts.Learn))
	defer func() { observability.EndSpan(span, err) }()

	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return AutoRelateResult{}, shared.Persistence(op, err)
	}
	lines, err := s.lines.ListByScope(ctx, scope, orderlines.StatusPending)
	if err != nil {
		return AutoRelateResult{}, shared.Persistence(op, err)
	}

	result = AutoRelateResult{Scope: scope, BySource: make(map[orderlines.MatchSource]int)}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, line := range lines {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Failures = append(result.Failures, shared.NewFailure(lineRef(line.ID), ctx.Err()))
				mu.Unlock()
				return nil
			}
			res, learned, err := s.relate(ctx, snap, line, opts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failures = append(result.Failures, shared.NewFailure(lineRef(line.ID), err))
			case res.Matched():
				result.Matched++
				result.BySource[res.Source]++
			case res.Status == orderlines.StatusPending:
				result.Pending++
			}
			if learned {
				result.Learned++
			}
			return nil
		})
	}
	_ = g.Wait()
	shared.SortFailures(result.Failures)

	for source, n := range result.BySource {
		s.record(string(source), n)
	}
	s.record("pending", result.Pending)
	if result.Matched > 0 && s.observer != nil {
		if err := s.observer.ScopeChanged(ctx, scope); err != nil {
			s.logger.Warn("scope recompute failed", slog.String("scope", scope.String()), slog.Any("error", err))
		}
	}
	s.logger.Info("auto-relate finished",
		slog.String("scope", scope.String()),
		slog.Int("matched", result.Matched),
		slog.Int("pending", result.Pending),
		slog.Int("failures", len(result.Failures)))
	return result, nil
}

// relate matches one line and persists the outcome. A line matched concurrently by another
// writer is reported with its current state.
func (s *Service) relate(ctx context.Context, snap *catalog.Snapshot, line orderlines.Line, opts AutoRelateOptions) (Result, bool, error) {
	res, err := s.engine.Match(ctx, snap, line)
	if err != nil || !res.Matched() {
		return res, false, err
	}
	if err := s.lines.MarkMatched(ctx, line.ID, res.MatchedSKU, res.Source); err != nil {
		if errors.Is(err, orderlines.ErrAlreadyMatched) {
			return Result{Status: orderlines.StatusMatched}, false, nil
		}
		return Result{}, false, shared.Persistence("matching.relate", err)
	}
	for _, alias := range res.used {
		if err := s.aliases.Use(ctx, alias); err != nil {
			s.logger.Warn("alias usage not recorded", slog.Int64("line_id", line.ID), slog.Any("error", err))
		}
	}
	if !opts.Learn || s.aliases == nil {
		return res, false, nil
	}
	var confidence float64
	switch res.Source {
	case orderlines.SourceFuzzy:
		confidence = aliases.ConfidenceFuzzy
	case orderlines.SourceKit:
		confidence = aliases.ConfidenceKit
	default:
		return res, false, nil
	}
	if _, err := s.aliases.Learn(ctx, line.ClientID, line.RawSKU, res.MatchedSKU, confidence); err != nil {
		s.logger.Warn("alias not learned", slog.Int64("line_id", line.ID), slog.Any("error", err))
		return res, false, nil
	}
	return res, true, nil
}

// MatchLine applies a manual relate decision.
func (s *Service) MatchLine(ctx context.Context, input ManualRelate) error {
	const op = "matching.match_line"
	if input.RawID <= 0 {
		return shared.Validation(op, "invalid_payload", errors.New("raw_id required"))
	}
	sku := strings.TrimSpace(input.MatchedSKU)
	if sku == "" {
		return shared.Validation(op, "sku_empty", aliases.ErrEmptySKU)
	}

	line, err := s.lines.Get(ctx, input.RawID)
	if errors.Is(err, orderlines.ErrLineNotFound) {
		return shared.NotFound(op, "raw_not_found", err)
	}
	if err != nil {
		return shared.Persistence(op, err)
	}
	if line.Status != orderlines.StatusPending {
		return shared.Conflict(op, "already_related", orderlines.ErrAlreadyMatched)
	}
	aliasText := strings.TrimSpace(input.AliasText)
	if aliasText == "" {
		aliasText = line.RawSKU
	}
	if input.CreateAlias && catalog.Normalize(aliasText) == "" {
		return shared.Validation(op, "invalid_payload", aliases.ErrEmptyAlias)
	}

	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return shared.Persistence(op, err)
	}
	if _, ok := snap.Product(sku); !ok {
		return shared.NotFound(op, "sku_not_found", catalog.ErrProductNotFound)
	}

	// The alias goes first: a failed learn leaves the line pending so the call can be retried.
	if input.CreateAlias && s.aliases != nil {
		if _, err := s.aliases.Learn(ctx, line.ClientID, aliasText, sku, aliases.ConfidenceManual); err != nil {
			return err
		}
	}
	if err := s.lines.MarkMatched(ctx, line.ID, sku, orderlines.SourceManual); err != nil {
		switch {
		case errors.Is(err, orderlines.ErrLineNotFound):
			return shared.NotFound(op, "raw_not_found", err)
		case errors.Is(err, orderlines.ErrAlreadyMatched):
			return shared.Conflict(op, "already_related", err)
		}
		return shared.Persistence(op, err)
	}
	line.Status, line.MatchedSKU, line.MatchSource = orderlines.StatusMatched, sku, orderlines.SourceManual
	s.record(string(orderlines.SourceManual), 1)
	if s.observer != nil {
		if err := s.observer.LineChanged(ctx, line); err != nil {
			s.logger.Warn("line recompute failed", slog.Int64("line_id", line.ID), slog.Any("error", err))
		}
	}
	s.logger.Info("line related manually",
		slog.Int64("line_id", line.ID),
		slog.String("sku", sku),
		slog.Bool("alias", input.CreateAlias))
	return nil
}

// Pending lists unresolved lines in scope.
func (s *Service) Pending(ctx context.Context, scope orderlines.Scope, page, perPage int) (PendingPage, error) {
	const op = "matching.pending"
	if err := scope.Validate(); err != nil {
		return PendingPage{}, shared.Validation(op, "invalid_scope", err)
	}
	pagination := shared.NewPagination(page, perPage, 0)
	lines, total, err := s.lines.ListPending(ctx, scope, pagination.PerPage, pagination.Offset())
	if err != nil {
		return PendingPage{}, shared.Persistence(op, err)
	}
	if lines == nil {
		lines = []orderlines.Line{}
	}
	return PendingPage{Lines: lines, Pagination: shared.NewPagination(page, perPage, total)}, nil
}

func (s *Service) record(source string, n int) {
	if s.recorder != nil {
		s.recorder.ObserveMatch(source, n)
	}
}

func lineRef(id int64) string {
	return "line:" + strconv.FormatInt(id, 10)
}
