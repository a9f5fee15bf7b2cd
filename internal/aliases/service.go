package aliases

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// RepositoryPort abstracts alias persistence.
type RepositoryPort interface {
	Candidates(ctx context.Context, clientID int64, aliasNorm string) ([]Alias, error)
	Touch(ctx context.Context, clientID int64, aliasNorm string, at time.Time) error
	Upsert(ctx context.Context, a Alias) (Alias, error)
}

// Service resolves and learns client aliases.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Resolve returns the best alias for an already normalized text.
func (s *Service) Resolve(ctx context.Context, clientID int64, aliasNorm string) (Alias, bool, error) {
	if aliasNorm == "" {
		return Alias{}, false, nil
	}
	candidates, err := s.repo.Candidates(ctx, clientID, aliasNorm)
	if err != nil {
		return Alias{}, false, shared.Persistence("aliases.resolve", err)
	}
	best, ok := Pick(candidates)
	return best, ok, nil
}

// Ranked returns every alias for an already normalized text, best first.
func (s *Service) Ranked(ctx context.Context, clientID int64, aliasNorm string) ([]Alias, error) {
	if aliasNorm == "" {
		return nil, nil
	}
	candidates, err := s.repo.Candidates(ctx, clientID, aliasNorm)
	if err != nil {
		return nil, shared.Persistence("aliases.ranked", err)
	}
	return Rank(candidates), nil
}

// Use records a successful resolution through alias a.
func (s *Service) Use(ctx context.Context, a Alias) error {
	if err := s.repo.Touch(ctx, a.ClientID, a.AliasNorm, s.now().UTC()); err != nil {
		return shared.Persistence("aliases.use", err)
	}
	return nil
}

// Learn upserts the alias keyed by (clientID, Normalize(rawText)).
func (s *Service) Learn(ctx context.Context, clientID int64, rawText, stockSKU string, confidence float64) (Alias, error) {
	const op = "aliases.learn"
	norm := catalog.Normalize(rawText)
	if norm == "" {
		return Alias{}, shared.Validation(op, "alias_empty", ErrEmptyAlias)
	}
	stockSKU = strings.TrimSpace(stockSKU)
	if stockSKU == "" {
		return Alias{}, shared.Validation(op, "sku_empty", ErrEmptySKU)
	}
	if confidence < 0 || confidence > 1 {
		return Alias{}, shared.Validation(op, "invalid_payload", ErrInvalidConfidence)
	}
	learned, err := s.repo.Upsert(ctx, Alias{
		ClientID:   clientID,
		AliasNorm:  norm,
		AliasRaw:   strings.TrimSpace(rawText),
		StockSKU:   stockSKU,
		Confidence: confidence,
	})
	if err != nil {
		return Alias{}, shared.Persistence(op, err)
	}
	s.logger.Debug("alias learned",
		slog.Int64("client_id", clientID),
		slog.String("alias", norm),
		slog.String("sku", stockSKU),
		slog.Float64("confidence", learned.Confidence))
	return learned, nil
}
