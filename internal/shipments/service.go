package shipments

import (
	"context"
	"errors"
	"log/slog"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// RepositoryPort abstracts shipment persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Shipment, error)
	ListIDsByClient(ctx context.Context, clientID int64) ([]int64, error)
}

// TxRepository exposes the reads and writes of one recompute.
type TxRepository interface {
	// LockShipment loads the shipment and holds its row lock until commit.
	LockShipment(ctx context.Context, id int64) (Shipment, error)
	ListLines(ctx context.Context, shipmentID int64) ([]orderlines.Line, error)
	SaveDerived(ctx context.Context, id int64, status Status, counts Counts) (Shipment, error)
}

// Service maintains derived shipment status.
type Service struct {
	repo     RepositoryPort
	adapters *orderlines.Adapters
	logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, adapters *orderlines.Adapters, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if adapters == nil {
		adapters = orderlines.NewAdapters(orderlines.DefaultVocabulary())
	}
	return &Service{repo: repo, adapters: adapters, logger: logger}
}

// Get returns the stored shipment.
func (s *Service) Get(ctx context.Context, id int64) (Shipment, error) {
	sh, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrShipmentNotFound) {
		return Shipment{}, shared.NotFound("shipments.get", "shipment_not_found", err)
	}
	if err != nil {
		return Shipment{}, shared.Persistence("shipments.get", err)
	}
	return sh, nil
}

// Recompute derives status from the shipment's current lines under the shipment row lock.
func (s *Service) Recompute(ctx context.Context, id int64) (Shipment, error) {
	const op = "shipments.recompute"
	var (
		before Status
		out    Shipment
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockShipment(ctx, id)
		if err != nil {
			return err
		}
		before = current.Status
		lines, err := tx.ListLines(ctx, id)
		if err != nil {
			return err
		}
		counts := CountLines(lines, s.adapters)
		out, err = tx.SaveDerived(ctx, id, Derive(counts), counts)
		return err
	})
	if errors.Is(err, ErrShipmentNotFound) {
		return Shipment{}, shared.NotFound(op, "shipment_not_found", err)
	}
	if err != nil {
		return Shipment{}, shared.Persistence(op, err)
	}
	if before != out.Status {
		s.logger.Info("shipment status changed",
			slog.Int64("shipment_id", id),
			slog.String("from", string(before)),
			slog.String("to", string(out.Status)))
	}
	return out, nil
}

// LineChanged recomputes the shipment owning line, if any.
func (s *Service) LineChanged(ctx context.Context, line orderlines.Line) error {
	if line.ScopeKind != orderlines.ScopeShipment {
		return nil
	}
	_, err := s.Recompute(ctx, line.ScopeID)
	return err
}

// ScopeChanged recomputes every shipment the scope covers. Import scopes hold no shipments.
func (s *Service) ScopeChanged(ctx context.Context, scope orderlines.Scope) error {
	switch scope.Kind {
	case orderlines.ScopeShipment:
		_, err := s.Recompute(ctx, scope.ID)
		return err
	case orderlines.ScopeClient:
		ids, err := s.repo.ListIDsByClient(ctx, scope.ClientID)
		if err != nil {
			return shared.Persistence("shipments.scope", err)
		}
		var errs []error
		for _, id := range ids {
			if _, err := s.Recompute(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return nil
}
