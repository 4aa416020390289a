// Package orders holds the local mutation handlers the UI and tools call.
// Every change lands in the local replica first; the engine is told
// afterwards so it can sync.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spinsirr/order-wizard-sub000/internal/clock"
	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/localstore"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Syncer is the part of the engine the handlers report to.
type Syncer interface {
	HandleOrderCreated(ctx context.Context, order models.Order) (models.Order, error)
	NotifyLocalMutation(ctx context.Context)
}

type Service struct {
	local  *localstore.Store
	sync   Syncer
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(local *localstore.Store, sync Syncer, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{local: local, sync: sync, clock: clk, logger: logger}
}

// ListOptions filters List results.
type ListOptions struct {
	Status         models.Status
	IncludeDeleted bool
}

// List returns the user's orders, newest order date first.
func (s *Service) List(userID string, opts ListOptions) ([]models.Order, error) {
	all, err := s.local.GetAll(userID)
	if err != nil {
		return nil, err
	}

	out := slices.DeleteFunc(all, func(o models.Order) bool {
		if o.Deleted() && !opts.IncludeDeleted {
			return true
		}

		return opts.Status != "" && o.Status != opts.Status
	})

	slices.SortStableFunc(out, func(a, b models.Order) int {
		if c := strings.Compare(b.OrderDate, a.OrderDate); c != 0 {
			return c
		}

		return strings.Compare(a.OrderNumber, b.OrderNumber)
	})

	return out, nil
}

// Create stores a new order and uploads it right away.
func (s *Service) Create(ctx context.Context, order models.Order) (models.Order, error) {
	return s.sync.HandleOrderCreated(ctx, order)
}

// UpdateStatus sets the review status of a live order.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.Status) (models.Order, error) {
	if !status.Valid() {
		return models.Order{}, fmt.Errorf("unknown status %q: %w", status, syncerrors.ErrValidation)
	}

	return s.update(ctx, id, models.OrderPatch{Status: &status})
}

// UpdateNote replaces the free-text note of a live order.
func (s *Service) UpdateNote(ctx context.Context, id, note string) (models.Order, error) {
	return s.update(ctx, id, models.OrderPatch{Note: &note})
}

func (s *Service) update(ctx context.Context, id string, patch models.OrderPatch) (models.Order, error) {
	current, err := s.local.Get(id)
	if err != nil {
		return models.Order{}, err
	}

	if current.Deleted() {
		return models.Order{}, fmt.Errorf("order %s is deleted: %w", id, syncerrors.ErrNotFound)
	}

	now := s.clock.Now().UTC()
	patch.UpdatedAt = &now

	updated, err := s.local.UpdateFields(id, patch)
	if err != nil {
		return models.Order{}, err
	}

	s.logger.Debug("order updated", slog.String("id", id), slog.String("order_number", updated.OrderNumber))
	s.sync.NotifyLocalMutation(ctx)

	return updated, nil
}

// Delete soft-deletes an order. The tombstone stays until the remote
// deletion is confirmed. Deleting a tombstone again is a no-op.
func (s *Service) Delete(ctx context.Context, id string) error {
	current, err := s.local.Get(id)
	if err != nil {
		return err
	}

	if current.Deleted() {
		return nil
	}

	now := s.clock.Now().UTC()
	if _, err := s.local.UpdateFields(id, models.OrderPatch{UpdatedAt: &now, DeletedAt: &now}); err != nil {
		return err
	}

	s.logger.Info("order deleted", slog.String("id", id), slog.String("order_number", current.OrderNumber))
	s.sync.NotifyLocalMutation(ctx)

	return nil
}

// Purge removes an order physically and remembers its order number so
// the next sync still deletes the remote copy.
func (s *Service) Purge(ctx context.Context, id string) error {
	current, err := s.local.Get(id)
	if err != nil {
		return err
	}

	if err := s.local.AddTombstoneBusinessKey(current.UserID, current.Key()); err != nil {
		return err
	}

	if err := s.local.Delete(id); err != nil {
		return err
	}

	s.logger.Info("order purged", slog.String("id", id), slog.String("order_number", current.OrderNumber))
	s.sync.NotifyLocalMutation(ctx)

	return nil
}
