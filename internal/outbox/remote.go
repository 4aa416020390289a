package outbox

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=outbox

import (
	"context"

	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Remote is the part of the remote replica client the queue delivers to.
// Errors must unwrap to the sync error sentinels.
type Remote interface {
	Create(ctx context.Context, order models.Order) (models.Order, error)
	Update(ctx context.Context, id string, patch models.OrderPatch) error
	Delete(ctx context.Context, id string) error
	SaveAll(ctx context.Context, orders []models.Order) []error
	DeleteAll(ctx context.Context, ids []string) []error
}
