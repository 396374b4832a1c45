package storage

import (
	"context"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// OrderStore defines persistence for orders. Orders are created elsewhere;
// the dispatch engine only assigns drivers.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	SaveOrder(ctx context.Context, o *models.Order) error
	// AssignDriver sets the winning driver and moves the order to EN_ROUTE.
	// Must be conditional: if another driver is already assigned the store
	// returns models.ErrConflict. This is the arbiter when two drivers race
	// on different offers of the same order.
	AssignDriver(ctx context.Context, orderID, driverID string) error
}

// OfferStore defines persistence for offers. UpdateStatusIf is the one
// operation the single-winner invariant rests on: the store must apply the
// transition as a single conditional write and return models.ErrConflict
// when the current status is not `from`. A read-modify-write here would let
// two drivers win the same order.
type OfferStore interface {
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	SaveOffer(ctx context.Context, o *models.Offer) error
	UpdateStatusIf(ctx context.Context, id string, from, to models.OfferStatus) error
	OffersByOrder(ctx context.Context, orderID string) ([]*models.Offer, error)
	PendingOffersByDriver(ctx context.Context, driverID string) ([]*models.Offer, error)
	// ExpiredPending lists PENDING offers whose window closed before now,
	// for the sweep job.
	ExpiredPending(ctx context.Context, now time.Time) ([]*models.Offer, error)
}
