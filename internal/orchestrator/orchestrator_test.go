package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/match"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/storage"
)

type recordedEvent struct {
	name     string
	orderID  string
	clientID string
	driverID string
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBus) OrderAccepted(_ context.Context, orderID, driverID string) error {
	f.record(recordedEvent{name: "order_accepted", orderID: orderID, driverID: driverID})
	return nil
}

func (f *fakeBus) NoDriversAvailable(_ context.Context, orderID, clientID string) error {
	f.record(recordedEvent{name: "no_drivers_available", orderID: orderID, clientID: clientID})
	return nil
}

func (f *fakeBus) OfferCancelled(_ context.Context, orderID, driverID string) error {
	f.record(recordedEvent{name: "offer_cancelled", orderID: orderID, driverID: driverID})
	return nil
}

func (f *fakeBus) record(e recordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeBus) named(name string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu        sync.Mutex
	created   []notify.OfferNotice
	cancelled []string // driverID:orderID
}

func (f *fakeNotifier) OfferCreated(_ context.Context, n notify.OfferNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, n)
	return nil
}

func (f *fakeNotifier) OfferCancelled(_ context.Context, driverID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, driverID+":"+orderID)
	return nil
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	dir   *geo.Index
	bus   *fakeBus
	notes *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := geo.NewIndex()
	bus := &fakeBus{}
	notes := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(match.New(dir, match.DefaultPolicy()), dir, store, store, bus, notes, logger)
	return &fixture{svc: svc, store: store, dir: dir, bus: bus, notes: notes}
}

func (f *fixture) addDriver(t *testing.T, id string, lat, lng, rating float64) {
	t.Helper()
	require.NoError(t, f.dir.Upsert(context.Background(), models.Driver{
		ID: id, Loc: models.Coord{Lat: lat, Lng: lng}, Available: true,
		RatingAverage: rating, CompletedDeliveries: 10,
	}))
}

func (f *fixture) addOrder(t *testing.T, id string, origin models.Coord) *models.Order {
	t.Helper()
	o := &models.Order{
		ID: id, ClientID: "client-1", Origin: origin,
		Destination: models.Coord{Lat: origin.Lat + 0.05, Lng: origin.Lng},
		Status:      models.OrderAwaitingDriver, CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), o))
	return o
}

func TestHandleOrderCreatedOpensOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	for _, id := range []string{"d1", "d2", "d3"} {
		f.addDriver(t, id, 10.01, 10, 4.5)
	}

	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", "client-1"))

	offers, err := f.store.OffersByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, offers, 3)
	for _, o := range offers {
		assert.Equal(t, models.OfferPending, o.Status)
		assert.Equal(t, o.CreatedAt.Add(2*time.Minute), o.ExpiresAt)
		assert.Greater(t, o.Score, 0.0)
	}
	assert.Len(t, f.notes.created, 3)
	assert.Empty(t, f.bus.named("no_drivers_available"))
}

func TestHandleOrderCreatedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)

	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", "client-1"))
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", "client-1")) // redelivery

	offers, err := f.store.OffersByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestHandleOrderCreatedZeroOrigin(t *testing.T) {
	f := newFixture(t)
	f.addOrder(t, "o1", models.Coord{})
	err := f.svc.HandleOrderCreated(context.Background(), "o1", "client-1")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestNoDriversAvailablePublishesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	// a driver exists, but over 10km away
	f.addDriver(t, "far", 10.5, 10, 5.0)

	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", "client-1"))

	offers, err := f.store.OffersByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, offers)

	got := f.bus.named("no_drivers_available")
	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0].orderID)
	assert.Equal(t, "client-1", got[0].clientID)
}

func TestAcceptOfferWinsAndCancelsSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	for _, id := range []string{"d1", "d2", "d3"} {
		f.addDriver(t, id, 10.01, 10, 4.5)
	}
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))

	offers, _ := f.store.OffersByOrder(ctx, "o1")
	require.Len(t, offers, 3)
	winner := offers[0]

	require.NoError(t, f.svc.AcceptOffer(ctx, winner.ID, winner.DriverID))

	order, err := f.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderEnRoute, order.Status)
	assert.Equal(t, winner.DriverID, order.AssignedDriverID)

	accepted := 0
	for _, o := range mustOffers(t, f, "o1") {
		switch o.ID {
		case winner.ID:
			assert.Equal(t, models.OfferAccepted, o.Status)
			accepted++
		default:
			assert.Equal(t, models.OfferCancelled, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, f.bus.named("order_accepted"), 1)
	assert.Len(t, f.bus.named("offer_cancelled"), 2)
	assert.Len(t, f.notes.cancelled, 2)
}

func TestAcceptOfferChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))
	offer := mustOffers(t, f, "o1")[0]

	err := f.svc.AcceptOffer(ctx, "missing", "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = f.svc.AcceptOffer(ctx, offer.ID, "someone-else")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	require.NoError(t, f.svc.AcceptOffer(ctx, offer.ID, "d1"))
	err = f.svc.AcceptOffer(ctx, offer.ID, "d1")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestAcceptOfferExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))
	offer := mustOffers(t, f, "o1")[0]

	f.svc.Now = func() time.Time { return offer.ExpiresAt.Add(time.Second) }
	err := f.svc.AcceptOffer(ctx, offer.ID, "d1")
	assert.ErrorIs(t, err, models.ErrExpired)

	// still PENDING in the store; only the sweeper flips it
	got, _ := f.store.GetOffer(ctx, offer.ID)
	assert.Equal(t, models.OfferPending, got.Status)
}

func TestAcceptStaleSiblingAfterAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	f.addDriver(t, "d2", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))

	offers := mustOffers(t, f, "o1")
	require.Len(t, offers, 2)
	require.NoError(t, f.svc.AcceptOffer(ctx, offers[0].ID, offers[0].DriverID))

	// resurrect the sibling as PENDING to simulate lagging cancellation
	require.NoError(t, f.store.SaveOffer(ctx, &models.Offer{
		ID: offers[1].ID, OrderID: "o1", DriverID: offers[1].DriverID,
		Status: models.OfferPending, CreatedAt: offers[1].CreatedAt, ExpiresAt: offers[1].ExpiresAt,
	}))
	err := f.svc.AcceptOffer(ctx, offers[1].ID, offers[1].DriverID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	f.addDriver(t, "d2", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))

	offers := mustOffers(t, f, "o1")
	require.Len(t, offers, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, o := range offers {
		wg.Add(1)
		go func(i int, offerID, driverID string) {
			defer wg.Done()
			errs[i] = f.svc.AcceptOffer(ctx, offerID, driverID)
		}(i, o.ID, o.DriverID)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, models.ErrConflict)
		}
	}
	assert.Equal(t, 1, successes, "exactly one accept must win")

	accepted := 0
	for _, o := range mustOffers(t, f, "o1") {
		if o.Status == models.OfferAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	order, err := f.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.NotEmpty(t, order.AssignedDriverID)
}

func TestRejectOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	f.addDriver(t, "d2", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))

	offers := mustOffers(t, f, "o1")
	require.NoError(t, f.svc.RejectOffer(ctx, offers[0].ID, offers[0].DriverID))

	got, _ := f.store.GetOffer(ctx, offers[0].ID)
	assert.Equal(t, models.OfferRejected, got.Status)
	// sibling untouched
	sib, _ := f.store.GetOffer(ctx, offers[1].ID)
	assert.Equal(t, models.OfferPending, sib.Status)

	err := f.svc.RejectOffer(ctx, offers[0].ID, offers[0].DriverID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestHandleOfferExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))
	offer := mustOffers(t, f, "o1")[0]

	// before the window closes: no-op
	require.NoError(t, f.svc.HandleOfferExpired(ctx, offer.ID))
	got, _ := f.store.GetOffer(ctx, offer.ID)
	assert.Equal(t, models.OfferPending, got.Status)

	f.svc.Now = func() time.Time { return offer.ExpiresAt.Add(time.Second) }
	require.NoError(t, f.svc.HandleOfferExpired(ctx, offer.ID))
	got, _ = f.store.GetOffer(ctx, offer.ID)
	assert.Equal(t, models.OfferExpired, got.Status)

	// terminal state never transitions again
	require.NoError(t, f.svc.HandleOfferExpired(ctx, offer.ID))
	got, _ = f.store.GetOffer(ctx, offer.ID)
	assert.Equal(t, models.OfferExpired, got.Status)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	f.addDriver(t, "d2", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))

	offers := mustOffers(t, f, "o1")
	f.svc.Now = func() time.Time { return offers[0].ExpiresAt.Add(time.Minute) }

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, o := range mustOffers(t, f, "o1") {
		assert.Equal(t, models.OfferExpired, o.Status)
	}
}

func TestHandleDriverUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addOrder(t, "o2", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o2", ""))

	require.NoError(t, f.svc.HandleDriverUnavailable(ctx, "d1"))

	pending, err := f.store.PendingOffersByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	for _, orderID := range []string{"o1", "o2"} {
		for _, o := range mustOffers(t, f, orderID) {
			assert.Equal(t, models.OfferCancelled, o.Status)
		}
	}
	assert.Len(t, f.notes.cancelled, 2)
}

func TestCreateManualOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.0)
	f.addDriver(t, "d2", 10.02, 10, 4.0)
	f.addDriver(t, "d3", 10.03, 10, 4.0)

	n, err := f.svc.CreateManualOffers(ctx, "o1", []string{"d1", "d2", "d3", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	offers := mustOffers(t, f, "o1")
	require.Len(t, offers, 3)
	for _, o := range offers {
		assert.Equal(t, models.OfferPending, o.Status)
		assert.Equal(t, o.CreatedAt.Add(2*time.Minute), o.ExpiresAt)
		assert.Equal(t, 100.0, o.Score)
	}
}

func TestListPendingOffersAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, "o1", models.Coord{Lat: 10, Lng: 10})
	f.addDriver(t, "d1", 10.01, 10, 4.5)
	require.NoError(t, f.svc.HandleOrderCreated(ctx, "o1", ""))

	_, err := f.svc.ListPendingOffers(ctx, "d1", "d2")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	offers, err := f.svc.ListPendingOffers(ctx, "d1", "d1")
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func mustOffers(t *testing.T, f *fixture, orderID string) []*models.Offer {
	t.Helper()
	offers, err := f.store.OffersByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return offers
}
