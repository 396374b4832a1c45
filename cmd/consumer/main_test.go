package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/match"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/orchestrator"
	"github.com/example/delivery-dispatch/internal/storage"
)

func newTestOrchestrator(t *testing.T) (*orchestrator.Service, *storage.MemoryStore, *geo.Index) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	dir := geo.NewIndex()
	orch := orchestrator.New(
		match.New(dir, match.DefaultPolicy()), dir, store, store,
		&events.LogPublisher{Logger: logger},
		notify.NewPushNotifier(notify.NewWSRegistry(), "", "", logger),
		logger,
	)
	return orch, store, dir
}

func envelope(t *testing.T, env events.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestRouteEventOrderCreated(t *testing.T) {
	orch, store, dir := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, store.SaveOrder(ctx, &models.Order{
		ID: "o1", ClientID: "c1", Origin: models.Coord{Lat: 10, Lng: 10}, Status: models.OrderAwaitingDriver,
	}))
	require.NoError(t, dir.Upsert(ctx, models.Driver{ID: "d1", Loc: models.Coord{Lat: 10.01, Lng: 10}, Available: true}))

	raw := envelope(t, events.Envelope{Event: events.OrderCreated, OrderID: "o1", ClientID: "c1"})
	require.NoError(t, routeEvent(ctx, orch, dir, raw))

	offers, err := store.OffersByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestRouteEventDriverUnavailable(t *testing.T) {
	orch, store, dir := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, store.SaveOrder(ctx, &models.Order{
		ID: "o1", Origin: models.Coord{Lat: 10, Lng: 10}, Status: models.OrderAwaitingDriver,
	}))
	require.NoError(t, dir.Upsert(ctx, models.Driver{ID: "d1", Loc: models.Coord{Lat: 10.01, Lng: 10}, Available: true}))
	require.NoError(t, orch.HandleOrderCreated(ctx, "o1", ""))

	raw := envelope(t, events.Envelope{Event: events.DriverUnavailable, DriverID: "d1"})
	require.NoError(t, routeEvent(ctx, orch, dir, raw))

	d, err := dir.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Available)

	pending, err := store.PendingOffersByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRouteEventUnknownDriverUnavailable(t *testing.T) {
	orch, _, dir := newTestOrchestrator(t)
	raw := envelope(t, events.Envelope{Event: events.DriverUnavailable, DriverID: "ghost"})
	assert.NoError(t, routeEvent(context.Background(), orch, dir, raw))
}

func TestRouteEventOfferExpired(t *testing.T) {
	orch, store, dir := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, store.SaveOrder(ctx, &models.Order{
		ID: "o1", Origin: models.Coord{Lat: 10, Lng: 10}, Status: models.OrderAwaitingDriver,
	}))
	require.NoError(t, dir.Upsert(ctx, models.Driver{ID: "d1", Loc: models.Coord{Lat: 10.01, Lng: 10}, Available: true}))
	require.NoError(t, orch.HandleOrderCreated(ctx, "o1", ""))

	offers, _ := store.OffersByOrder(ctx, "o1")
	require.Len(t, offers, 1)
	orch.Now = func() time.Time { return offers[0].ExpiresAt.Add(time.Second) }

	raw := envelope(t, events.Envelope{Event: events.OfferExpired, OfferID: offers[0].ID})
	require.NoError(t, routeEvent(ctx, orch, dir, raw))

	got, _ := store.GetOffer(ctx, offers[0].ID)
	assert.Equal(t, models.OfferExpired, got.Status)
}

func TestRouteEventRejectsGarbage(t *testing.T) {
	orch, _, dir := newTestOrchestrator(t)
	ctx := context.Background()

	err := routeEvent(ctx, orch, dir, []byte("{not json"))
	assert.ErrorIs(t, err, errUnknownEvent)

	raw := envelope(t, events.Envelope{Event: "order_teleported"})
	err = routeEvent(ctx, orch, dir, raw)
	assert.ErrorIs(t, err, errUnknownEvent)
}

type flakyUpserter struct {
	failures int
	calls    int
}

func (f *flakyUpserter) Upsert(context.Context, models.Driver) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func TestUpsertWithRetry(t *testing.T) {
	f := &flakyUpserter{failures: 2}
	err := upsertWithRetry(context.Background(), f, models.Driver{ID: "d1"}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)

	f = &flakyUpserter{failures: 10}
	err = upsertWithRetry(context.Background(), f, models.Driver{ID: "d1"}, 2, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 2, f.calls)
}
