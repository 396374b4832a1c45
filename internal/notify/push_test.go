package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPushNotifierNoSessionNoEndpoint(t *testing.T) {
	p := NewPushNotifier(NewWSRegistry(), "", "", discardLogger())
	err := p.OfferCancelled(context.Background(), "d1", "o1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestPushNotifierHTTPFallback(t *testing.T) {
	var got OfferNotice
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPushNotifier(NewWSRegistry(), srv.URL, "secret", discardLogger())
	notice := OfferNotice{
		OfferID:    "f1",
		OrderID:    "o1",
		DriverID:   "d1",
		DistanceKm: 2.5,
		ExpiresAt:  time.Now().Add(2 * time.Minute),
	}
	require.NoError(t, p.OfferCreated(context.Background(), notice))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, TypeOfferAvailable, got.Type)
	assert.Equal(t, "New delivery available", got.Title)
	assert.Equal(t, "f1", got.OfferID)
	assert.Contains(t, got.Body, "2.5km")
}

func TestPushNotifierProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPushNotifier(NewWSRegistry(), srv.URL, "", discardLogger())
	err := p.OfferCancelled(context.Background(), "d1", "o1")
	assert.Error(t, err)
}

func TestWSRegistrySessions(t *testing.T) {
	reg := NewWSRegistry()
	assert.ErrorIs(t, reg.Send("d1", OfferNotice{}), ErrNoSession)
}
