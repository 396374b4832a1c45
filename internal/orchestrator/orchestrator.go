// Package orchestrator owns the offer lifecycle end-to-end: candidate
// selection on order creation, the PENDING → ACCEPTED/REJECTED/CANCELLED/
// EXPIRED state machine, and the single-winner guarantee under concurrent
// driver actions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/match"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/storage"
)

// DefaultOfferTTL is how long a driver has to answer an offer.
const DefaultOfferTTL = 2 * time.Minute

// EventPublisher publishes dispatch results to the event bus.
type EventPublisher interface {
	OrderAccepted(ctx context.Context, orderID, driverID string) error
	NoDriversAvailable(ctx context.Context, orderID, clientID string) error
	OfferCancelled(ctx context.Context, orderID, driverID string) error
}

// Notifier pushes offer notices to driver apps. Best-effort: failures are
// logged, never propagated into a state transition.
type Notifier interface {
	OfferCreated(ctx context.Context, n notify.OfferNotice) error
	OfferCancelled(ctx context.Context, driverID, orderID string) error
}

type Service struct {
	Matcher  *match.Matcher
	Drivers  geo.Directory
	Orders   storage.OrderStore
	Offers   storage.OfferStore
	Bus      EventPublisher
	Notifier Notifier
	Fees     payments.FeeHolder // optional
	ETA      *eta.Estimator     // optional
	Logger   *slog.Logger

	OfferTTL    time.Duration
	FeeCents    int64  // flat hold placed on acceptance; 0 disables
	FeeCurrency string

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func New(m *match.Matcher, drivers geo.Directory, orders storage.OrderStore, offers storage.OfferStore, bus EventPublisher, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		Matcher:  m,
		Drivers:  drivers,
		Orders:   orders,
		Offers:   offers,
		Bus:      bus,
		Notifier: notifier,
		Logger:   logger,
		OfferTTL: DefaultOfferTTL,
		Now:      time.Now,
	}
}

// HandleOrderCreated selects candidates for a fresh order and opens one
// offer per candidate. Redelivered events are detected by the offers that
// already exist for the order. A partially persisted offer batch is left
// as is; the remaining candidates still compete.
func (s *Service) HandleOrderCreated(ctx context.Context, orderID, clientID string) error {
	start := s.Now()

	order, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Origin.IsZero() {
		return fmt.Errorf("order %s has no origin coordinate: %w", orderID, models.ErrValidation)
	}
	if clientID == "" {
		clientID = order.ClientID
	}

	if existing, err := s.Offers.OffersByOrder(ctx, orderID); err == nil && len(existing) > 0 {
		s.Logger.Info("order already has offers, skipping", "order_id", orderID, "offers", len(existing))
		return nil
	}

	cands, err := s.Matcher.FindCandidates(ctx, order.Origin)
	if err != nil {
		return fmt.Errorf("candidate search for order %s: %w", orderID, err)
	}
	if len(cands) == 0 {
		observability.NoDriversTotal.Inc()
		s.Logger.Info("no drivers available", "order_id", orderID)
		if err := s.Bus.NoDriversAvailable(ctx, orderID, clientID); err != nil {
			return fmt.Errorf("publish no_drivers_available: %w", err)
		}
		return nil
	}

	created := 0
	for _, c := range cands {
		offer := s.newOffer(order.ID, c.Driver.ID, match.Round2(c.DistanceKm), c.Score)
		if err := s.Offers.SaveOffer(ctx, offer); err != nil {
			// Tolerate partial batches: the offers already saved still compete.
			s.Logger.Error("save offer failed", "order_id", orderID, "driver_id", c.Driver.ID, "error", err)
			continue
		}
		created++
		observability.OffersCreatedTotal.Inc()
		s.notifyOfferCreated(ctx, offer, order, c)
	}
	observability.MatchLatency.Observe(s.Now().Sub(start).Seconds())
	s.Logger.Info("offers created", "order_id", orderID, "candidates", len(cands), "created", created)
	return nil
}

// AcceptOffer is the race-sensitive path. The status flip PENDING→ACCEPTED
// is a conditional store write that serializes callers on the same offer;
// the conditional driver assignment on the order serializes siblings. Every
// losing caller observes ErrConflict and must not retry.
func (s *Service) AcceptOffer(ctx context.Context, offerID, requesterDriverID string) error {
	offer, err := s.Offers.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.DriverID != requesterDriverID {
		return fmt.Errorf("offer %s belongs to another driver: %w", offerID, models.ErrUnauthorized)
	}
	if offer.Status != models.OfferPending {
		observability.AcceptConflictsTotal.Inc()
		return fmt.Errorf("offer %s is %s: %w", offerID, offer.Status, models.ErrConflict)
	}
	if offer.ExpiredAt(s.Now()) {
		return fmt.Errorf("offer %s expired at %s: %w", offerID, offer.ExpiresAt.Format(time.RFC3339), models.ErrExpired)
	}

	order, err := s.Orders.GetOrder(ctx, offer.OrderID)
	if err != nil {
		return err
	}
	// A sibling already won but this offer's cancellation lagged.
	if order.AssignedDriverID != "" {
		observability.AcceptConflictsTotal.Inc()
		return fmt.Errorf("order %s already assigned: %w", offer.OrderID, models.ErrConflict)
	}

	// The conditional assignment is the arbiter between siblings: of all
	// drivers racing on the same order, exactly one write lands. A loser
	// has mutated nothing at this point.
	if err := s.Orders.AssignDriver(ctx, offer.OrderID, offer.DriverID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.AcceptConflictsTotal.Inc()
			return fmt.Errorf("order %s already assigned: %w", offer.OrderID, models.ErrConflict)
		}
		return fmt.Errorf("assign driver: %w", err)
	}

	// The offer CAS serializes callers on this one offer. Only the
	// assignment winner reaches it, so at most one offer per order is
	// ever ACCEPTED.
	if err := s.Offers.UpdateStatusIf(ctx, offerID, models.OfferPending, models.OfferAccepted); err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.AcceptConflictsTotal.Inc()
		}
		s.Logger.Error("accept write failed after assignment", "offer_id", offerID, "order_id", offer.OrderID, "error", err)
		return err
	}
	observability.OffersAcceptedTotal.Inc()

	s.cancelSiblings(ctx, offer.OrderID, offerID)

	if err := s.Bus.OrderAccepted(ctx, offer.OrderID, offer.DriverID); err != nil {
		s.Logger.Error("publish order_accepted failed", "order_id", offer.OrderID, "error", err)
	}
	s.holdFee(ctx, order)
	s.Logger.Info("offer accepted", "offer_id", offerID, "order_id", offer.OrderID, "driver_id", offer.DriverID)
	return nil
}

// RejectOffer transitions one offer PENDING→REJECTED. No effect on siblings.
func (s *Service) RejectOffer(ctx context.Context, offerID, requesterDriverID string) error {
	offer, err := s.Offers.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.DriverID != requesterDriverID {
		return fmt.Errorf("offer %s belongs to another driver: %w", offerID, models.ErrUnauthorized)
	}
	if offer.Status != models.OfferPending {
		return fmt.Errorf("offer %s is %s: %w", offerID, offer.Status, models.ErrConflict)
	}
	if err := s.Offers.UpdateStatusIf(ctx, offerID, models.OfferPending, models.OfferRejected); err != nil {
		return err
	}
	observability.OffersRejectedTotal.Inc()
	s.Logger.Info("offer rejected", "offer_id", offerID, "driver_id", requesterDriverID)
	return nil
}

// HandleOfferExpired closes a lapsed offer. Driven by the external
// scheduler; the orchestrator has no clock thread of its own. No re-routing
// is attempted here.
func (s *Service) HandleOfferExpired(ctx context.Context, offerID string) error {
	offer, err := s.Offers.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Status != models.OfferPending || s.Now().Before(offer.ExpiresAt) {
		return nil
	}
	if err := s.Offers.UpdateStatusIf(ctx, offerID, models.OfferPending, models.OfferExpired); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil // already resolved by a driver action
		}
		return err
	}
	observability.OffersExpiredTotal.Inc()
	s.Logger.Info("offer expired", "offer_id", offerID, "order_id", offer.OrderID)
	return nil
}

// SweepExpired expires every lapsed PENDING offer, for the cron sweeper.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	lapsed, err := s.Offers.ExpiredPending(ctx, s.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range lapsed {
		if err := s.HandleOfferExpired(ctx, o.ID); err != nil {
			s.Logger.Error("expire sweep failed", "offer_id", o.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// HandleDriverUnavailable cancels every pending offer held by a driver that
// went offline, across all orders.
func (s *Service) HandleDriverUnavailable(ctx context.Context, driverID string) error {
	pending, err := s.Offers.PendingOffersByDriver(ctx, driverID)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if err := s.Offers.UpdateStatusIf(ctx, o.ID, models.OfferPending, models.OfferCancelled); err != nil {
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			s.Logger.Error("cancel offer for offline driver failed", "offer_id", o.ID, "error", err)
			continue
		}
		observability.OffersCancelledTotal.Inc()
		if err := s.Notifier.OfferCancelled(ctx, driverID, o.OrderID); err != nil {
			s.Logger.Debug("cancel notice failed", "driver_id", driverID, "order_id", o.OrderID, "error", err)
		}
	}
	s.Logger.Info("cancelled offers for offline driver", "driver_id", driverID, "count", len(pending))
	return nil
}

// CreateManualOffers opens offers for operator-chosen drivers, bypassing
// the candidate search. Manual offers carry maximum score.
func (s *Service) CreateManualOffers(ctx context.Context, orderID string, driverIDs []string) (int, error) {
	order, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, id := range driverIDs {
		d, err := s.Drivers.GetDriver(ctx, id)
		if err != nil {
			s.Logger.Warn("manual offer skipped, driver unknown", "driver_id", id, "error", err)
			continue
		}
		dist := 0.0
		if !d.Loc.IsZero() && !order.Origin.IsZero() {
			dist = match.Round2(match.Haversine(order.Origin, d.Loc))
		}
		offer := s.newOffer(orderID, id, dist, 100)
		if err := s.Offers.SaveOffer(ctx, offer); err != nil {
			s.Logger.Error("save manual offer failed", "order_id", orderID, "driver_id", id, "error", err)
			continue
		}
		created++
		observability.OffersCreatedTotal.Inc()
		s.notifyOfferCreated(ctx, offer, order, models.Candidate{Driver: *d, DistanceKm: dist, Score: 100})
	}
	return created, nil
}

// ListPendingOffers returns the requester's own pending offers.
func (s *Service) ListPendingOffers(ctx context.Context, driverID, requesterDriverID string) ([]*models.Offer, error) {
	if driverID != requesterDriverID {
		return nil, fmt.Errorf("offers of driver %s: %w", driverID, models.ErrUnauthorized)
	}
	return s.Offers.PendingOffersByDriver(ctx, driverID)
}

// SearchNearbyDrivers ranks available drivers around a point. Backs the
// synchronous search endpoint; no offers are created.
func (s *Service) SearchNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, maxResults int) ([]models.Candidate, error) {
	if radiusKm <= 0 {
		radiusKm = 5.0
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	drivers, err := s.Matcher.Directory.Nearby(ctx, lat, lng, radiusKm)
	if err != nil {
		return nil, err
	}
	return match.Rank(models.Coord{Lat: lat, Lng: lng}, drivers, radiusKm, maxResults), nil
}

func (s *Service) newOffer(orderID, driverID string, distanceKm, score float64) *models.Offer {
	now := s.Now()
	ttl := s.OfferTTL
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	return &models.Offer{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		DriverID:   driverID,
		Status:     models.OfferPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		DistanceKm: distanceKm,
		Score:      score,
	}
}

// cancelSiblings moves every still-pending offer of the order to CANCELLED.
// Losing a CAS here just means the sibling resolved on its own; each
// cancellation is independent and safe to redo.
func (s *Service) cancelSiblings(ctx context.Context, orderID, winnerOfferID string) {
	siblings, err := s.Offers.OffersByOrder(ctx, orderID)
	if err != nil {
		s.Logger.Error("list sibling offers failed", "order_id", orderID, "error", err)
		return
	}
	for _, o := range siblings {
		if o.ID == winnerOfferID || o.Status != models.OfferPending {
			continue
		}
		if err := s.Offers.UpdateStatusIf(ctx, o.ID, models.OfferPending, models.OfferCancelled); err != nil {
			if !errors.Is(err, models.ErrConflict) {
				s.Logger.Error("cancel sibling failed", "offer_id", o.ID, "error", err)
			}
			continue
		}
		observability.OffersCancelledTotal.Inc()
		if err := s.Notifier.OfferCancelled(ctx, o.DriverID, orderID); err != nil {
			s.Logger.Debug("cancel notice failed", "driver_id", o.DriverID, "order_id", orderID, "error", err)
		}
		if err := s.Bus.OfferCancelled(ctx, orderID, o.DriverID); err != nil {
			s.Logger.Error("publish offer_cancelled failed", "order_id", orderID, "driver_id", o.DriverID, "error", err)
		}
	}
}

func (s *Service) notifyOfferCreated(ctx context.Context, offer *models.Offer, order *models.Order, c models.Candidate) {
	n := notify.OfferNotice{
		OfferID:          offer.ID,
		OrderID:          order.ID,
		DriverID:         offer.DriverID,
		DistanceKm:       offer.DistanceKm,
		EstimatedMinutes: s.ETA.EstimateMinutes(c.Driver.Loc, order.Origin, offer.DistanceKm),
		ExpiresAt:        offer.ExpiresAt,
		Origin:           order.Origin,
		Destination:      order.Destination,
	}
	if err := s.Notifier.OfferCreated(ctx, n); err != nil {
		s.Logger.Debug("offer notice failed", "offer_id", offer.ID, "driver_id", offer.DriverID, "error", err)
	}
}

func (s *Service) holdFee(ctx context.Context, order *models.Order) {
	if s.Fees == nil || s.FeeCents <= 0 {
		return
	}
	currency := s.FeeCurrency
	if currency == "" {
		currency = "usd"
	}
	holdID, err := s.Fees.Hold(ctx, s.FeeCents, currency, order.ClientID)
	if err != nil {
		s.Logger.Error("fee hold failed", "order_id", order.ID, "error", err)
		return
	}
	s.Logger.Info("fee held", "order_id", order.ID, "hold_id", holdID)
}
