package notify

import (
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// Notice types pushed to driver apps.
const (
	TypeOfferAvailable = "OFFER_AVAILABLE"
	TypeOfferCancelled = "OFFER_CANCELLED"
)

// OfferNotice is the driver-facing summary of an offer: what the delivery
// is, how far away, and how long the driver has to claim it.
type OfferNotice struct {
	Type             string        `json:"type"`
	Title            string        `json:"title"`
	Body             string        `json:"body"`
	OfferID          string        `json:"offer_id,omitempty"`
	OrderID          string        `json:"order_id"`
	DriverID         string        `json:"driver_id"`
	DistanceKm       float64       `json:"distance_km,omitempty"`
	EstimatedMinutes int           `json:"estimated_minutes,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at,omitempty"`
	Origin           models.Coord  `json:"origin,omitempty"`
	Destination      models.Coord  `json:"destination,omitempty"`
}
