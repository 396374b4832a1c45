package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether the coordinate is the (0,0) sentinel, which we
// treat as "no location set".
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lng == 0 }

type OrderStatus string

const (
	OrderAwaitingDriver OrderStatus = "AWAITING_DRIVER"
	OrderEnRoute        OrderStatus = "EN_ROUTE"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderDelivered      OrderStatus = "DELIVERED"
)

type Order struct {
	ID               string      `json:"id"`
	ClientID         string      `json:"client_id"`
	Origin           Coord       `json:"origin"`
	Destination      Coord       `json:"destination"`
	GoodsType        string      `json:"goods_type,omitempty"`
	Status           OrderStatus `json:"status"`
	AssignedDriverID string      `json:"assigned_driver_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

type Driver struct {
	ID                  string    `json:"id"`
	Loc                 Coord     `json:"loc"`
	Available           bool      `json:"available"`
	RatingAverage       float64   `json:"rating_average"` // 0..5
	CompletedDeliveries int       `json:"completed_deliveries"`
	VehicleType         string    `json:"vehicle_type,omitempty"`
	Updated             time.Time `json:"updated,omitempty"`
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "PENDING"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferRejected  OfferStatus = "REJECTED"
	OfferCancelled OfferStatus = "CANCELLED"
	OfferExpired   OfferStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OfferStatus) Terminal() bool { return s != OfferPending }

// Offer is a time-bounded, single-driver right to claim one order.
// Offers are never deleted; terminal ones are kept for audit.
type Offer struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"order_id"`
	DriverID   string      `json:"driver_id"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	DistanceKm float64     `json:"distance_km"`
	Score      float64     `json:"score"`
}

// ExpiredAt reports whether the offer's window has closed at the given instant.
func (o *Offer) ExpiredAt(now time.Time) bool { return now.After(o.ExpiresAt) }

// Candidate is a driver plus the distance/score computed for one matching attempt.
type Candidate struct {
	Driver     Driver  `json:"driver"`
	DistanceKm float64 `json:"distance_km"`
	Score      float64 `json:"score"`
}
