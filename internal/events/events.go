package events

import "time"

// Event names carried on the bus. Input events arrive on the order-events
// topic; output events go to the dispatch-events topic. Delivery is
// at-least-once, so every handler must tolerate redelivery.
const (
	OrderCreated       = "order_created"
	OfferExpired       = "offer_expired"
	DriverUnavailable  = "driver_unavailable"
	OrderAccepted      = "order_accepted"
	NoDriversAvailable = "no_drivers_available"
	OfferCancelled     = "offer_cancelled"
)

// Envelope is the wire shape shared by all bus events. Only the fields
// relevant to the event name are set.
type Envelope struct {
	Event     string    `json:"event"`
	OrderID   string    `json:"order_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	OfferID   string    `json:"offer_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
