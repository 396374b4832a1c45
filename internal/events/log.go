package events

import (
	"context"
	"log/slog"
)

// LogPublisher stands in for Kafka when no brokers are configured: events
// are logged instead of published. Local-run convenience only.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l *LogPublisher) OrderAccepted(_ context.Context, orderID, driverID string) error {
	l.Logger.Info("event", "name", OrderAccepted, "order_id", orderID, "driver_id", driverID)
	return nil
}

func (l *LogPublisher) NoDriversAvailable(_ context.Context, orderID, clientID string) error {
	l.Logger.Info("event", "name", NoDriversAvailable, "order_id", orderID, "client_id", clientID)
	return nil
}

func (l *LogPublisher) OfferCancelled(_ context.Context, orderID, driverID string) error {
	l.Logger.Info("event", "name", OfferCancelled, "order_id", orderID, "driver_id", driverID)
	return nil
}
