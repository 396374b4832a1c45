package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// PushNotifier delivers notices to drivers: a live WebSocket session first,
// then an HTTP push provider as fallback. Delivery is best-effort; a
// driver that misses a notice just lets the offer expire.
type PushNotifier struct {
	WS       *WSRegistry
	Endpoint string // push provider URL, optional
	Key      string // bearer token for the push provider, optional
	Client   *http.Client
	Logger   *slog.Logger
}

func NewPushNotifier(ws *WSRegistry, endpoint, key string, logger *slog.Logger) *PushNotifier {
	return &PushNotifier{
		WS:       ws,
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Logger:   logger,
	}
}

func (p *PushNotifier) OfferCreated(ctx context.Context, n OfferNotice) error {
	n.Type = TypeOfferAvailable
	n.Title = "New delivery available"
	n.Body = fmt.Sprintf("Order %s - %.1fkm away. Expires at %s.",
		n.OrderID, n.DistanceKm, n.ExpiresAt.Format(time.Kitchen))
	return p.send(ctx, n)
}

func (p *PushNotifier) OfferCancelled(ctx context.Context, driverID, orderID string) error {
	return p.send(ctx, OfferNotice{
		Type:     TypeOfferCancelled,
		Title:    "Offer cancelled",
		Body:     fmt.Sprintf("Order %s was taken by another driver.", orderID),
		OrderID:  orderID,
		DriverID: driverID,
	})
}

func (p *PushNotifier) send(ctx context.Context, n OfferNotice) error {
	if p.WS != nil {
		if err := p.WS.Send(n.DriverID, n); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
