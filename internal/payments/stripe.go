package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// FeeHolder is the external payment collaborator: a hold is placed on the
// client's delivery fee once a driver is assigned and released if the
// order is cancelled. Calls are best-effort from the orchestrator's point
// of view; billing reconciliation happens downstream.
type FeeHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	Release(ctx context.Context, holdID string) error
}

// StripeFeeHolder implements FeeHolder on Stripe PaymentIntents with
// manual capture.
type StripeFeeHolder struct{}

// NewStripeFeeHolder sets the global stripe key and returns the holder.
func NewStripeFeeHolder(apiKey string) *StripeFeeHolder {
	stripe.Key = apiKey
	return &StripeFeeHolder{}
}

func (s *StripeFeeHolder) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeFeeHolder) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
