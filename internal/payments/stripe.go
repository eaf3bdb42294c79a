package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-hail/internal/errs"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture flows on card rides. Holds are placed at booking and
// captured at completion.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", errs.Wrap(errs.External, err, "stripe hold failed")
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	if _, err := paymentintent.Capture(paymentIntentID, nil); err != nil {
		return errs.Wrap(errs.External, err, "stripe capture failed")
	}
	return nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	if _, err := paymentintent.Cancel(paymentIntentID, nil); err != nil {
		return errs.Wrap(errs.External, err, "stripe cancel failed")
	}
	return nil
}

// VerifyCharge reports whether the ride's card charge has settled. The
// PaymentIntent ID is keyed off the ride ID via transfer group metadata;
// a missing or unsettled intent means the charge is still pending.
func (s *StripeClient) VerifyCharge(ctx context.Context, rideID string) (bool, error) {
	it := paymentintent.Search(&stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query: "metadata['ride_id']:'" + rideID + "'",
		},
	})
	for it.Next() {
		pi := it.PaymentIntent()
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
			return true, nil
		}
	}
	if err := it.Err(); err != nil {
		return false, errs.Wrap(errs.External, err, "stripe lookup failed")
	}
	return false, nil
}
