package payments

import (
	"context"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
)

// Provider is the external payment processor; the wire format is its problem.
type Provider interface {
	CreateIntent(ctx context.Context, amountCents int64, currency, orderID string) (string, error)
	Refund(ctx context.Context, providerRef string, amountCents int64) (string, error)
}

// StripeProvider expects stripe.Key to be set at startup.
type StripeProvider struct{}

func (StripeProvider) CreateIntent(ctx context.Context, amountCents int64, currency, orderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.AddMetadata("order_id", orderID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (StripeProvider) Refund(ctx context.Context, providerRef string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(providerRef),
		Amount:        stripe.Int64(amountCents),
		Reason:        stripe.String("requested_by_customer"),
	}
	params.Context = ctx

	rf, err := refund.New(params)
	if err != nil {
		return "", err
	}
	return rf.ID, nil
}
