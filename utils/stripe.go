package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeBilling runs billing side effects against a user's connected account.
type StripeBilling struct {
	api *client.API
}

func NewStripeBilling(secretKey string) *StripeBilling {
	return &StripeBilling{api: client.New(secretKey, nil)}
}

func params(ctx context.Context, accountID string) stripe.Params {
	p := stripe.Params{Context: ctx}
	if accountID != "" {
		p.SetStripeAccount(accountID)
	}
	return p
}

// RetryInvoice attempts to collect an open invoice and returns the charge reference.
func (b *StripeBilling) RetryInvoice(ctx context.Context, accountID, invoiceID string) (string, error) {
	if invoiceID == "" {
		return "", fmt.Errorf("invoice id is required")
	}
	inv, err := b.api.Invoices.Pay(invoiceID, &stripe.InvoicePayParams{Params: params(ctx, accountID)})
	if err != nil {
		return "", fmt.Errorf("pay invoice %s: %w", invoiceID, err)
	}
	if inv.Status != stripe.InvoiceStatusPaid {
		return "", fmt.Errorf("invoice %s still %s after retry", invoiceID, inv.Status)
	}
	if inv.Charge != nil {
		return inv.Charge.ID, nil
	}
	return inv.ID, nil
}

// ApplyCoupon attaches a retention coupon to a subscription.
func (b *StripeBilling) ApplyCoupon(ctx context.Context, accountID, subscriptionID, couponID string) (string, error) {
	if subscriptionID == "" || couponID == "" {
		return "", fmt.Errorf("subscription and coupon are required")
	}
	sub, err := b.api.Subscriptions.Update(subscriptionID, &stripe.SubscriptionParams{
		Params: params(ctx, accountID),
		Coupon: stripe.String(couponID),
	})
	if err != nil {
		return "", fmt.Errorf("apply coupon %s to %s: %w", couponID, subscriptionID, err)
	}
	return sub.ID, nil
}

// ConstructStripeEvent verifies a webhook payload against its signature header.
func ConstructStripeEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, fmt.Errorf("missing Stripe-Signature header")
	}
	event, err := webhook.ConstructEventWithTolerance(payload, signature, secret, 5*time.Minute)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("verify webhook signature: %w", err)
	}
	return event, nil
}
