package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/vitrine/fulfillment/internal/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeWebhookVerifier checks the Stripe-Signature header and maps payment events.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
	clock     func() time.Time
}

// NewStripeWebhookVerifier constructs a verifier for the endpoint signing secret.
func NewStripeWebhookVerifier(secret string, tolerance time.Duration, clock func() time.Time) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if clock == nil {
		clock = time.Now
	}
	return &StripeWebhookVerifier{secret: secret, tolerance: tolerance, clock: clock}, nil
}

// Verify implements EventVerifier.
func (v *StripeWebhookVerifier) Verify(_ context.Context, r *http.Request, body []byte) (domain.GatewayEvent, error) {
	header := r.Header.Get(stripeSignatureHeader)
	if strings.TrimSpace(header) == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: %s header missing", ErrSignatureInvalid, stripeSignatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(body, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return v.mapEvent(event)
}

func (v *StripeWebhookVerifier) mapEvent(event stripe.Event) (domain.GatewayEvent, error) {
	out := domain.GatewayEvent{
		ID:         event.ID,
		Gateway:    GatewayStripe,
		Type:       string(event.Type),
		Outcome:    domain.PaymentOutcomeIgnored,
		ReceivedAt: v.clock().UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.processing":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return domain.GatewayEvent{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
		}
		out.GatewayTransactionID = intent.ID
		out.Amount = intent.Amount
		switch event.Type {
		case "payment_intent.succeeded":
			out.Outcome = domain.PaymentOutcomeSucceeded
			out.Amount = intent.AmountReceived
		case "payment_intent.payment_failed":
			out.Outcome = domain.PaymentOutcomeFailed
		default:
			out.Outcome = domain.PaymentOutcomePending
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return domain.GatewayEvent{}, fmt.Errorf("%w: charge: %v", ErrMalformedEvent, err)
		}
		if charge.PaymentIntent != nil {
			out.GatewayTransactionID = charge.PaymentIntent.ID
		}
		out.Amount = charge.AmountRefunded
		// Partial refunds are driven from this service and already recorded locally.
		if charge.Refunded {
			out.Outcome = domain.PaymentOutcomeRefunded
		}
	}
	return out, nil
}
