package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/auth"
)

// HMACWebhookVerifier authenticates generic gateway deliveries signed with a shared secret and
// decodes the JSON body {id, type, transaction_id, outcome, amount}.
type HMACWebhookVerifier struct {
	gateway   string
	validator *auth.HMACValidator
	clock     func() time.Time
}

type hmacEventPayload struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id"`
	Outcome       string `json:"outcome"`
	Amount        int64  `json:"amount"`
}

// NewHMACWebhookVerifier binds the validator to the gateway's secret name.
func NewHMACWebhookVerifier(gateway string, validator *auth.HMACValidator, clock func() time.Time) (*HMACWebhookVerifier, error) {
	gateway = normaliseName(gateway)
	if gateway == "" {
		return nil, errors.New("payments: gateway name is required")
	}
	if validator == nil {
		return nil, errors.New("payments: hmac validator is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &HMACWebhookVerifier{gateway: gateway, validator: validator, clock: clock}, nil
}

// Verify implements EventVerifier.
func (v *HMACWebhookVerifier) Verify(ctx context.Context, r *http.Request, body []byte) (domain.GatewayEvent, error) {
	if _, err := v.validator.Verify(ctx, v.gateway, r, body); err != nil {
		if errors.Is(err, auth.ErrVerificationUnavailable) {
			return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var payload hmacEventPayload
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&payload); err != nil {
		return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: event id is required", ErrMalformedEvent)
	}

	return domain.GatewayEvent{
		ID:                   strings.TrimSpace(payload.ID),
		Gateway:              v.gateway,
		Type:                 strings.TrimSpace(payload.Type),
		GatewayTransactionID: strings.TrimSpace(payload.TransactionID),
		Outcome:              parseOutcome(payload.Outcome),
		Amount:               payload.Amount,
		ReceivedAt:           v.clock().UTC(),
	}, nil
}

func parseOutcome(raw string) domain.PaymentOutcome {
	switch outcome := domain.PaymentOutcome(strings.ToLower(strings.TrimSpace(raw))); outcome {
	case domain.PaymentOutcomeSucceeded, domain.PaymentOutcomeFailed, domain.PaymentOutcomeRefunded, domain.PaymentOutcomePending:
		return outcome
	default:
		return domain.PaymentOutcomeIgnored
	}
}
