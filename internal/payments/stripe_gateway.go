package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// GatewayStripe is the registered name of the Stripe gateway.
const GatewayStripe = "stripe"

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeGateway charges cards through PaymentIntents and refunds through the Refunds API.
type StripeGateway struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string { return GatewayStripe }

// Charge creates and confirms a PaymentIntent in one call. A card decline is a failed result,
// not an error; errors are reserved for transport and API faults.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if g == nil {
		return ChargeResult{}, errors.New("stripe: gateway is nil")
	}
	if req.Amount <= 0 {
		return ChargeResult{}, fmt.Errorf("%w: charge amount must be positive", ErrGatewayFailure)
	}
	token := strings.TrimSpace(req.PaymentToken)
	if token == "" {
		return ChargeResult{}, fmt.Errorf("%w: payment method token is required", ErrGatewayFailure)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(token),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if req.OrderNumber != "" {
		params.Description = stripe.String("Order " + req.OrderNumber)
	}
	params.Metadata = cloneMetadata(req.Metadata)
	if params.Metadata == nil {
		params.Metadata = map[string]string{}
	}
	params.Metadata["order_id"] = req.OrderID
	params.AddExpand("latest_charge")

	intent, err := g.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			result := ChargeResult{Status: StatusFailed, Raw: map[string]string{
				"decline_code": string(stripeErr.DeclineCode),
				"code":         string(stripeErr.Code),
			}}
			if stripeErr.PaymentIntent != nil {
				result.GatewayTransactionID = stripeErr.PaymentIntent.ID
			}
			g.logger(ctx, "payments.stripe.charge.declined", map[string]any{
				"orderId": req.OrderID,
				"code":    string(stripeErr.Code),
			})
			return result, nil
		}
		return ChargeResult{}, classifyStripeError("create payment intent", err)
	}

	result := stripeChargeResult(intent)
	g.logger(ctx, "payments.stripe.charge.completed", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"status":        string(result.Status),
	})
	return result, nil
}

// Refund creates a refund for the PaymentIntent identified by the gateway transaction id.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if g == nil {
		return RefundResult{}, errors.New("stripe: gateway is nil")
	}
	intentID := strings.TrimSpace(req.GatewayTransactionID)
	if intentID == "" {
		return RefundResult{}, fmt.Errorf("%w: payment intent id is required", ErrGatewayFailure)
	}
	if req.Amount <= 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be positive", ErrGatewayFailure)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Metadata = cloneMetadata(req.Metadata)

	refund, err := g.api.refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			return RefundResult{Success: false, Raw: map[string]string{"code": string(stripeErr.Code)}}, nil
		}
		return RefundResult{}, classifyStripeError("create refund", err)
	}

	success := refund.Status == stripe.RefundStatusSucceeded || refund.Status == stripe.RefundStatusPending
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": intentID,
		"refundId":      refund.ID,
		"status":        string(refund.Status),
	})
	return RefundResult{
		Success:  success,
		RefundID: refund.ID,
		Raw: map[string]string{
			"status": string(refund.Status),
			"amount": strconv.FormatInt(refund.Amount, 10),
		},
	}, nil
}

func stripeChargeResult(intent *stripe.PaymentIntent) ChargeResult {
	if intent == nil {
		return ChargeResult{Status: StatusFailed}
	}
	result := ChargeResult{
		Status:               normaliseIntentStatus(intent.Status),
		GatewayTransactionID: intent.ID,
		Raw: map[string]string{
			"intent_status": string(intent.Status),
			"currency":      strings.ToUpper(string(intent.Currency)),
		},
	}
	if charge := intent.LatestCharge; charge != nil {
		result.ReceiptURL = charge.ReceiptURL
		if charge.ID != "" {
			result.Raw["charge_id"] = charge.ID
		}
	}
	return result
}

func normaliseIntentStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return StatusFailed
	default:
		return StatusPending
	}
}

// classifyStripeError separates retryable faults from permanent ones.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnavailable, op, err)
		}
		return fmt.Errorf("%w: stripe %s: %v", ErrGatewayFailure, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnavailable, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrGatewayFailure, op, err)
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
