package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/platform/httpx"
	"github.com/vitrine/fulfillment/internal/platform/requestctx"
	"github.com/vitrine/fulfillment/internal/services"
)

const unavailableRetryAfter = 5 * time.Second

type errorMapping struct {
	target  error
	code    string
	status  int
	message string
}

// Client errors echo the service message; server errors use the fixed message.
var serviceErrorMappings = []errorMapping{
	{services.ErrProductInvalid, "product_invalid", http.StatusBadRequest, ""},
	{services.ErrVariantNotFound, "variant_not_found", http.StatusBadRequest, ""},
	{services.ErrPackagingInvalid, "packaging_invalid", http.StatusBadRequest, ""},
	{services.ErrInsufficientStock, "insufficient_stock", http.StatusBadRequest, ""},
	{services.ErrCouponExpired, "coupon_expired", http.StatusBadRequest, ""},
	{services.ErrCouponExhausted, "coupon_exhausted", http.StatusBadRequest, ""},
	{services.ErrCouponInvalid, "coupon_invalid", http.StatusBadRequest, ""},
	{services.ErrInvalidTransition, "invalid_transition", http.StatusBadRequest, ""},
	{services.ErrRefundExceedsLimit, "refund_exceeds_limit", http.StatusBadRequest, ""},
	{services.ErrWebhookSignatureInvalid, "webhook_signature_invalid", http.StatusBadRequest, "webhook signature invalid"},
	{services.ErrValidation, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound, "order not found"},
	{services.ErrOrderConflict, "order_conflict", http.StatusConflict, "order was modified concurrently; retry"},
	{services.ErrTransactionConflict, "transaction_conflict", http.StatusConflict, "payment record was modified concurrently; retry"},
	{services.ErrRefundProcessingFailed, "refund_failed", http.StatusBadGateway, "refund could not be processed by the payment gateway"},
	{services.ErrPaymentGatewayError, "payment_gateway_error", http.StatusBadGateway, "payment gateway error"},
	{services.ErrUnavailable, "service_unavailable", http.StatusServiceUnavailable, "service temporarily unavailable"},
}

// writeServiceError maps the service error taxonomy onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, m := range serviceErrorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		if m.status >= http.StatusInternalServerError {
			requestctx.Logger(ctx).Warn("request failed", zap.String("code", m.code), zap.Error(err))
		}
		envelope := httpx.NewError(m.code, message, m.status)
		if m.status == http.StatusServiceUnavailable {
			envelope = envelope.WithRetryAfter(unavailableRetryAfter)
		}
		httpx.WriteError(ctx, w, envelope)
		return
	}
	requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isEmptyBody(err error) bool {
	return errors.Is(err, httpx.ErrEmptyBody)
}
