package handlers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/platform/httpx"
	"github.com/vitrine/fulfillment/internal/platform/requestctx"
	"github.com/vitrine/fulfillment/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers accept payment gateway deliveries. Authenticity is checked by the
// reconciler before the event is queued; processing happens asynchronously.
type WebhookHandlers struct {
	reconciler services.WebhookReconciler
	limiter    deliveryLimiter
}

// WebhookHandlersOption customises webhook handlers.
type WebhookHandlersOption func(*WebhookHandlers)

// WithWebhookRateLimit caps deliveries per gateway and client address within window.
func WithWebhookRateLimit(limit int, window time.Duration, clock func() time.Time) WebhookHandlersOption {
	return func(h *WebhookHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// NewWebhookHandlers constructs the gateway webhook endpoints.
func NewWebhookHandlers(reconciler services.WebhookReconciler, opts ...WebhookHandlersOption) *WebhookHandlers {
	h := &WebhookHandlers{reconciler: reconciler}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /{gateway}.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{gateway}", h.receive)
}

type webhookAck struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
}

func (h *WebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}
	gateway := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "gateway")))

	if h.limiter != nil {
		if ok, wait := h.limiter.Allow(gateway + "|" + clientAddress(r)); !ok {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests).WithRetryAfter(wait))
			return
		}
	}

	body, err := httpx.ReadBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}

	event, err := h.reconciler.Receive(ctx, gateway, r, body)
	if err != nil {
		requestctx.Logger(ctx).Warn("webhook rejected",
			zap.String("gateway", gateway),
			zap.Error(err),
		)
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, EventID: event.ID})
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
