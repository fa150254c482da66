package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/auth"
	"github.com/vitrine/fulfillment/internal/platform/httpx"
	"github.com/vitrine/fulfillment/internal/services"
)

const (
	maxOrderBodySize  = 64 * 1024
	maxActionBodySize = 4 * 1024
	defaultIdemHeader = "Idempotency-Key"
)

// OrderHandlers expose the order lifecycle. Customers create and read their own orders;
// operators drive acceptance, status changes, cancellations and refunds.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	refunds     services.RefundProcessor
	idempotency func(http.Handler) http.Handler
	idemHeader  string
}

// OrderHandlersOption customises order handlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation and refunds with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler, header string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
		if header = strings.TrimSpace(header); header != "" {
			h.idemHeader = header
		}
	}
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, refunds services.RefundProcessor, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:      authn,
		orders:     orders,
		refunds:    refunds,
		idemHeader: defaultIdemHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	customer := r
	admin := r
	if h.authn != nil {
		customer = r.With(h.authn.RequireFirebaseAuth())
		admin = r.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	idempotent := func(next http.HandlerFunc) http.Handler {
		if h.idempotency == nil {
			return next
		}
		return h.idempotency(next)
	}

	customer.Method(http.MethodPost, "/", idempotent(h.createOrder))
	customer.Get("/{orderID}", h.getOrder)
	admin.Get("/{orderID}/transactions", h.listTransactions)
	admin.Post("/{orderID}/accept", h.acceptOrder)
	admin.Put("/{orderID}/status", h.transitionStatus)
	admin.Post("/{orderID}/cancel", h.cancelOrder)
	admin.Method(http.MethodPost, "/{orderID}/refund", idempotent(h.refundOrder))
}

type orderItemRequest struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Packaging string `json:"packaging"`
	Quantity  int64  `json:"quantity"`
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	ShippingAddress addressPayload     `json:"shippingAddress"`
	BillingAddress  *addressPayload    `json:"billingAddress"`
	PaymentMethod   string             `json:"paymentMethod"`
	PaymentToken    string             `json:"paymentToken"`
	CouponCode      string             `json:"couponCode"`
}

type transitionStatusRequest struct {
	Status   string           `json:"status"`
	Tracking *trackingPayload `json:"tracking"`
	Reason   string           `json:"reason"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type refundOrderRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type transactionsResponse struct {
	Items []transactionPayload `json:"items"`
}

type refundResponse struct {
	Order  orderPayload       `json:"order"`
	Refund transactionPayload `json:"refund"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Packaging: item.Packaging,
			Quantity:  item.Quantity,
		})
	}
	cmd := services.CreateOrderCommand{
		CustomerID:      identity.UID,
		CustomerEmail:   identity.Email,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		PaymentToken:    strings.TrimSpace(req.PaymentToken),
		CouponCode:      req.CouponCode,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(h.idemHeader)),
	}
	if req.BillingAddress != nil {
		billing := req.BillingAddress.toDomain()
		cmd.BillingAddress = &billing
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, newOrderPayload(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !identity.IsAdmin() && order.CustomerID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

func (h *OrderHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	txns, err := h.orders.ListTransactions(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := transactionsResponse{Items: make([]transactionPayload, 0, len(txns))}
	for _, txn := range txns {
		resp.Items = append(resp.Items, newTransactionPayload(txn))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) acceptOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.AcceptOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req transitionStatusRequest
	if err := httpx.DecodeJSON(r, maxActionBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	cmd := services.TransitionStatusCommand{
		OrderID: orderID,
		Target:  domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Reason:  req.Reason,
	}
	if req.Tracking != nil {
		cmd.Tracking = &domain.Tracking{Carrier: req.Tracking.Carrier, Number: req.Tracking.Number}
	}
	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, maxActionBodySize, &req); err != nil && !isEmptyBody(err) {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{OrderID: orderID, Reason: req.Reason})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req refundOrderRequest
	if err := httpx.DecodeJSON(r, maxActionBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.refunds.Refund(ctx, services.RefundCommand{
		OrderID:        orderID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(h.idemHeader)),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, refundResponse{
		Order:  newOrderPayload(outcome.Order),
		Refund: newTransactionPayload(outcome.Refund),
	})
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}
