package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vitrine/fulfillment/internal/domain"
)

// Status is the tri-state charge outcome shared across gateways.
type Status string

const (
	// StatusSucceeded means the gateway captured the funds.
	StatusSucceeded Status = "succeeded"
	// StatusPending means the outcome arrives later through a webhook.
	StatusPending Status = "pending"
	// StatusFailed means the gateway declined the charge. No further action is possible.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrGatewayUnavailable marks transient failures (network, 5xx, rate limits) that may be retried.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayFailure marks failures that retrying will not fix, including exhausted retries.
	ErrGatewayFailure = errors.New("payments: gateway failure")
	// ErrSignatureInvalid is returned by verifiers when a webhook cannot be authenticated.
	ErrSignatureInvalid = errors.New("payments: webhook signature invalid")
	// ErrMalformedEvent is returned when an authenticated webhook body cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
)

// ChargeRequest carries everything a gateway needs to take a payment for one order.
type ChargeRequest struct {
	OrderID        string
	OrderNumber    string
	CustomerID     string
	Amount         int64
	Currency       string
	Method         domain.PaymentMethod
	PaymentToken   string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is the normalised response of a charge attempt.
type ChargeResult struct {
	Status               Status
	GatewayTransactionID string
	ReceiptURL           string
	Raw                  map[string]string
}

// RefundRequest defines a refund against a previously captured payment.
type RefundRequest struct {
	GatewayTransactionID string
	Amount               int64
	Currency             string
	Reason               string
	IdempotencyKey       string
	Metadata             map[string]string
}

// RefundResult reports whether the gateway accepted the refund.
type RefundResult struct {
	Success  bool
	RefundID string
	Raw      map[string]string
}

// Gateway is implemented once per payment processor. Implementations never touch order or
// transaction state; they only report what the processor said.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// EventVerifier authenticates a raw webhook delivery and reduces it to a GatewayEvent.
type EventVerifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (domain.GatewayEvent, error)
}

// Manager resolves gateways by payment method or name and verifiers by gateway name.
type Manager struct {
	gateways  map[string]Gateway
	routes    map[domain.PaymentMethod]string
	verifiers map[string]EventVerifier
	fallback  string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithMethodRoute sends charges for method to the named gateway.
func WithMethodRoute(method domain.PaymentMethod, gateway string) ManagerOption {
	return func(m *Manager) {
		m.routes[method] = normaliseName(gateway)
	}
}

// WithVerifier registers the webhook verifier for a gateway.
func WithVerifier(gateway string, verifier EventVerifier) ManagerOption {
	return func(m *Manager) {
		if verifier != nil {
			m.verifiers[normaliseName(gateway)] = verifier
		}
	}
}

// WithDefaultGateway overrides the gateway used for methods without an explicit route.
func WithDefaultGateway(gateway string) ManagerOption {
	return func(m *Manager) {
		m.fallback = normaliseName(gateway)
	}
}

// NewManager constructs a Manager keyed by each gateway's Name.
func NewManager(gateways []Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	m := &Manager{
		gateways:  make(map[string]Gateway, len(gateways)),
		routes:    make(map[domain.PaymentMethod]string),
		verifiers: make(map[string]EventVerifier),
	}
	for _, gw := range gateways {
		if gw == nil {
			return nil, errors.New("payments: nil gateway registration")
		}
		key := normaliseName(gw.Name())
		if key == "" {
			return nil, errors.New("payments: gateway name is required")
		}
		if _, dup := m.gateways[key]; dup {
			return nil, fmt.Errorf("payments: gateway %q registered twice", key)
		}
		m.gateways[key] = gw
	}
	if _, ok := m.gateways[GatewayStripe]; ok {
		m.fallback = GatewayStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	for method, name := range m.routes {
		if _, ok := m.gateways[name]; !ok {
			return nil, fmt.Errorf("payments: route for %s points at unknown gateway %q", method, name)
		}
	}
	return m, nil
}

// ForMethod returns the gateway that charges the given payment method.
func (m *Manager) ForMethod(method domain.PaymentMethod) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if name, ok := m.routes[method]; ok {
		return m.gateways[name], nil
	}
	if gw, ok := m.gateways[m.fallback]; ok {
		return gw, nil
	}
	if len(m.gateways) == 1 {
		for _, gw := range m.gateways {
			return gw, nil
		}
	}
	return nil, fmt.Errorf("%w: no gateway for method %q", ErrUnsupportedGateway, method)
}

// Gateway returns a gateway by name, as recorded on transactions.
func (m *Manager) Gateway(name string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	gw, ok := m.gateways[normaliseName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGateway, name)
	}
	return gw, nil
}

// Verifier returns the webhook verifier for a gateway.
func (m *Manager) Verifier(name string) (EventVerifier, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	v, ok := m.verifiers[normaliseName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: no webhook verifier for %q", ErrUnsupportedGateway, name)
	}
	return v, nil
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
