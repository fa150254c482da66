package services

import (
	"context"
	"net/http"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order             = domain.Order
	OrderStatus       = domain.OrderStatus
	LineItem          = domain.LineItem
	Address           = domain.Address
	Tracking          = domain.Tracking
	StockKey          = domain.StockKey
	Coupon            = domain.Coupon
	Product           = domain.Product
	Transaction       = domain.Transaction
	TransactionStatus = domain.TransactionStatus
	RetryJob          = domain.RetryJob
	RetryJobKind      = domain.RetryJobKind
	GatewayEvent      = domain.GatewayEvent
)

// Retry job kinds handled by the scheduler.
const (
	RetryJobStockRestore = domain.RetryJobStockRestore
	RetryJobRefund       = domain.RetryJobRefund
	RetryJobCancelRefund = domain.RetryJobCancelRefund
)

// OrderService is the order state machine. ConfirmPayment and RecordPaymentFailure are the
// entry points shared by synchronous charges and webhook reconciliation.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	AcceptOrder(ctx context.Context, orderID string) (Order, error)
	TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListTransactions(ctx context.Context, orderID string) ([]MaskedTransaction, error)
	ConfirmPayment(ctx context.Context, orderID string) (Order, error)
	RecordPaymentFailure(ctx context.Context, orderID string) (Order, error)
}

// StockLedger wraps the stock repository with all-or-nothing composition across line items.
type StockLedger interface {
	ReserveCheck(ctx context.Context, key StockKey, qty int64) error
	Deduct(ctx context.Context, key StockKey, qty int64) error
	Restore(ctx context.Context, key StockKey, qty int64) error
	// DeductAll deducts every line or none. Deductions applied before a failing line are
	// restored; restorations that cannot complete inline are queued and alerted.
	DeductAll(ctx context.Context, orderID string, lines []StockLine) error
	// RestoreAll returns every line to stock, deferring failed lines to the retry queue.
	RestoreAll(ctx context.Context, orderID string, lines []StockLine) error
}

// CouponEngine validates, prices and counts coupon redemptions.
type CouponEngine interface {
	Normalize(code string) string
	Validate(ctx context.Context, code string) (Coupon, error)
	Apply(coupon Coupon, subtotal int64) int64
	Redeem(ctx context.Context, code string) (Coupon, error)
	Release(ctx context.Context, code string) error
}

// TransactionLog is the append-only payment record. Status changes are compare-and-swap on the
// current status and always append a history entry.
type TransactionLog interface {
	Append(ctx context.Context, txn Transaction) (Transaction, error)
	Get(ctx context.Context, txnID string) (Transaction, error)
	FindByGatewayID(ctx context.Context, gatewayTxnID string) (Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
	MarkStatus(ctx context.Context, txnID string, from, to TransactionStatus, note string) (Transaction, error)
	AttachGatewayResult(ctx context.Context, txnID string, expected TransactionStatus, result GatewayResult) (Transaction, error)
	AddRefunded(ctx context.Context, txnID string, amount int64, note string) (Transaction, error)
	Masked(txn Transaction) MaskedTransaction
}

// RefundProcessor drives partial and full refunds through the payment gateway.
type RefundProcessor interface {
	Refund(ctx context.Context, cmd RefundCommand) (RefundOutcome, error)
	// RetryRefund replays a refund_retry or cancel_refund job.
	RetryRefund(ctx context.Context, job RetryJob) error
}

// WebhookReconciler turns gateway webhooks into idempotent order and transaction updates.
type WebhookReconciler interface {
	// Receive authenticates the delivery and queues it durably. It does not process the event.
	Receive(ctx context.Context, gateway string, r *http.Request, body []byte) (GatewayEvent, error)
	// Process applies a queued event. Duplicate and out-of-order deliveries are no-ops.
	Process(ctx context.Context, event GatewayEvent) (ReconcileOutcome, error)
}

// RetryScheduler persists deferred work and runs it with bounded exponential backoff.
type RetryScheduler interface {
	RetryEnqueuer
	Register(kind RetryJobKind, handler RetryHandler)
	RunDue(ctx context.Context) (RetryRunSummary, error)
}

// RetryEnqueuer is the narrow view of the scheduler used by services that defer work.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, kind RetryJobKind, payload map[string]string) (RetryJob, error)
}

// RetryHandler executes one job attempt. Returning an error wrapping ErrRetryAbandon stops
// further attempts.
type RetryHandler func(ctx context.Context, job RetryJob) error

// CatalogReader is the read path into the product catalog.
type CatalogReader interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
}

// PaymentGateways resolves gateways for charges and refunds. *payments.Manager satisfies it.
type PaymentGateways interface {
	ForMethod(method domain.PaymentMethod) (payments.Gateway, error)
	Gateway(name string) (payments.Gateway, error)
}

// WebhookVerifiers resolves the verifier for a gateway. *payments.Manager satisfies it.
type WebhookVerifiers interface {
	Verifier(gateway string) (payments.EventVerifier, error)
}

// Notifier delivers customer notifications. Failures are logged and never roll back state.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// OperatorAlerter escalates conditions that need manual intervention.
type OperatorAlerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// EventQueue durably accepts verified webhook events for asynchronous processing.
type EventQueue interface {
	Enqueue(ctx context.Context, event GatewayEvent) error
}

// PayloadArchive keeps raw webhook bodies for audit. It returns the object location.
type PayloadArchive interface {
	Archive(ctx context.Context, gateway, eventID string, body []byte, receivedAt time.Time) (string, error)
}

// Metrics records business counters. *observability.Metrics satisfies it.
type Metrics interface {
	OrderOperation(operation, outcome string)
	WebhookEvent(gateway, outcome string)
	StockCompensation(outcome string)
	RetryJob(kind, outcome string)
}

// Notification event names.
const (
	NotificationOrderConfirmation = "order.confirmation"
	NotificationOrderDelivered    = "order.delivered"
	NotificationOrderCancelled    = "order.cancelled"
	NotificationOrderRefunded     = "order.refunded"
)

// Notification is the payload handed to the notification transport.
type Notification struct {
	Recipient   string         `json:"recipient"`
	CustomerID  string         `json:"customerId"`
	Event       string         `json:"event"`
	OrderID     string         `json:"orderId"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// Alert kinds raised to operators.
const (
	AlertStockCompensation   = "stock_compensation_failed"
	AlertPaidOutOfStock      = "paid_order_out_of_stock"
	AlertPaymentAfterCancel  = "payment_after_cancel"
	AlertExternalRefund      = "external_refund"
	AlertRefundLedger        = "refund_ledger_update_failed"
	AlertRetryExhausted      = "retry_job_exhausted"
	AlertRetryEnqueueFailure = "retry_enqueue_failed"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert describes a condition that needs an operator.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity string            `json:"severity"`
	OrderID  string            `json:"orderId,omitempty"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	RaisedAt time.Time         `json:"raisedAt"`
}

// Command and DTO definitions ------------------------------------------------

// OrderItemInput is one requested line of a new order.
type OrderItemInput struct {
	ProductID string
	VariantID string
	Packaging string
	Quantity  int64
}

// CreateOrderCommand carries a checkout request.
type CreateOrderCommand struct {
	CustomerID      string
	CustomerEmail   string
	Items           []OrderItemInput
	ShippingAddress Address
	BillingAddress  *Address
	PaymentMethod   domain.PaymentMethod
	PaymentToken    string
	CouponCode      string
	IdempotencyKey  string
}

// TransitionStatusCommand requests a status change. Reason is used when the target is cancelled.
type TransitionStatusCommand struct {
	OrderID  string
	Target   OrderStatus
	Tracking *Tracking
	Reason   string
}

// CancelOrderCommand requests a cancellation.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
}

// RefundCommand requests a refund of Amount minor units.
type RefundCommand struct {
	OrderID        string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// RefundOutcome is returned by a successful refund.
type RefundOutcome struct {
	Order  Order
	Refund MaskedTransaction
}

// StockLine is one ledger movement.
type StockLine struct {
	Key      StockKey
	Quantity int64
}

// GatewayResult is what a charge attached to a transaction.
type GatewayResult struct {
	GatewayTransactionID string
	ReceiptURL           string
	Metadata             map[string]string
	Note                 string
}

// MaskedTransaction is the caller-facing view of a transaction. Sensitive gateway references
// only ever leave the service in this form.
type MaskedTransaction struct {
	ID                   string
	OrderID              string
	Kind                 domain.TransactionKind
	ParentID             string
	PaymentMethod        domain.PaymentMethod
	Gateway              string
	Amount               int64
	Currency             string
	Status               TransactionStatus
	GatewayTransactionID string
	ReceiptURL           string
	RefundedAmount       int64
	History              []domain.TransactionEvent
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ReconcileOutcome summarises what Process did with an event.
type ReconcileOutcome string

const (
	ReconcileApplied   ReconcileOutcome = "applied"
	ReconcileDuplicate ReconcileOutcome = "duplicate"
	ReconcileDiscarded ReconcileOutcome = "discarded"
	ReconcileIgnored   ReconcileOutcome = "ignored"
)

// RetryRunSummary counts what one RunDue pass did.
type RetryRunSummary struct {
	Processed   int `json:"processed"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
	Skipped     int `json:"skipped"`
}
