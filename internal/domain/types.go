package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits acceptance or payment confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates stock has been committed and the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the order total was refunded in full. Terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus describes the money side of an order.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

// PaymentMethod identifies how the customer pays for an order.
type PaymentMethod string

const (
	// PaymentMethodCard is charged synchronously through a card gateway.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodBankTransfer is confirmed asynchronously by gateway webhooks.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	// PaymentMethodCashOnDelivery is collected by the carrier and never charged online.
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// Deferred reports whether the method is settled outside any online gateway call at checkout.
func (m PaymentMethod) Deferred() bool {
	return m == PaymentMethodCashOnDelivery
}

// Valid reports whether the payment method is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodBankTransfer, PaymentMethodCashOnDelivery:
		return true
	default:
		return false
	}
}

// Address is a snapshot copied into the order at creation time.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// IsZero reports whether no address fields were supplied.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Recipient) == "" &&
		strings.TrimSpace(a.Line1) == "" &&
		strings.TrimSpace(a.City) == "" &&
		strings.TrimSpace(a.PostalCode) == "" &&
		strings.TrimSpace(a.Country) == ""
}

// LineItem captures one purchased variant with the price observed at order time.
type LineItem struct {
	ProductID string
	VariantID string
	Packaging string
	Name      string
	Quantity  int64
	UnitPrice int64
	Total     int64
}

// StockKey returns the ledger key for the line item's variant.
func (i LineItem) StockKey() StockKey {
	return StockKey{ProductID: i.ProductID, VariantID: i.VariantID}
}

// Tracking holds carrier metadata recorded on shipment.
type Tracking struct {
	Carrier string
	Number  string
}

// Order is the aggregate owned by the order state machine.
type Order struct {
	ID              string
	OrderNumber     string
	CustomerID      string
	CustomerEmail   string
	Items           []LineItem
	ShippingAddress Address
	BillingAddress  Address
	PaymentMethod   PaymentMethod
	CouponCode      string
	Currency        string
	Subtotal        int64
	Discount        int64
	Total           int64
	TotalRefunded   int64
	RefundHold      int64
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	StockCommitted  bool
	CancelReason    string
	Tracking        *Tracking
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AcceptedAt      *time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	RefundedAt      *time.Time
}

// Refundable returns the amount still available for refunds.
func (o Order) Refundable() int64 {
	remaining := o.Total - o.TotalRefunded - o.RefundHold
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StockKey identifies a ledger entry for one product variant.
type StockKey struct {
	ProductID string
	VariantID string
}

// String renders the key as product/variant.
func (k StockKey) String() string {
	return k.ProductID + "/" + k.VariantID
}

// StockEntry is the on-hand quantity for a variant.
type StockEntry struct {
	Key       StockKey
	Quantity  int64
	UpdatedAt time.Time
}

// Product is the read model consumed from the catalog.
type Product struct {
	ID               string
	Name             string
	IsActive         bool
	Variants         []Variant
	PackagingOptions []string
}

// Variant is a purchasable configuration of a product.
type Variant struct {
	ID    string
	Price int64
	Stock int64
}

// FindVariant looks up a variant by id.
func (p Product) FindVariant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// HasPackaging reports whether the packaging option is offered for the product.
func (p Product) HasPackaging(option string) bool {
	for _, candidate := range p.PackagingOptions {
		if strings.EqualFold(candidate, option) {
			return true
		}
	}
	return false
}

// DiscountType distinguishes percentage and fixed coupons.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Coupon is a discount code with a usage cap.
type Coupon struct {
	Code         string
	DiscountType DiscountType
	Value        int64
	MaxUses      int64
	UsedCount    int64
	Active       bool
	StartsAt     *time.Time
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Exhausted reports whether the usage cap has been reached.
func (c Coupon) Exhausted() bool {
	return c.MaxUses > 0 && c.UsedCount >= c.MaxUses
}

// TransactionKind separates payment attempts from refunds.
type TransactionKind string

const (
	TransactionKindPayment TransactionKind = "payment"
	TransactionKindRefund  TransactionKind = "refund"
)

// TransactionStatus enumerates the states of a transaction log entry.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:   {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusFailed:    {TransactionStatusCompleted},
	TransactionStatusCompleted: {TransactionStatusRefunded},
}

// CanMoveTo reports whether a transaction may move from s to next.
func (s TransactionStatus) CanMoveTo(next TransactionStatus) bool {
	for _, candidate := range transactionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// TransactionEvent is an append-only history entry.
type TransactionEvent struct {
	Status TransactionStatus
	Note   string
	At     time.Time
}

// Transaction records one payment attempt or refund. GatewayTransactionID and ReceiptURL hold
// plaintext in memory; repositories encrypt them at rest.
type Transaction struct {
	ID                   string
	OrderID              string
	Kind                 TransactionKind
	ParentID             string
	PaymentMethod        PaymentMethod
	Gateway              string
	Amount               int64
	Currency             string
	Status               TransactionStatus
	GatewayTransactionID string
	ReceiptURL           string
	RefundedAmount       int64
	Metadata             map[string]string
	History              []TransactionEvent
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RetryJobKind names the background work types.
type RetryJobKind string

const (
	RetryJobStockRestore RetryJobKind = "stock_restore"
	RetryJobRefund       RetryJobKind = "refund_retry"
	RetryJobCancelRefund RetryJobKind = "cancel_refund"
)

// RetryJobStatus describes where a job sits in its lifecycle.
type RetryJobStatus string

const (
	RetryJobQueued    RetryJobStatus = "queued"
	RetryJobRunning   RetryJobStatus = "running"
	RetryJobSucceeded RetryJobStatus = "succeeded"
	RetryJobExhausted RetryJobStatus = "exhausted"
)

// RetryJob is a persisted unit of deferred work with bounded attempts.
type RetryJob struct {
	ID          string
	Kind        RetryJobKind
	Payload     map[string]string
	Attempt     int
	MaxAttempts int
	Status      RetryJobStatus
	LastError   string
	NextRunAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentOutcome is the normalised result carried by a gateway event.
type PaymentOutcome string

const (
	PaymentOutcomeSucceeded PaymentOutcome = "succeeded"
	PaymentOutcomePending   PaymentOutcome = "pending"
	PaymentOutcomeFailed    PaymentOutcome = "failed"
	PaymentOutcomeRefunded  PaymentOutcome = "refunded"
	PaymentOutcomeIgnored   PaymentOutcome = "ignored"
)

// GatewayEvent is a verified webhook notification reduced to what reconciliation needs.
type GatewayEvent struct {
	ID                   string
	Gateway              string
	Type                 string
	GatewayTransactionID string
	Outcome              PaymentOutcome
	Amount               int64
	ReceivedAt           time.Time
}

// Health status values reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// HealthCheck is the outcome of probing one dependency.
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
