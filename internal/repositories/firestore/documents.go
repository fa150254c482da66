package firestore

import (
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
)

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func newAddressDocument(a domain.Address) addressDocument {
	return addressDocument(a)
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address(d)
}

type lineItemDocument struct {
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId"`
	Packaging string `firestore:"packaging,omitempty"`
	Name      string `firestore:"name,omitempty"`
	Quantity  int64  `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

type trackingDocument struct {
	Carrier string `firestore:"carrier"`
	Number  string `firestore:"number"`
}

type orderDocument struct {
	OrderNumber     string             `firestore:"orderNumber"`
	CustomerID      string             `firestore:"customerId"`
	CustomerEmail   string             `firestore:"customerEmail,omitempty"`
	Items           []lineItemDocument `firestore:"items"`
	ShippingAddress addressDocument    `firestore:"shippingAddress"`
	BillingAddress  addressDocument    `firestore:"billingAddress"`
	PaymentMethod   string             `firestore:"paymentMethod"`
	CouponCode      string             `firestore:"couponCode,omitempty"`
	Currency        string             `firestore:"currency"`
	Subtotal        int64              `firestore:"subtotal"`
	Discount        int64              `firestore:"discount"`
	Total           int64              `firestore:"total"`
	TotalRefunded   int64              `firestore:"totalRefunded"`
	RefundHold      int64              `firestore:"refundHold"`
	Status          string             `firestore:"status"`
	PaymentStatus   string             `firestore:"paymentStatus"`
	StockCommitted  bool               `firestore:"stockCommitted"`
	CancelReason    string             `firestore:"cancelReason,omitempty"`
	Tracking        *trackingDocument  `firestore:"tracking,omitempty"`
	Version         int64              `firestore:"version"`
	CreatedAt       time.Time          `firestore:"createdAt"`
	UpdatedAt       time.Time          `firestore:"updatedAt"`
	AcceptedAt      *time.Time         `firestore:"acceptedAt,omitempty"`
	PaidAt          *time.Time         `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time         `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time         `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time         `firestore:"cancelledAt,omitempty"`
	RefundedAt      *time.Time         `firestore:"refundedAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		CustomerEmail:   order.CustomerEmail,
		Items:           make([]lineItemDocument, 0, len(order.Items)),
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		BillingAddress:  newAddressDocument(order.BillingAddress),
		PaymentMethod:   string(order.PaymentMethod),
		CouponCode:      order.CouponCode,
		Currency:        order.Currency,
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		TotalRefunded:   order.TotalRefunded,
		RefundHold:      order.RefundHold,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		StockCommitted:  order.StockCommitted,
		CancelReason:    order.CancelReason,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		AcceptedAt:      order.AcceptedAt,
		PaidAt:          order.PaidAt,
		ShippedAt:       order.ShippedAt,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
		RefundedAt:      order.RefundedAt,
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, lineItemDocument(item))
	}
	if order.Tracking != nil {
		doc.Tracking = &trackingDocument{Carrier: order.Tracking.Carrier, Number: order.Tracking.Number}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		CustomerID:      d.CustomerID,
		CustomerEmail:   d.CustomerEmail,
		Items:           make([]domain.LineItem, 0, len(d.Items)),
		ShippingAddress: d.ShippingAddress.toDomain(),
		BillingAddress:  d.BillingAddress.toDomain(),
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		CouponCode:      d.CouponCode,
		Currency:        d.Currency,
		Subtotal:        d.Subtotal,
		Discount:        d.Discount,
		Total:           d.Total,
		TotalRefunded:   d.TotalRefunded,
		RefundHold:      d.RefundHold,
		Status:          domain.OrderStatus(d.Status),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		StockCommitted:  d.StockCommitted,
		CancelReason:    d.CancelReason,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		AcceptedAt:      d.AcceptedAt,
		PaidAt:          d.PaidAt,
		ShippedAt:       d.ShippedAt,
		DeliveredAt:     d.DeliveredAt,
		CancelledAt:     d.CancelledAt,
		RefundedAt:      d.RefundedAt,
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.LineItem(item))
	}
	if d.Tracking != nil {
		order.Tracking = &domain.Tracking{Carrier: d.Tracking.Carrier, Number: d.Tracking.Number}
	}
	return order
}

type stockDocument struct {
	ProductID string    `firestore:"productId"`
	VariantID string    `firestore:"variantId"`
	Quantity  int64     `firestore:"quantity"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d stockDocument) toDomain() domain.StockEntry {
	return domain.StockEntry{
		Key:       domain.StockKey{ProductID: d.ProductID, VariantID: d.VariantID},
		Quantity:  d.Quantity,
		UpdatedAt: d.UpdatedAt,
	}
}

type couponDocument struct {
	DiscountType string     `firestore:"discountType"`
	Value        int64      `firestore:"value"`
	MaxUses      int64      `firestore:"maxUses"`
	UsedCount    int64      `firestore:"usedCount"`
	Active       bool       `firestore:"active"`
	StartsAt     *time.Time `firestore:"startsAt,omitempty"`
	ExpiresAt    *time.Time `firestore:"expiresAt,omitempty"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(code string) domain.Coupon {
	return domain.Coupon{
		Code:         code,
		DiscountType: domain.DiscountType(d.DiscountType),
		Value:        d.Value,
		MaxUses:      d.MaxUses,
		UsedCount:    d.UsedCount,
		Active:       d.Active,
		StartsAt:     d.StartsAt,
		ExpiresAt:    d.ExpiresAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type variantDocument struct {
	ID    string `firestore:"id"`
	Price int64  `firestore:"price"`
	Stock int64  `firestore:"stock"`
}

type productDocument struct {
	Name             string            `firestore:"name"`
	IsActive         bool              `firestore:"isActive"`
	Variants         []variantDocument `firestore:"variants"`
	PackagingOptions []string          `firestore:"packagingOptions"`
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:               id,
		Name:             d.Name,
		IsActive:         d.IsActive,
		PackagingOptions: append([]string(nil), d.PackagingOptions...),
	}
	for _, v := range d.Variants {
		product.Variants = append(product.Variants, domain.Variant(v))
	}
	return product
}

type transactionEventDocument struct {
	Status string    `firestore:"status"`
	Note   string    `firestore:"note,omitempty"`
	At     time.Time `firestore:"at"`
}

// transactionDocument stores gateway references sealed; GatewayRef is the blind index used for
// lookups and the uniqueness guard.
type transactionDocument struct {
	OrderID              string                     `firestore:"orderId"`
	Kind                 string                     `firestore:"kind"`
	ParentID             string                     `firestore:"parentId,omitempty"`
	PaymentMethod        string                     `firestore:"paymentMethod"`
	Gateway              string                     `firestore:"gateway"`
	Amount               int64                      `firestore:"amount"`
	Currency             string                     `firestore:"currency"`
	Status               string                     `firestore:"status"`
	GatewayTransactionID string                     `firestore:"gatewayTransactionId,omitempty"`
	GatewayRef           string                     `firestore:"gatewayRef,omitempty"`
	ReceiptURL           string                     `firestore:"receiptUrl,omitempty"`
	RefundedAmount       int64                      `firestore:"refundedAmount"`
	Metadata             map[string]string          `firestore:"metadata,omitempty"`
	History              []transactionEventDocument `firestore:"history"`
	CreatedAt            time.Time                  `firestore:"createdAt"`
	UpdatedAt            time.Time                  `firestore:"updatedAt"`
}

type retryJobDocument struct {
	Kind        string            `firestore:"kind"`
	Payload     map[string]string `firestore:"payload"`
	Attempt     int               `firestore:"attempt"`
	MaxAttempts int               `firestore:"maxAttempts"`
	Status      string            `firestore:"status"`
	LastError   string            `firestore:"lastError,omitempty"`
	NextRunAt   time.Time         `firestore:"nextRunAt"`
	CreatedAt   time.Time         `firestore:"createdAt"`
	UpdatedAt   time.Time         `firestore:"updatedAt"`
}

func newRetryJobDocument(job domain.RetryJob) retryJobDocument {
	return retryJobDocument{
		Kind:        string(job.Kind),
		Payload:     job.Payload,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Status:      string(job.Status),
		LastError:   job.LastError,
		NextRunAt:   job.NextRunAt.UTC(),
		CreatedAt:   job.CreatedAt.UTC(),
		UpdatedAt:   job.UpdatedAt.UTC(),
	}
}

func (d retryJobDocument) toDomain(id string) domain.RetryJob {
	return domain.RetryJob{
		ID:          id,
		Kind:        domain.RetryJobKind(d.Kind),
		Payload:     d.Payload,
		Attempt:     d.Attempt,
		MaxAttempts: d.MaxAttempts,
		Status:      domain.RetryJobStatus(d.Status),
		LastError:   d.LastError,
		NextRunAt:   d.NextRunAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
