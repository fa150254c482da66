package handlers

import (
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/services"
)

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a addressPayload) toDomain() domain.Address {
	return domain.Address{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func newAddressPayload(a domain.Address) *addressPayload {
	if a.IsZero() {
		return nil
	}
	return &addressPayload{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

type lineItemPayload struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Packaging string `json:"packaging,omitempty"`
	Name      string `json:"name,omitempty"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

type trackingPayload struct {
	Carrier string `json:"carrier"`
	Number  string `json:"number"`
}

type orderPayload struct {
	ID              string            `json:"id"`
	OrderNumber     string            `json:"orderNumber"`
	CustomerID      string            `json:"customerId"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"paymentStatus"`
	PaymentMethod   string            `json:"paymentMethod"`
	Items           []lineItemPayload `json:"items"`
	ShippingAddress *addressPayload   `json:"shippingAddress,omitempty"`
	BillingAddress  *addressPayload   `json:"billingAddress,omitempty"`
	CouponCode      string            `json:"couponCode,omitempty"`
	Currency        string            `json:"currency"`
	Subtotal        int64             `json:"subtotal"`
	Discount        int64             `json:"discount"`
	Total           int64             `json:"total"`
	TotalRefunded   int64             `json:"totalRefunded"`
	CancelReason    string            `json:"cancelReason,omitempty"`
	Tracking        *trackingPayload  `json:"tracking,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       string            `json:"createdAt"`
	UpdatedAt       string            `json:"updatedAt"`
	AcceptedAt      string            `json:"acceptedAt,omitempty"`
	PaidAt          string            `json:"paidAt,omitempty"`
	ShippedAt       string            `json:"shippedAt,omitempty"`
	DeliveredAt     string            `json:"deliveredAt,omitempty"`
	CancelledAt     string            `json:"cancelledAt,omitempty"`
	RefundedAt      string            `json:"refundedAt,omitempty"`
}

func newOrderPayload(order services.Order) orderPayload {
	items := make([]lineItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Packaging: item.Packaging,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentMethod:   string(order.PaymentMethod),
		Items:           items,
		ShippingAddress: newAddressPayload(order.ShippingAddress),
		BillingAddress:  newAddressPayload(order.BillingAddress),
		CouponCode:      order.CouponCode,
		Currency:        order.Currency,
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		TotalRefunded:   order.TotalRefunded,
		CancelReason:    order.CancelReason,
		Version:         order.Version,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		AcceptedAt:      formatTimePtr(order.AcceptedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
		RefundedAt:      formatTimePtr(order.RefundedAt),
	}
	if order.Tracking != nil {
		payload.Tracking = &trackingPayload{Carrier: order.Tracking.Carrier, Number: order.Tracking.Number}
	}
	return payload
}

type transactionEventPayload struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
	At     string `json:"at"`
}

type transactionPayload struct {
	ID                   string                    `json:"id"`
	OrderID              string                    `json:"orderId"`
	Kind                 string                    `json:"kind"`
	ParentID             string                    `json:"parentId,omitempty"`
	PaymentMethod        string                    `json:"paymentMethod,omitempty"`
	Gateway              string                    `json:"gateway,omitempty"`
	Amount               int64                     `json:"amount"`
	Currency             string                    `json:"currency"`
	Status               string                    `json:"status"`
	GatewayTransactionID string                    `json:"gatewayTransactionId,omitempty"`
	ReceiptURL           string                    `json:"receiptUrl,omitempty"`
	RefundedAmount       int64                     `json:"refundedAmount"`
	History              []transactionEventPayload `json:"history"`
	CreatedAt            string                    `json:"createdAt"`
	UpdatedAt            string                    `json:"updatedAt"`
}

// newTransactionPayload renders an already masked transaction.
func newTransactionPayload(txn services.MaskedTransaction) transactionPayload {
	history := make([]transactionEventPayload, 0, len(txn.History))
	for _, event := range txn.History {
		history = append(history, transactionEventPayload{
			Status: string(event.Status),
			Note:   event.Note,
			At:     formatTime(event.At),
		})
	}
	return transactionPayload{
		ID:                   txn.ID,
		OrderID:              txn.OrderID,
		Kind:                 string(txn.Kind),
		ParentID:             txn.ParentID,
		PaymentMethod:        string(txn.PaymentMethod),
		Gateway:              txn.Gateway,
		Amount:               txn.Amount,
		Currency:             txn.Currency,
		Status:               string(txn.Status),
		GatewayTransactionID: txn.GatewayTransactionID,
		ReceiptURL:           txn.ReceiptURL,
		RefundedAmount:       txn.RefundedAmount,
		History:              history,
		CreatedAt:            formatTime(txn.CreatedAt),
		UpdatedAt:            formatTime(txn.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
