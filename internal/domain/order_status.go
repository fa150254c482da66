package domain

import "slices"

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {},
	OrderStatusRefunded:   {},
}

var validPaymentPairs = map[OrderStatus][]PaymentStatus{
	OrderStatusPending:    {PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed},
	OrderStatusProcessing: {PaymentStatusPending, PaymentStatusPaid},
	OrderStatusShipped:    {PaymentStatusPending, PaymentStatusPaid, PaymentStatusPartiallyRefunded},
	OrderStatusDelivered:  {PaymentStatusPending, PaymentStatusPaid, PaymentStatusPartiallyRefunded},
	OrderStatusCancelled:  {PaymentStatusRefunded},
	OrderStatusRefunded:   {PaymentStatusRefunded},
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(orderTransitions[from], to)
}

// AllowedTransitions returns a copy of the targets reachable from s.
func AllowedTransitions(s OrderStatus) []OrderStatus {
	return slices.Clone(orderTransitions[s])
}

// ValidStatusPair reports whether the order and payment statuses may coexist.
func ValidStatusPair(status OrderStatus, payment PaymentStatus) bool {
	return slices.Contains(validPaymentPairs[status], payment)
}

// StockHeld reports whether an order in status s is expected to hold deducted stock.
func StockHeld(s OrderStatus) bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	default:
		return false
	}
}
