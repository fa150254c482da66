package repositories

import (
	"errors"
	"fmt"
)

// StockErrorCode enumerates ledger failure causes.
type StockErrorCode string

const (
	StockErrorUnknown      StockErrorCode = "stock_unknown"
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	StockErrorNotFound     StockErrorCode = "stock_not_found"
	StockErrorInvalidInput StockErrorCode = "stock_invalid_input"
)

// StockError wraps stock ledger failures with machine readable codes.
type StockError struct {
	Op      string
	Code    StockErrorCode
	Message string
	Err     error
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsStockError reports whether err carries the given stock code.
func IsStockError(err error, code StockErrorCode) bool {
	var stockErr *StockError
	return errors.As(err, &stockErr) && stockErr.Code == code
}

// CouponErrorCode enumerates coupon counter failures.
type CouponErrorCode string

const (
	CouponErrorNotFound  CouponErrorCode = "coupon_not_found"
	CouponErrorInactive  CouponErrorCode = "coupon_inactive"
	CouponErrorExhausted CouponErrorCode = "coupon_exhausted"
)

// CouponError reports why a redemption could not be recorded.
type CouponError struct {
	Code    CouponErrorCode
	Message string
}

// NewCouponError constructs a typed coupon error.
func NewCouponError(code CouponErrorCode, message string) *CouponError {
	if message == "" {
		message = string(code)
	}
	return &CouponError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// IsCouponError reports whether err carries the given coupon code.
func IsCouponError(err error, code CouponErrorCode) bool {
	var couponErr *CouponError
	return errors.As(err, &couponErr) && couponErr.Code == code
}

// StoreError is a generic RepositoryError used by backends without a richer error type.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound implements RepositoryError.
func (e *StoreError) IsNotFound() bool { return e != nil && e.NotFound }

// IsConflict implements RepositoryError.
func (e *StoreError) IsConflict() bool { return e != nil && e.Conflict }

// IsUnavailable implements RepositoryError.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NotFound builds a not-found StoreError.
func NotFound(op string, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), NotFound: true}
}

// Conflict builds a conflict StoreError.
func Conflict(op string, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), Conflict: true}
}

// Unavailable wraps err as a transient StoreError.
func Unavailable(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

var (
	_ RepositoryError = (*StoreError)(nil)
)
