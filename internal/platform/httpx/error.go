// Package httpx holds the JSON envelope helpers shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vitrine/fulfillment/internal/platform/requestctx"
)

const (
	maxCodeLength      = 80
	maxMessageLength   = 512
	maxRequestIDLength = 80
	maxTraceIDLength   = 64
)

// Error is the JSON failure envelope: {error, message, status, request_id, trace_id} plus any
// details. RetryAfter, when set, is sent as a Retry-After header on 429 and 503 responses.
type Error struct {
	Code       string
	Message    string
	Status     int
	RequestID  string
	TraceID    string
	RetryAfter time.Duration
	Details    map[string]any
}

// NewError builds an envelope; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, maxCodeLength),
		Message: singleLine(message, maxMessageLength),
		Status:  status,
	}
}

// WithDetails attaches extra fields. Keys that collide with envelope fields are dropped on write.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WithRetryAfter tells the client how long to back off.
func (e Error) WithRetryAfter(wait time.Duration) Error {
	e.RetryAfter = wait
	return e
}

// Error implements the error interface so envelopes can travel through error returns.
func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WriteError renders err, filling request and trace ids from ctx when the envelope has none.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if err.RetryAfter > 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err.body(ctx, status))
}

func (e Error) body(ctx context.Context, status int) map[string]any {
	out := make(map[string]any, len(e.Details)+5)
	for k, v := range e.Details {
		out[k] = v
	}
	out["error"] = e.Code
	out["message"] = e.Message
	out["status"] = status

	delete(out, "request_id")
	if id := firstNonEmpty(e.RequestID, singleLine(middleware.GetReqID(ctx), maxRequestIDLength)); id != "" {
		out["request_id"] = id
	}
	delete(out, "trace_id")
	if id := firstNonEmpty(e.TraceID, singleLine(requestctx.TraceID(ctx), maxTraceIDLength)); id != "" {
		out["trace_id"] = id
	}
	return out
}

// singleLine folds line breaks so client supplied text cannot split log lines or headers.
func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(value))
	if limit > 0 && len(value) > limit {
		value = value[:limit]
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
