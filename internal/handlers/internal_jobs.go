package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vitrine/fulfillment/internal/platform/httpx"
	"github.com/vitrine/fulfillment/internal/services"
)

// InternalJobHandlers expose job triggers for Cloud Scheduler. They are mounted behind
// OIDC authentication by the router.
type InternalJobHandlers struct {
	retries services.RetryScheduler
}

// NewInternalJobHandlers constructs the internal job endpoints.
func NewInternalJobHandlers(retries services.RetryScheduler) *InternalJobHandlers {
	return &InternalJobHandlers{retries: retries}
}

// Routes registers POST /jobs/retry:run.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/retry:run", h.runRetries)
}

func (h *InternalJobHandlers) runRetries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.retries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("retry_scheduler_unavailable", "retry scheduler unavailable", http.StatusServiceUnavailable))
		return
	}
	summary, err := h.retries.RunDue(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, summary)
}
