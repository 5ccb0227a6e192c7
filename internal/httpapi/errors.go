package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paymentops/subsync/internal/billing"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, key, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: key, Message: message})
}

// writeBillingError maps the engine's error taxonomy onto HTTP statuses.
// Conflict responses are retryable by the client; the engine never
// auto-retries a user-initiated mutation.
func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, billing.ErrPlanInactive),
		errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrInvalidID):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, billing.ErrSubscriptionExists):
		writeError(w, http.StatusConflict, "subscription_exists", err.Error())
	case errors.Is(err, billing.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "concurrent modification, please retry")
	case errors.Is(err, billing.ErrExternalRejected):
		writeError(w, http.StatusConflict, "processor_rejected",
			"the payment processor rejected the request, please contact support")
	case errors.Is(err, billing.ErrExternalUnavailable):
		writeError(w, http.StatusBadGateway, "processor_unavailable",
			"the payment processor is unavailable, please retry")
	case errors.Is(err, billing.ErrUnverified):
		writeError(w, http.StatusBadRequest, "unverified", "signature verification failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
