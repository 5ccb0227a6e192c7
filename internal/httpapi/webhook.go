package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/paymentops/subsync/internal/billing"
)

// maxWebhookBody caps webhook payloads well above anything the processor
// sends while keeping the unauthenticated endpoint from buffering
// arbitrary input.
const maxWebhookBody = 1 << 20

// webhook accepts the processor's raw body plus signature header. Once the
// signature verifies, the delivery is always acknowledged with 2xx whether
// or not it produced a mutation, so the processor does not retry
// deliveries this system cannot act on.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	signature := r.Header.Get("Paddle-Signature")
	if err := h.svc.HandleWebhook(r.Context(), payload, signature); err != nil {
		if errors.Is(err, billing.ErrUnverified) {
			writeBillingError(w, err)
			return
		}
		// Defensive: HandleWebhook swallows post-verification errors.
		h.log.ErrorContext(r.Context(), "unexpected webhook error", slog.Any("error", err))
	}
	w.WriteHeader(http.StatusOK)
}
