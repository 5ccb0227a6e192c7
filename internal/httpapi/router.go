// Package httpapi exposes the billing engine over HTTP. User-facing
// operations run on the authenticated router with request-scoped deadlines;
// the webhook endpoint is a distinct, unauthenticated, signature-verified
// channel.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/paymentops/subsync/internal/billing"
)

// requestTimeout bounds user-facing calls, including the processor calls
// they make. Webhook handling has no external calls and needs no deadline
// beyond the server's.
const requestTimeout = 30 * time.Second

// NewRouter builds the service router.
func NewRouter(svc *billing.Service, log *slog.Logger) http.Handler {
	h := &handlers{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/billing", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/plans", h.listPlans)
		r.Get("/subscription", h.getSubscription)
		r.Post("/subscription", h.changePlan)
		r.Post("/subscription/cancel", h.cancel)
	})

	r.Post("/webhooks/billing", h.webhook)

	return r
}
