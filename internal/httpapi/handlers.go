package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/paymentops/subsync/internal/billing"
)

type handlers struct {
	svc *billing.Service
	log *slog.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type planResponse struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Trial               bool   `json:"trial"`
	PriceAmount         int64  `json:"price_amount"`
	PriceCurrency       string `json:"price_currency"`
	BillingPeriodMonths int    `json:"billing_period_months"`
	TrialDays           int    `json:"trial_days,omitempty"`
}

func (h *handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.ListPlans(r.Context())
	if err != nil {
		writeBillingError(w, err)
		return
	}
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			ID:                  p.ID,
			Name:                p.Name,
			Description:         p.Description,
			Trial:               p.Trial,
			PriceAmount:         p.Price.Amount,
			PriceCurrency:       p.Price.Currency,
			BillingPeriodMonths: p.BillingPeriodMonths,
			TrialDays:           p.TrialDays,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (h *handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.GetSubscription(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

type changePlanRequest struct {
	PlanID     string `json:"plan_id"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type changePlanResponse struct {
	RedirectURL  string                `json:"redirect_url,omitempty"`
	Subscription *billing.Subscription `json:"subscription,omitempty"`
	Message      string                `json:"message"`
}

func (h *handlers) changePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "plan_id is required")
		return
	}

	result, err := h.svc.ChangePlan(r.Context(), UserIDFromContext(r.Context()), req.PlanID, billing.ChangePlanOptions{
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changePlanResponse{
		RedirectURL:  result.RedirectURL,
		Subscription: result.Subscription,
		Message:      result.Message,
	})
}

type cancelRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Immediate      bool   `json:"immediate"`
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubscriptionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "subscription_id is required")
		return
	}

	sub, err := h.svc.Cancel(r.Context(), UserIDFromContext(r.Context()), req.SubscriptionID, req.Immediate)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	// The processor-side outcome may still be pending reconciliation; the
	// local record now reflects the user's intent, which is the contract.
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription": sub,
		"message":      "Your cancellation request has been recorded.",
	})
}
