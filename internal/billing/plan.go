package billing

import (
	"context"
	"sort"
	"time"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount"`   // amount in smallest currency unit (cents for USD)
	Currency string `json:"currency"` // ISO 4217 currency code
}

// Plan describes a subscription plan. Plans are reference data: the engine
// only ever reads them. The ID field is the payment processor's price ID
// (e.g. pri_starter_monthly) so checkout and webhook processing can map
// processor prices back to plans without a separate lookup table.
type Plan struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Trial               bool   `json:"trial"` // trial plans consume no processor call until converted
	Price               Money  `json:"price"`
	BillingPeriodMonths int    `json:"billing_period_months"`
	TrialDays           int    `json:"trial_days,omitempty"` // meaningful only when Trial is set
	Active              bool   `json:"active"`
}

// TrialEndsAt calculates when the trial period ends.
// Returns startedAt unchanged if the plan has no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// Catalog provides read-only access to the plan reference data.
type Catalog interface {
	// ListActive returns all active plans ordered by price ascending.
	ListActive(ctx context.Context) ([]Plan, error)

	// Get returns a plan by ID. Returns ErrPlanNotFound if no such plan
	// exists; inactive plans are returned and rejected by the caller.
	Get(ctx context.Context, id string) (Plan, error)
}

type inMemCatalog struct {
	plans map[string]Plan
}

// NewInMemCatalog returns a Catalog backed by a static plan set.
// Panics if no plans are provided to fail fast on misconfiguration.
func NewInMemCatalog(plans ...Plan) Catalog {
	if len(plans) == 0 {
		panic("billing: at least one plan is required")
	}
	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		m[p.ID] = p
	}
	return &inMemCatalog{plans: m}
}

func (c *inMemCatalog) ListActive(ctx context.Context) ([]Plan, error) {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.Amount < out[j].Price.Amount })
	return out, nil
}

func (c *inMemCatalog) Get(ctx context.Context, id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}
