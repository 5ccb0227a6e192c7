package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrInvalidID covers malformed identifiers in requests.
var ErrInvalidID = errors.New("billing: invalid identifier")

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return id, nil
}

// ensureCustomer returns the user's processor customer ID, creating the
// processor customer and local mapping on first paid interaction.
//
// Safe to call concurrently for the same user: the row is re-read
// immediately before creation, and a duplicate-key insert means another
// request won the race, so we re-read and return the winner's mapping. The
// losing processor-side customer is orphaned, which the processor tolerates;
// the local mapping stays unique.
func (s *Service) ensureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	c, err := s.customers.Get(ctx, userID)
	if err == nil {
		return c.ProviderCustomerID, nil
	}
	if !errors.Is(err, ErrCustomerNotFound) {
		return "", err
	}

	providerID, err := s.processor.CreateCustomer(ctx, userID.String(), email)
	if err != nil {
		return "", err
	}

	err = s.customers.Create(ctx, &Customer{
		UserID:             userID,
		ProviderCustomerID: providerID,
		Email:              email,
		CreatedAt:          s.now(),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			winner, rerr := s.customers.Get(ctx, userID)
			if rerr != nil {
				return "", rerr
			}
			s.log.InfoContext(ctx, "customer creation race lost, reusing existing mapping",
				slog.String("user_id", userID.String()),
				slog.String("provider_customer_id", winner.ProviderCustomerID),
				slog.String("orphaned_provider_customer_id", providerID))
			return winner.ProviderCustomerID, nil
		}
		return "", err
	}
	return providerID, nil
}
