package pending

import (
	"context"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Statuses that count as a settled payment, per provider
var (
	SquarePaidStatuses = []string{"paid", "completed", "COMPLETED"}
	StripePaidStatuses = []string{"paid", "succeeded"}
)

// PaymentFinder looks payments up by provider id.
// Implementations return (nil, nil) when nothing matches.
type PaymentFinder interface {
	FindPaymentByProviderID(ctx context.Context, source model.Source, providerID string, statuses []string) (*model.Payment, error)
}

// Attempt is one identifier tried for a registration.
type Attempt struct {
	Source    model.Source
	PaymentID string
	Statuses  []string
}

// Attempts lists the identifiers a registration can be resolved by, in
// lookup order. Only provider payment ids are eligible.
func Attempts(reg *model.Registration) []Attempt {
	var out []Attempt
	if reg.SquarePaymentID != "" {
		out = append(out, Attempt{Source: model.SourceSquare, PaymentID: reg.SquarePaymentID, Statuses: SquarePaidStatuses})
	}
	if reg.StripePaymentIntentID != "" {
		out = append(out, Attempt{Source: model.SourceStripe, PaymentID: reg.StripePaymentIntentID, Statuses: StripePaidStatuses})
	}
	return out
}

// FindPaymentForRegistration returns the settled payment a registration
// references, or nil. The attempted ids are returned either way.
func FindPaymentForRegistration(ctx context.Context, finder PaymentFinder, reg *model.Registration) (*model.Payment, []string, error) {
	var tried []string
	for _, a := range Attempts(reg) {
		tried = append(tried, a.PaymentID)
		payment, err := finder.FindPaymentByProviderID(ctx, a.Source, a.PaymentID, a.Statuses)
		if err != nil {
			return nil, tried, model.NewStoreError("find payment by provider id", err)
		}
		if payment != nil {
			return payment, tried, nil
		}
	}
	return nil, tried, nil
}
