package matcher

import (
	"context"
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Config holds the confidence awarded per identifier field.
// The values are policy knobs, not invariants.
type Config struct {
	StripeIntentConfidence  int // registration.stripePaymentIntentId (default 100)
	NestedIntentConfidence  int // registration.registrationData.paymentIntentId (default 90)
	SquarePaymentConfidence int // registration.squarePaymentId (default 85)
	ConfirmationConfidence  int // registration.confirmationNumber (default 80)
}

// DefaultConfig returns the standard confidence ladder
func DefaultConfig() Config {
	return Config{
		StripeIntentConfidence:  100,
		NestedIntentConfidence:  90,
		SquarePaymentConfidence: 85,
		ConfirmationConfidence:  80,
	}
}

// Options tweak a single FindMatch call
type Options struct {
	// SearchConfirmationNumber enables matching payment.transactionId
	// against registration.confirmationNumber.
	SearchConfirmationNumber bool
}

// RegistrationFinder looks registrations up by exact identifier.
// Implementations return (nil, nil) when nothing matches.
type RegistrationFinder interface {
	FindRegistrationByField(ctx context.Context, field model.RegistrationField, value string) (*model.Registration, error)
}

// MatchResult contains match information
type MatchResult struct {
	IsMatch         bool                `json:"isMatch"`
	Registration    *model.Registration `json:"registration"`
	MatchMethod     model.MatchMethod   `json:"matchMethod"`
	MatchConfidence int                 `json:"matchConfidence"`
	MatchDetails    []model.MatchDetail `json:"matchDetails"`
}

// NoMatch is the result for a payment with no identifier hit.
func NoMatch() *MatchResult {
	return &MatchResult{
		IsMatch:      false,
		MatchMethod:  model.MethodNone,
		MatchDetails: []model.MatchDetail{},
	}
}

// Record converts a positive result into the fields persisted on a payment.
func (r *MatchResult) Record(matchedBy string, at time.Time) model.MatchRecord {
	rec := model.MatchRecord{
		Confidence: r.MatchConfidence,
		Method:     r.MatchMethod,
		Details:    r.MatchDetails,
		MatchedAt:  at,
		MatchedBy:  matchedBy,
	}
	if r.Registration != nil {
		rec.RegistrationID = r.Registration.ID
	}
	return rec
}
