// Package matcher decides which registration a payment belongs to.
//
// The matcher is identifier-only: a payment matches a registration when
// one of its provider ids equals one of the registration's payment
// references. Amount, email and customer name are never consulted.
//
// Lookup order (first hit wins):
//  1. registration.stripePaymentIntentId == payment.paymentId
//  2. registration.registrationData.paymentIntentId == payment.paymentId
//  3. registration.squarePaymentId == payment.paymentId
//  4. registration.confirmationNumber == payment.transactionId (opt-in)
//
// Example usage:
//
//	m := matcher.NewMatcher(matcher.DefaultConfig(), store)
//	result, err := m.FindMatch(ctx, payment, matcher.Options{})
//	if result.IsMatch {
//		registration := result.Registration
//	}
package matcher

import (
	"context"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Matcher matches payments with registrations
type Matcher struct {
	config Config
	finder RegistrationFinder
}

// NewMatcher creates a new matcher with the given config
func NewMatcher(config Config, finder RegistrationFinder) *Matcher {
	return &Matcher{
		config: config,
		finder: finder,
	}
}

// Config returns the matcher's confidence settings.
func (m *Matcher) Config() Config {
	return m.config
}

type rule struct {
	field        model.RegistrationField
	paymentField string
	method       model.MatchMethod
	confidence   int
}

func (m *Matcher) rules(opts Options) []rule {
	rules := []rule{
		{model.FieldStripePaymentIntentID, "paymentId", model.MethodPaymentID, m.config.StripeIntentConfidence},
		{model.FieldNestedPaymentIntentID, "paymentId", model.MethodPaymentID, m.config.NestedIntentConfidence},
		{model.FieldSquarePaymentID, "paymentId", model.MethodPaymentID, m.config.SquarePaymentConfidence},
	}
	if opts.SearchConfirmationNumber {
		rules = append(rules, rule{model.FieldConfirmationNumber, "transactionId", model.MethodTransactionID, m.config.ConfirmationConfidence})
	}
	return rules
}

// FindMatch finds the registration a payment belongs to.
// "No match" is a normal result (IsMatch=false), never an error.
// Errors are returned only for a nil payment or a failing lookup.
func (m *Matcher) FindMatch(ctx context.Context, payment *model.Payment, opts Options) (*MatchResult, error) {
	if payment == nil {
		return nil, model.NewValidationError("payment", "payment is required")
	}

	// Nothing to look up
	if !payment.HasIdentifier() {
		return NoMatch(), nil
	}

	for _, r := range m.rules(opts) {
		value := payment.PaymentID
		if r.paymentField == "transactionId" {
			value = payment.TransactionID
		}
		if value == "" {
			continue
		}

		registration, err := m.finder.FindRegistrationByField(ctx, r.field, value)
		if err != nil {
			return nil, model.NewStoreError("find registration by "+string(r.field), err)
		}
		if registration == nil {
			continue
		}

		return &MatchResult{
			IsMatch:         true,
			Registration:    registration,
			MatchMethod:     r.method,
			MatchConfidence: r.confidence,
			MatchDetails: []model.MatchDetail{{
				FieldName:         r.paymentField,
				PaymentValue:      value,
				RegistrationValue: registration.Value(r.field),
				PaymentPath:       r.paymentField,
				RegistrationPath:  string(r.field),
				Points:            r.confidence,
				IsMatch:           true,
			}},
		}, nil
	}

	return NoMatch(), nil
}

// Verify reports whether an existing association still satisfies the
// identifier-only policy: some id on the payment must appear among the
// registration's payment references. The returned detail names the pair.
func Verify(payment *model.Payment, registration *model.Registration) (model.MatchDetail, bool) {
	if payment == nil || registration == nil {
		return model.MatchDetail{}, false
	}
	for _, id := range payment.Identifiers() {
		if path, ok := registration.ReferencePath(id.Value); ok {
			return model.MatchDetail{
				FieldName:         id.Path,
				PaymentValue:      id.Value,
				RegistrationValue: id.Value,
				PaymentPath:       id.Path,
				RegistrationPath:  path,
				IsMatch:           true,
			}, true
		}
	}
	if payment.TransactionID != "" && payment.TransactionID == registration.ConfirmationNumber {
		return model.MatchDetail{
			FieldName:         "transactionId",
			PaymentValue:      payment.TransactionID,
			RegistrationValue: registration.ConfirmationNumber,
			PaymentPath:       "transactionId",
			RegistrationPath:  string(model.FieldConfirmationNumber),
			IsMatch:           true,
		}, true
	}
	return model.MatchDetail{}, false
}
