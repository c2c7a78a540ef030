package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RegistrationType is the kind of event registration.
type RegistrationType string

const (
	RegistrationIndividual RegistrationType = "individual"
	RegistrationLodge      RegistrationType = "lodge"
	RegistrationDelegation RegistrationType = "delegation"
)

// Contact is a billing or booking contact.
type Contact struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// RegistrationData is the nested payload of a registration.
type RegistrationData struct {
	PaymentIntentID string  `json:"paymentIntentId,omitempty"`
	BookingContact  Contact `json:"bookingContact"`
	AttendeeCount   int     `json:"attendeeCount"`
	TicketCount     int     `json:"ticketCount"`
}

// Registration is one event registration.
type Registration struct {
	ID                    string           `json:"id"`
	RegistrationID        string           `json:"registrationId,omitempty"`
	ConfirmationNumber    string           `json:"confirmationNumber,omitempty"`
	StripePaymentIntentID string           `json:"stripePaymentIntentId,omitempty"`
	SquarePaymentID       string           `json:"squarePaymentId,omitempty"`
	RegistrationType      RegistrationType `json:"registrationType,omitempty"`
	PaymentStatus         string           `json:"paymentStatus,omitempty"`
	TotalAmount           decimal.Decimal  `json:"totalAmount"`
	CustomerEmail         string           `json:"customerEmail,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	RegistrationData      RegistrationData `json:"registrationData"`

	// Payment references found under legacy nested paths
	// (registrationData.square_payment_id, paymentInfo.*, paymentData.*).
	ExtraPaymentRefs map[string]string `json:"extraPaymentRefs,omitempty"`

	LinkedPaymentID        string     `json:"linkedPaymentId,omitempty"`
	TransactionID          string     `json:"transactionId,omitempty"`
	PaymentVerified        bool       `json:"paymentVerified,omitempty"`
	PreviouslyPendingSince *time.Time `json:"previouslyPendingSince,omitempty"`
	ResolvedAfterChecks    int        `json:"resolvedAfterChecks,omitempty"`
}

// PaymentReferences returns every provider payment reference the
// registration carries, keyed by path.
func (r *Registration) PaymentReferences() []FieldValue {
	var out []FieldValue
	if r.StripePaymentIntentID != "" {
		out = append(out, FieldValue{Path: "stripePaymentIntentId", Value: r.StripePaymentIntentID})
	}
	if r.RegistrationData.PaymentIntentID != "" {
		out = append(out, FieldValue{Path: "registrationData.paymentIntentId", Value: r.RegistrationData.PaymentIntentID})
	}
	if r.SquarePaymentID != "" {
		out = append(out, FieldValue{Path: "squarePaymentId", Value: r.SquarePaymentID})
	}
	for _, path := range sortedKeys(r.ExtraPaymentRefs) {
		out = append(out, FieldValue{Path: path, Value: r.ExtraPaymentRefs[path]})
	}
	return out
}

// ReferencePath returns the path of the first payment reference equal to id.
func (r *Registration) ReferencePath(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	for _, ref := range r.PaymentReferences() {
		if ref.Value == id {
			return ref.Path, true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegistrationField names a registration identifier that payments can be
// matched against.
type RegistrationField string

const (
	FieldStripePaymentIntentID RegistrationField = "stripePaymentIntentId"
	FieldNestedPaymentIntentID RegistrationField = "registrationData.paymentIntentId"
	FieldSquarePaymentID       RegistrationField = "squarePaymentId"
	FieldConfirmationNumber    RegistrationField = "confirmationNumber"
)

// Value returns the registration's value for field.
func (r *Registration) Value(field RegistrationField) string {
	switch field {
	case FieldStripePaymentIntentID:
		return r.StripePaymentIntentID
	case FieldNestedPaymentIntentID:
		return r.RegistrationData.PaymentIntentID
	case FieldSquarePaymentID:
		return r.SquarePaymentID
	case FieldConfirmationNumber:
		return r.ConfirmationNumber
	}
	return ""
}
