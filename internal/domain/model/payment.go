// Package model holds the canonical payment, registration and pending-import
// records shared by the matcher, the stores and the API.
//
// Source documents are loosely typed (camelCase and snake_case keys, nested
// provider blocks). The stores convert them with NormalizePayment and
// NormalizeRegistration so nothing downstream sees the raw shapes.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the payment provider.
type Source string

const (
	SourceSquare Source = "square"
	SourceStripe Source = "stripe"
)

// Valid reports whether s is a known provider.
func (s Source) Valid() bool {
	return s == SourceSquare || s == SourceStripe
}

// MatchMethod tags how a payment was associated with a registration.
type MatchMethod string

const (
	MethodPaymentID     MatchMethod = "paymentId"
	MethodTransactionID MatchMethod = "transactionId"
	MethodManual        MatchMethod = "manual"
	MethodNone          MatchMethod = "none"
)

// MatchDetail explains one field comparison behind a match decision.
type MatchDetail struct {
	FieldName         string `json:"fieldName"`
	PaymentValue      string `json:"paymentValue"`
	RegistrationValue string `json:"registrationValue"`
	PaymentPath       string `json:"paymentPath,omitempty"`
	RegistrationPath  string `json:"registrationPath,omitempty"`
	Points            int    `json:"points"`
	IsMatch           bool   `json:"isMatch"`
}

// MatchRecord is the complete set of match fields written onto a payment.
// Stores must write it as a single update.
type MatchRecord struct {
	RegistrationID string        `json:"matchedRegistrationId"`
	Confidence     int           `json:"matchConfidence"`
	Method         MatchMethod   `json:"matchMethod"`
	Details        []MatchDetail `json:"matchDetails"`
	MatchedAt      time.Time     `json:"matchedAt"`
	MatchedBy      string        `json:"matchedBy"`
}

// Payment is one external payment transaction.
type Payment struct {
	ID            string          `json:"id"`
	Source        Source          `json:"source"`
	PaymentID     string          `json:"paymentId,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Status        string          `json:"status,omitempty"`
	CustomerEmail string          `json:"customerEmail,omitempty"`
	CustomerName  string          `json:"customerName,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`

	// Identifiers recovered from the provider export (e.g. "Payment ID",
	// "PaymentIntent ID" columns). Keyed by source path.
	AltPaymentIDs map[string]string `json:"altPaymentIds,omitempty"`

	MatchedRegistrationID string        `json:"matchedRegistrationId,omitempty"`
	MatchConfidence       *int          `json:"matchConfidence,omitempty"`
	MatchMethod           MatchMethod   `json:"matchMethod,omitempty"`
	MatchDetails          []MatchDetail `json:"matchDetails,omitempty"`
	MatchedAt             *time.Time    `json:"matchedAt,omitempty"`
	MatchedBy             string        `json:"matchedBy,omitempty"`

	// Set when an audit cleared a false match.
	PreviousMatchCleared string     `json:"previousMatchCleared,omitempty"`
	MatchClearedAt       *time.Time `json:"matchClearedAt,omitempty"`
	MatchClearedReason   string     `json:"matchClearedReason,omitempty"`
}

// HasIdentifier reports whether the payment carries any id eligible for matching.
func (p *Payment) HasIdentifier() bool {
	return p.PaymentID != "" || p.TransactionID != ""
}

// IsMatched reports whether the payment currently points at a registration.
func (p *Payment) IsMatched() bool {
	return p.MatchedRegistrationID != ""
}

// Confidence returns the stored match confidence, 0 when absent.
func (p *Payment) Confidence() int {
	if p.MatchConfidence == nil {
		return 0
	}
	return *p.MatchConfidence
}

// ApplyMatch copies rec onto the payment's match fields.
func (p *Payment) ApplyMatch(rec MatchRecord) {
	confidence := rec.Confidence
	matchedAt := rec.MatchedAt
	p.MatchedRegistrationID = rec.RegistrationID
	p.MatchConfidence = &confidence
	p.MatchMethod = rec.Method
	p.MatchDetails = append([]MatchDetail(nil), rec.Details...)
	p.MatchedAt = &matchedAt
	p.MatchedBy = rec.MatchedBy
}

// MatchRecord returns the payment's current match fields, false when unmatched.
func (p *Payment) MatchRecord() (MatchRecord, bool) {
	if !p.IsMatched() {
		return MatchRecord{}, false
	}
	rec := MatchRecord{
		RegistrationID: p.MatchedRegistrationID,
		Confidence:     p.Confidence(),
		Method:         p.MatchMethod,
		Details:        append([]MatchDetail(nil), p.MatchDetails...),
		MatchedBy:      p.MatchedBy,
	}
	if p.MatchedAt != nil {
		rec.MatchedAt = *p.MatchedAt
	}
	return rec, true
}

// ClearMatch removes every match field.
func (p *Payment) ClearMatch() {
	p.MatchedRegistrationID = ""
	p.MatchConfidence = nil
	p.MatchMethod = ""
	p.MatchDetails = nil
	p.MatchedAt = nil
	p.MatchedBy = ""
}

// RevokeMatch clears the match and records which registration it pointed at.
func (p *Payment) RevokeMatch(reason string, at time.Time) {
	p.PreviousMatchCleared = p.MatchedRegistrationID
	p.MatchClearedAt = &at
	p.MatchClearedReason = reason
	p.ClearMatch()
}

// Identifiers lists the payment's ids in lookup order, de-duplicated.
// The key is the field path the id came from.
func (p *Payment) Identifiers() []FieldValue {
	var out []FieldValue
	seen := make(map[string]bool)
	add := func(path, value string) {
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		out = append(out, FieldValue{Path: path, Value: value})
	}
	add("paymentId", p.PaymentID)
	add("transactionId", p.TransactionID)
	for _, path := range sortedKeys(p.AltPaymentIDs) {
		add(path, p.AltPaymentIDs[path])
	}
	return out
}

// FieldValue pairs a document path with its value.
type FieldValue struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}
