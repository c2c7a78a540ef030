package model

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Document is a loosely typed source record (JSON object, bson.M, ...).
type Document = map[string]any

// legacy nested locations of provider payment references on registrations
var registrationRefPaths = [][]string{
	{"registrationData", "stripePaymentIntentId"},
	{"registrationData", "squarePaymentId"},
	{"registrationData", "stripe_payment_intent_id"},
	{"registrationData", "square_payment_id"},
	{"registration_data", "stripe_payment_intent_id"},
	{"registration_data", "square_payment_id"},
	{"paymentInfo", "stripe_payment_intent_id"},
	{"paymentInfo", "square_payment_id"},
	{"paymentData", "transactionId"},
	{"paymentData", "paymentId"},
}

// provider export columns kept on imported payments
var paymentAltIDKeys = []string{"Payment ID", "PaymentIntent ID", "paymentIntentId"}

// NormalizePayment maps a source document onto the canonical Payment shape.
// Both camelCase and snake_case keys are accepted; camelCase wins.
func NormalizePayment(doc Document) Payment {
	p := Payment{
		ID:            str(doc, "_id", "id"),
		Source:        Source(str(doc, "source")),
		PaymentID:     str(doc, "paymentId", "payment_id"),
		TransactionID: str(doc, "transactionId", "transaction_id"),
		Status:        str(doc, "status"),
		CustomerEmail: str(doc, "customerEmail", "customer_email"),
		CustomerName:  str(doc, "customerName", "customer_name"),
		Amount:        dec(doc, "amount", "grossAmount", "gross_amount"),
		Currency:      str(doc, "currency"),
		Timestamp:     tm(doc, "timestamp", "createdAt", "created_at"),
	}

	if original, ok := sub(doc, "originalData", "original_data"); ok {
		for _, key := range paymentAltIDKeys {
			if v := str(original, key); v != "" {
				if p.AltPaymentIDs == nil {
					p.AltPaymentIDs = make(map[string]string)
				}
				p.AltPaymentIDs["originalData."+key] = v
			}
		}
	}

	p.MatchedRegistrationID = str(doc, "matchedRegistrationId", "matched_registration_id")
	if v, ok := lookup(doc, "matchConfidence", "match_confidence"); ok {
		if n, ok := asInt(v); ok {
			p.MatchConfidence = &n
		}
	}
	p.MatchMethod = MatchMethod(str(doc, "matchMethod", "match_method"))
	p.MatchedBy = str(doc, "matchedBy", "matched_by")
	if v, ok := lookup(doc, "matchedAt", "matched_at"); ok {
		if t, ok := asTime(v); ok {
			p.MatchedAt = &t
		}
	}
	if v, ok := lookup(doc, "matchDetails", "match_details"); ok {
		p.MatchDetails = matchDetails(v)
	}
	p.PreviousMatchCleared = str(doc, "previousMatchCleared")
	p.MatchClearedReason = str(doc, "matchClearedReason")
	if v, ok := lookup(doc, "matchClearedAt"); ok {
		if t, ok := asTime(v); ok {
			p.MatchClearedAt = &t
		}
	}

	return p
}

// NormalizeRegistration maps a source document onto the canonical
// Registration shape.
func NormalizeRegistration(doc Document) Registration {
	r := Registration{
		ID:                    str(doc, "_id", "id"),
		RegistrationID:        str(doc, "registrationId", "registration_id"),
		ConfirmationNumber:    str(doc, "confirmationNumber", "confirmation_number"),
		StripePaymentIntentID: str(doc, "stripePaymentIntentId", "stripe_payment_intent_id"),
		SquarePaymentID:       str(doc, "squarePaymentId", "square_payment_id"),
		RegistrationType:      NormalizeRegistrationType(str(doc, "registrationType", "registration_type")),
		PaymentStatus:         str(doc, "paymentStatus", "payment_status"),
		TotalAmount:           dec(doc, "totalAmount", "total_amount", "totalAmountPaid", "total_amount_paid"),
		CustomerEmail:         str(doc, "customerEmail", "customer_email"),
		CreatedAt:             tm(doc, "createdAt", "created_at"),
		LinkedPaymentID:       str(doc, "linkedPaymentId", "linked_payment_id"),
		TransactionID:         str(doc, "transactionId", "transaction_id"),
		PaymentVerified:       boolean(doc, "paymentVerified", "payment_verified"),
	}
	if v, ok := lookup(doc, "previouslyPendingSince"); ok {
		if t, ok := asTime(v); ok {
			r.PreviouslyPendingSince = &t
		}
	}
	if v, ok := lookup(doc, "resolvedAfterChecks"); ok {
		r.ResolvedAfterChecks, _ = asInt(v)
	}

	if data, ok := sub(doc, "registrationData", "registration_data"); ok {
		r.RegistrationData.PaymentIntentID = str(data, "paymentIntentId", "payment_intent_id")
		if contact, ok := sub(data, "bookingContact", "booking_contact", "billingDetails", "billing_details"); ok {
			r.RegistrationData.BookingContact = Contact{
				FirstName: str(contact, "firstName", "first_name"),
				LastName:  str(contact, "lastName", "last_name"),
				Email:     str(contact, "emailAddress", "email", "email_address"),
			}
		}
		if v, ok := lookup(data, "attendees"); ok {
			if items, ok := asSlice(v); ok {
				r.RegistrationData.AttendeeCount = len(items)
			}
		}
		if v, ok := lookup(data, "tickets", "selectedTickets", "selected_tickets"); ok {
			if items, ok := asSlice(v); ok {
				r.RegistrationData.TicketCount = len(items)
			}
		}
	}
	if v, ok := lookup(doc, "attendeeCount"); ok && r.RegistrationData.AttendeeCount == 0 {
		r.RegistrationData.AttendeeCount, _ = asInt(v)
	}

	for _, path := range registrationRefPaths {
		nested, ok := sub(doc, path[0])
		if !ok {
			continue
		}
		if v := str(nested, path[1]); v != "" {
			if r.ExtraPaymentRefs == nil {
				r.ExtraPaymentRefs = make(map[string]string)
			}
			r.ExtraPaymentRefs[path[0]+"."+path[1]] = v
		}
	}

	return r
}

// NormalizeRegistrationType maps source spellings to a RegistrationType.
func NormalizeRegistrationType(s string) RegistrationType {
	switch s {
	case "individual", "individuals", "Individual":
		return RegistrationIndividual
	case "lodge", "lodges", "Lodge":
		return RegistrationLodge
	case "delegation", "delegations", "Delegation", "grandLodge", "grand_lodge":
		return RegistrationDelegation
	}
	return RegistrationType(s)
}

func matchDetails(v any) []MatchDetail {
	items, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]MatchDetail, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		points, _ := asInt(m["points"])
		out = append(out, MatchDetail{
			FieldName:         str(m, "fieldName", "field_name"),
			PaymentValue:      str(m, "paymentValue", "payment_value"),
			RegistrationValue: str(m, "registrationValue", "registration_value"),
			PaymentPath:       str(m, "paymentPath", "payment_path"),
			RegistrationPath:  str(m, "registrationPath", "registration_path"),
			Points:            points,
			IsMatch:           boolean(m, "isMatch", "is_match"),
		})
	}
	return out
}

// lookup returns the first present, non-nil value among keys.
func lookup(doc Document, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(doc Document, keys ...string) string {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func dec(doc Document, keys ...string) decimal.Decimal {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			if d, ok := asDecimal(v); ok {
				return d
			}
		}
	}
	return decimal.Zero
}

func tm(doc Document, keys ...string) time.Time {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			if t, ok := asTime(v); ok {
				return t
			}
		}
	}
	return time.Time{}
}

func boolean(doc Document, keys ...string) bool {
	for _, k := range keys {
		if b, ok := doc[k].(bool); ok {
			return b
		}
	}
	return false
}

func sub(doc Document, keys ...string) (Document, bool) {
	for _, k := range keys {
		if m, ok := asMap(doc[k]); ok {
			return m, true
		}
	}
	return nil, false
}

func asMap(v any) (Document, bool) {
	if v == nil {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(Document, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case interface{ Hex() string }:
		return t.Hex()
	case fmt.Stringer:
		return t.String()
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int32:
		return decimal.NewFromInt32(t), true
	case int64:
		return decimal.NewFromInt(t), true
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	case fmt.Stringer:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	}
	return decimal.Zero, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case interface{ Time() time.Time }:
		return t.Time(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// NormalizePendingImport maps a pending-imports document. The document is
// the registration itself plus the pending bookkeeping fields.
func NormalizePendingImport(doc Document) PendingImport {
	p := PendingImport{
		ID:           str(doc, "_id", "id"),
		Registration: NormalizeRegistration(doc),
		PendingSince: tm(doc, "pendingSince", "pending_since"),
		Reason:       str(doc, "reason"),
	}
	if v, ok := lookup(doc, "checkCount", "check_count"); ok {
		p.CheckCount, _ = asInt(v)
	}
	if v, ok := lookup(doc, "lastCheckDate", "last_check_date"); ok {
		if t, ok := asTime(v); ok {
			p.LastCheckDate = &t
		}
	}
	if v, ok := lookup(doc, "attemptedPaymentIds", "attempted_payment_ids"); ok {
		items, _ := asSlice(v)
		for _, item := range items {
			if s := asString(item); s != "" {
				p.AttemptedPaymentIDs = append(p.AttemptedPaymentIDs, s)
			}
		}
	}
	return p
}

// NormalizeFailedRegistration maps a failedRegistrations document.
func NormalizeFailedRegistration(doc Document) FailedRegistration {
	f := FailedRegistration{
		PendingImport: NormalizePendingImport(doc),
		FailureReason: str(doc, "failureReason", "failure_reason"),
		FailedAt:      tm(doc, "failedAt", "failed_at"),
	}
	if v, ok := lookup(doc, "finalCheckCount", "final_check_count"); ok {
		f.FinalCheckCount, _ = asInt(v)
	}
	return f
}
