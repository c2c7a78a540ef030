// Package pending models registrations that were imported before their
// payment was visible.
//
// A pending import moves through an explicit state machine:
//
//	pending -> resolved   payment found, registration promoted
//	pending -> failed     retries exhausted
//
// resolved and failed are terminal.
package pending

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// State of a pending import
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateFailed   State = "failed"
)

// DefaultMaxRetries is the number of checks before a pending import fails.
const DefaultMaxRetries = 5

// ErrInvalidTransition is returned for any transition the machine does not allow.
var ErrInvalidTransition = errors.New("invalid pending import transition")

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed
}

// Transition validates a move from one state to another.
func Transition(from, to State) error {
	if from == StatePending && (to == StateResolved || to == StateFailed) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Decision is the outcome of one check of a pending import.
type Decision struct {
	Next       State
	CheckCount int
	Reason     string
	Payment    *model.Payment
}

// Decide applies one check result to a pending record.
// payment is the payment found for the registration, or nil.
func Decide(record *model.PendingImport, payment *model.Payment, maxRetries int) Decision {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	checks := record.CheckCount + 1

	if payment != nil {
		return Decision{Next: StateResolved, CheckCount: checks, Payment: payment}
	}

	if checks >= maxRetries {
		return Decision{Next: StateFailed, CheckCount: checks, Reason: FailureReason(&record.Registration, checks)}
	}

	return Decision{Next: StatePending, CheckCount: checks, Reason: UpdatedReason(&record.Registration)}
}

// UpdatedReason describes which identifiers were tried and not found.
func UpdatedReason(reg *model.Registration) string {
	var reasons []string
	if reg.SquarePaymentID != "" {
		reasons = append(reasons, fmt.Sprintf("Square payment %s not found or not completed", reg.SquarePaymentID))
	}
	if reg.StripePaymentIntentID != "" {
		reasons = append(reasons, fmt.Sprintf("Stripe payment %s not found or not completed", reg.StripePaymentIntentID))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "No payment ID provided")
	}
	return strings.Join(reasons, "; ")
}

// FailureReason is the permanent reason stored on a failed registration.
func FailureReason(reg *model.Registration, checks int) string {
	return fmt.Sprintf("Payment verification failed after %d checks: %s", checks, UpdatedReason(reg))
}
