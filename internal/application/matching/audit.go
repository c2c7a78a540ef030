package matching

import (
	"context"
	"errors"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/matcher"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/events"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

// Reasons recorded on payments whose match an audit cleared
const (
	ReasonRegistrationMissing = "matched registration no longer exists"
	ReasonNoIdentifierOverlap = "no payment identifier appears on the matched registration"
)

// AuditOptions controls an audit run
type AuditOptions struct {
	DryRun bool // report false matches without clearing them
}

// FalseMatch is an existing association that fails re-verification
type FalseMatch struct {
	PaymentID      string            `json:"paymentId"`
	RegistrationID string            `json:"registrationId"`
	Method         model.MatchMethod `json:"matchMethod"`
	Confidence     int               `json:"matchConfidence"`
	Reason         string            `json:"reason"`
}

// AuditResult summarizes an audit run
type AuditResult struct {
	Checked      int          `json:"checked"`
	Valid        int          `json:"valid"`
	Cleared      int          `json:"cleared"`
	Failed       int          `json:"failed"`
	DryRun       bool         `json:"dryRun"`
	FalseMatches []FalseMatch `json:"falseMatches"`
	DurationMs   int64        `json:"durationMs"`
}

// AuditMatches re-verifies every automatic match against the identifier
// policy and clears the ones that no longer hold. Manual matches are
// operator decisions and are skipped.
func (s *Service) AuditMatches(ctx context.Context, opts AuditOptions) (*AuditResult, error) {
	start := s.now()
	payments, err := s.store.ListPayments(ctx, storage.PaymentFilter{MatchedOnly: true})
	if err != nil {
		return nil, model.NewStoreError("list payments", err)
	}

	result := &AuditResult{DryRun: opts.DryRun, FalseMatches: []FalseMatch{}}
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if payment.MatchMethod == model.MethodManual {
			continue
		}
		result.Checked++

		reason, err := s.verify(ctx, payment)
		if err != nil {
			result.Failed++
			s.logger.Warn("audit check failed", "payment_id", payment.ID, "error", err)
			continue
		}
		if reason == "" {
			result.Valid++
			continue
		}

		result.FalseMatches = append(result.FalseMatches, FalseMatch{
			PaymentID:      payment.ID,
			RegistrationID: payment.MatchedRegistrationID,
			Method:         payment.MatchMethod,
			Confidence:     payment.Confidence(),
			Reason:         reason,
		})
		if opts.DryRun {
			continue
		}

		if err := s.store.RevokeMatch(ctx, payment.ID, reason, s.now().UTC()); err != nil {
			result.Failed++
			s.logger.Warn("failed to clear false match", "payment_id", payment.ID, "error", err)
			continue
		}
		result.Cleared++
		s.publish(ctx, events.Event{
			Type:           events.TypeMatchRevoked,
			PaymentID:      payment.ID,
			RegistrationID: payment.MatchedRegistrationID,
			Reason:         reason,
		})
		s.logger.Info("false match cleared",
			"payment_id", payment.ID,
			"registration_id", payment.MatchedRegistrationID,
			"reason", reason)
	}

	if result.Cleared > 0 {
		s.invalidateStatistics(ctx)
	}
	result.DurationMs = sinceMillis(start, s.now)
	return result, nil
}

// verify returns the reason the payment's match is false, or "" when it holds.
func (s *Service) verify(ctx context.Context, payment *model.Payment) (string, error) {
	reg, err := s.store.GetRegistration(ctx, payment.MatchedRegistrationID)
	if errors.Is(err, storage.ErrNotFound) {
		return ReasonRegistrationMissing, nil
	}
	if err != nil {
		return "", model.NewStoreError("get registration", err)
	}
	if _, ok := matcher.Verify(payment, reg); !ok {
		return ReasonNoIdentifierOverlap, nil
	}
	return "", nil
}
