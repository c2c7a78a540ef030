// Package pending re-checks registrations that were held back because
// their payment was not yet visible, promoting them once it appears and
// failing them once retries run out.
package pending

import (
	"context"
	"log/slog"
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
	pendingstate "github.com/eshaffer321/lodgetix-reconcile/internal/domain/pending"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/events"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

// MatchedBy is written onto payments matched by the resolver
const MatchedBy = "pending-resolver"

// resolvedConfidence is the confidence stored on a payment found by provider id
const resolvedConfidence = 100

// Options controls one ProcessPending run
type Options struct {
	MaxRetries int // checks before a record fails; 0 uses the default
	BatchSize  int // records per run; 0 processes all
}

// OptionsFrom maps configuration onto run options
func OptionsFrom(cfg config.PendingConfig) Options {
	return Options{MaxRetries: cfg.MaxRetries, BatchSize: cfg.BatchSize}
}

// ProcessResult summarizes one ProcessPending run
type ProcessResult struct {
	Checked      int `json:"checked"`
	Resolved     int `json:"resolved"`
	StillPending int `json:"stillPending"`
	Failed       int `json:"failed"`
	Errors       int `json:"errors"`
}

// Resolver works through the pending-imports queue
type Resolver struct {
	store     storage.Repository
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Resolver
type Option func(*Resolver)

// WithPublisher publishes resolved and failed events
func WithPublisher(p events.Publisher) Option {
	return func(r *Resolver) { r.publisher = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over store
func NewResolver(store storage.Repository, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessPending checks every pending import, oldest first. Errors on a
// single record are logged and counted; only a failure to list the queue
// aborts the run.
func (r *Resolver) ProcessPending(ctx context.Context, opts Options) (*ProcessResult, error) {
	records, err := r.store.ListPendingImports(ctx, opts.BatchSize)
	if err != nil {
		return nil, model.NewStoreError("list pending imports", err)
	}

	r.logger.Info("processing pending imports", "count", len(records), "max_retries", opts.MaxRetries)

	result := &ProcessResult{}
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		next, err := r.check(ctx, record, opts.MaxRetries)
		if err != nil {
			result.Errors++
			r.logger.Error("pending import check failed", "pending_id", record.ID, "error", err)
			continue
		}
		switch next {
		case pendingstate.StateResolved:
			result.Resolved++
		case pendingstate.StateFailed:
			result.Failed++
		default:
			result.StillPending++
		}
	}

	r.logger.Info("pending imports processed",
		"checked", result.Checked,
		"resolved", result.Resolved,
		"still_pending", result.StillPending,
		"failed", result.Failed,
		"errors", result.Errors)
	return result, nil
}

func (r *Resolver) check(ctx context.Context, record *model.PendingImport, maxRetries int) (pendingstate.State, error) {
	payment, tried, err := pendingstate.FindPaymentForRegistration(ctx, r.store, &record.Registration)
	if err != nil {
		return pendingstate.StatePending, err
	}

	decision := pendingstate.Decide(record, payment, maxRetries)
	if decision.Next != pendingstate.StatePending {
		if err := pendingstate.Transition(pendingstate.StatePending, decision.Next); err != nil {
			return pendingstate.StatePending, err
		}
	}

	now := r.now().UTC()
	switch decision.Next {
	case pendingstate.StateResolved:
		return decision.Next, r.resolve(ctx, record, decision, now)
	case pendingstate.StateFailed:
		return decision.Next, r.fail(ctx, record, decision, tried, now)
	}

	if err := r.store.RecordPendingCheck(ctx, record.ID, decision.CheckCount, decision.Reason, now); err != nil {
		return pendingstate.StatePending, model.NewStoreError("record pending check", err)
	}
	r.logger.Debug("payment still missing",
		"pending_id", record.ID,
		"check_count", decision.CheckCount,
		"reason", decision.Reason)
	return pendingstate.StatePending, nil
}

// resolve promotes the registration, then writes the match onto the payment.
func (r *Resolver) resolve(ctx context.Context, record *model.PendingImport, decision pendingstate.Decision, now time.Time) error {
	payment := decision.Payment
	since := record.PendingSince

	reg := record.Registration
	reg.ID = ""
	reg.PaymentVerified = true
	reg.PreviouslyPendingSince = &since
	reg.ResolvedAfterChecks = decision.CheckCount
	reg.LinkedPaymentID = payment.ID
	reg.TransactionID = payment.TransactionID
	if reg.TransactionID == "" {
		reg.TransactionID = payment.PaymentID
	}

	if err := r.store.ResolvePendingImport(ctx, record.ID, &reg); err != nil {
		return model.NewStoreError("resolve pending import", err)
	}

	field := "squarePaymentId"
	if payment.Source == model.SourceStripe {
		field = "stripePaymentIntentId"
	}
	rec := model.MatchRecord{
		RegistrationID: reg.ID,
		Confidence:     resolvedConfidence,
		Method:         model.MethodPaymentID,
		Details: []model.MatchDetail{{
			FieldName:         "paymentId",
			PaymentValue:      payment.PaymentID,
			RegistrationValue: payment.PaymentID,
			PaymentPath:       "paymentId",
			RegistrationPath:  field,
			Points:            resolvedConfidence,
			IsMatch:           true,
		}},
		MatchedAt: now,
		MatchedBy: MatchedBy,
	}
	// The pending record is gone at this point. A later reprocess run finds
	// the payment by its provider id and writes the match.
	if err := r.store.SaveMatch(ctx, payment.ID, rec); err != nil {
		r.logger.Error("registration promoted but payment left unmatched",
			"pending_id", record.ID,
			"registration_id", reg.ID,
			"payment_id", payment.ID,
			"error", err)
		return model.NewStoreError("save match", err)
	}

	r.publish(ctx, events.Event{
		Type:           events.TypePendingResolved,
		PendingID:      record.ID,
		PaymentID:      payment.ID,
		RegistrationID: reg.ID,
		Confidence:     resolvedConfidence,
		Method:         string(model.MethodPaymentID),
		OccurredAt:     now,
	})
	r.logger.Info("pending import resolved",
		"pending_id", record.ID,
		"registration_id", reg.ID,
		"payment_id", payment.ID,
		"checks", decision.CheckCount)
	return nil
}

func (r *Resolver) fail(ctx context.Context, record *model.PendingImport, decision pendingstate.Decision, tried []string, now time.Time) error {
	failed := &model.FailedRegistration{
		PendingImport:   *record,
		FailureReason:   decision.Reason,
		FailedAt:        now,
		FinalCheckCount: decision.CheckCount,
	}
	failed.CheckCount = decision.CheckCount
	failed.LastCheckDate = &now
	if len(tried) > 0 {
		failed.AttemptedPaymentIDs = tried
	}

	if err := r.store.FailPendingImport(ctx, failed); err != nil {
		return model.NewStoreError("fail pending import", err)
	}

	r.publish(ctx, events.Event{
		Type:       events.TypePendingFailed,
		PendingID:  record.ID,
		Reason:     decision.Reason,
		OccurredAt: now,
	})
	r.logger.Warn("pending import failed",
		"pending_id", record.ID,
		"checks", decision.CheckCount,
		"reason", decision.Reason)
	return nil
}

func (r *Resolver) publish(ctx context.Context, event events.Event) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}
