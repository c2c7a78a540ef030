// Package matching is the application layer over the matcher: it persists
// match results, applies manual overrides, reprocesses unmatched payments
// and aggregates statistics.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/matcher"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/events"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

// matchedBy values written onto payments
const (
	MatchedByAuto    = "reconcile"
	MatchedByManual  = "manual"
	MatchedByPending = "pending-resolver"
)

// ReasonSuperseded prefixes the reason recorded on a payment whose match a
// manual match to the same registration replaced.
const ReasonSuperseded = "superseded by manual match of payment"

// Cache holds computed statistics between writes. *cache.RedisCache satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
}

// Config holds matching service settings
type Config struct {
	Matcher            matcher.Config
	SearchConfirmation bool
	ReprocessThreshold int // payments below this confidence are reprocessed
	BatchLimit         int // default page size for reprocess and batch
	Workers            int // reprocess parallelism, 1 = sequential
}

// DefaultConfig returns the standard service settings
func DefaultConfig() Config {
	return Config{
		Matcher:            matcher.DefaultConfig(),
		ReprocessThreshold: 25,
		BatchLimit:         100,
		Workers:            1,
	}
}

// ConfigFrom maps the file/env configuration onto service settings
func ConfigFrom(cfg config.MatchingConfig) Config {
	c := Config{
		Matcher: matcher.Config{
			StripeIntentConfidence:  cfg.StripeIntentConfidence,
			NestedIntentConfidence:  cfg.NestedIntentConfidence,
			SquarePaymentConfidence: cfg.SquarePaymentConfidence,
			ConfirmationConfidence:  cfg.ConfirmationConfidence,
		},
		SearchConfirmation: cfg.SearchConfirmation,
		ReprocessThreshold: cfg.ReprocessThreshold,
		BatchLimit:         cfg.BatchLimit,
		Workers:            cfg.Workers,
	}
	d := DefaultConfig()
	if c.Matcher == (matcher.Config{}) {
		c.Matcher = d.Matcher
	}
	if c.ReprocessThreshold <= 0 {
		c.ReprocessThreshold = d.ReprocessThreshold
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = d.BatchLimit
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Service coordinates the matcher and the store
type Service struct {
	store     storage.Repository
	matcher   *matcher.Matcher
	cfg       Config
	cache     Cache
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// serializes the holder check with the write that follows it
	writeMu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithCache enables statistics caching
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPublisher publishes match events
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a matching service over store
func NewService(store storage.Repository, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     store,
		matcher:   matcher.NewMatcher(cfg.Matcher, store),
		cfg:       cfg,
		publisher: events.NopPublisher{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) options() matcher.Options {
	return matcher.Options{SearchConfirmationNumber: s.cfg.SearchConfirmation}
}

// FindMatch runs the matcher for payment without persisting anything
func (s *Service) FindMatch(ctx context.Context, payment *model.Payment) (*matcher.MatchResult, error) {
	return s.matcher.FindMatch(ctx, payment, s.options())
}

// FindMatchByID loads a payment and runs the matcher for it
func (s *Service) FindMatchByID(ctx context.Context, paymentID string) (*model.Payment, *matcher.MatchResult, error) {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.FindMatch(ctx, payment)
	if err != nil {
		return payment, nil, err
	}
	return payment, result, nil
}

// PersistMatch writes a positive match result onto the payment and links
// the registration back to it.
func (s *Service) PersistMatch(ctx context.Context, paymentID string, result *matcher.MatchResult) error {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return s.persist(ctx, payment, result, MatchedByAuto)
}

func (s *Service) persist(ctx context.Context, payment *model.Payment, result *matcher.MatchResult, matchedBy string) error {
	if result == nil || !result.IsMatch || result.Registration == nil {
		return model.NewValidationError("result", "only a positive match can be persisted")
	}
	rec := result.Record(matchedBy, s.now().UTC())
	return s.write(ctx, payment, result.Registration.ID, rec, false)
}

// write stores rec on the payment, then the reciprocal link on the
// registration. A registration held by another payment is a ConflictError
// unless supersede is set, in which case the other payment's match is revoked.
// A failed write puts every touched payment back the way it was.
func (s *Service) write(ctx context.Context, payment *model.Payment, registrationID string, rec model.MatchRecord, supersede bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	reg, err := s.getRegistration(ctx, registrationID)
	if err != nil {
		return err
	}
	holder, err := s.holder(ctx, reg, payment.ID)
	if err != nil {
		return err
	}

	wrote := false
	defer func() {
		if wrote {
			s.invalidateStatistics(ctx)
		}
	}()

	if holder != nil {
		if !supersede {
			s.logger.Warn("registration already matched to another payment",
				"registration_id", reg.ID,
				"holder_payment_id", holder.ID,
				"payment_id", payment.ID)
			return model.NewConflictError(reg.ID, holder.ID)
		}
		reason := fmt.Sprintf("%s %s", ReasonSuperseded, payment.ID)
		if err := s.store.RevokeMatch(ctx, holder.ID, reason, rec.MatchedAt); err != nil {
			return s.storeErr("revoke match", "payment", holder.ID, err)
		}
		wrote = true
	}

	if err := s.store.SaveMatch(ctx, payment.ID, rec); err != nil {
		s.restore(ctx, holder)
		return s.storeErr("save match", "payment", payment.ID, err)
	}
	wrote = true

	if err := s.store.LinkPayment(ctx, reg.ID, payment.ID, linkTransactionID(payment)); err != nil {
		s.restore(ctx, payment)
		s.restore(ctx, holder)
		return s.storeErr("link payment", "registration", reg.ID, err)
	}

	if holder != nil {
		s.publish(ctx, events.Event{
			Type:           events.TypeMatchRevoked,
			PaymentID:      holder.ID,
			RegistrationID: reg.ID,
			Reason:         ReasonSuperseded,
		})
	}
	s.publish(ctx, events.Event{
		Type:           events.TypePaymentMatched,
		PaymentID:      payment.ID,
		RegistrationID: reg.ID,
		Confidence:     rec.Confidence,
		Method:         string(rec.Method),
	})

	s.logger.Info("match persisted",
		"payment_id", payment.ID,
		"registration_id", reg.ID,
		"method", rec.Method,
		"confidence", rec.Confidence,
		"matched_by", rec.MatchedBy)
	return nil
}

// holder returns the other payment still matched to reg, nil when there is none.
func (s *Service) holder(ctx context.Context, reg *model.Registration, paymentID string) (*model.Payment, error) {
	if reg.LinkedPaymentID == "" || reg.LinkedPaymentID == paymentID {
		return nil, nil
	}
	other, err := s.store.GetPayment(ctx, reg.LinkedPaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.storeErr("get payment", "payment", reg.LinkedPaymentID, err)
	}
	if other.ID == paymentID || other.MatchedRegistrationID != reg.ID {
		return nil, nil
	}
	return other, nil
}

// restore writes p's match fields back as they were loaded.
func (s *Service) restore(ctx context.Context, p *model.Payment) {
	if p == nil {
		return
	}
	var err error
	if rec, ok := p.MatchRecord(); ok {
		err = s.store.SaveMatch(ctx, p.ID, rec)
	} else {
		err = s.store.ClearMatch(ctx, p.ID)
	}
	if err != nil {
		s.logger.Error("failed to restore payment match",
			"payment_id", p.ID,
			"registration_id", p.MatchedRegistrationID,
			"error", err)
	}
}

// ManualMatchRequest is an operator override
type ManualMatchRequest struct {
	PaymentID      string
	RegistrationID string
	Confidence     int    // 0 means 100
	Method         string // empty or "manual"
}

// SetManualMatch associates a payment with a registration outside the
// identifier policy. Both records must exist.
func (s *Service) SetManualMatch(ctx context.Context, req ManualMatchRequest) (*matcher.MatchResult, error) {
	if req.PaymentID == "" {
		return nil, model.NewValidationError("paymentId", "is required")
	}
	if req.RegistrationID == "" {
		return nil, model.NewValidationError("registrationId", "is required")
	}
	if req.Method != "" && model.MatchMethod(req.Method) != model.MethodManual {
		return nil, model.NewValidationError("method", "manual overrides must use method \"manual\"")
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 100
	}
	if confidence < 0 || confidence > 100 {
		return nil, model.NewValidationError("confidence", "must be between 0 and 100")
	}

	payment, err := s.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	reg, err := s.getRegistration(ctx, req.RegistrationID)
	if err != nil {
		return nil, err
	}

	details := []model.MatchDetail{{
		FieldName:         "manual",
		PaymentValue:      payment.ID,
		RegistrationValue: reg.ID,
		Points:            confidence,
		IsMatch:           true,
	}}
	rec := model.MatchRecord{
		RegistrationID: reg.ID,
		Confidence:     confidence,
		Method:         model.MethodManual,
		Details:        details,
		MatchedAt:      s.now().UTC(),
		MatchedBy:      MatchedByManual,
	}
	if err := s.write(ctx, payment, reg.ID, rec, true); err != nil {
		return nil, err
	}

	return &matcher.MatchResult{
		IsMatch:         true,
		Registration:    reg,
		MatchMethod:     model.MethodManual,
		MatchConfidence: confidence,
		MatchDetails:    details,
	}, nil
}

// RemoveMatch clears every match field on the payment. It is a no-op for
// a payment that is not matched.
func (s *Service) RemoveMatch(ctx context.Context, paymentID string) error {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if !payment.IsMatched() && payment.MatchConfidence == nil {
		return nil
	}

	if err := s.store.ClearMatch(ctx, payment.ID); err != nil {
		return s.storeErr("clear match", "payment", payment.ID, err)
	}

	s.invalidateStatistics(ctx)
	s.publish(ctx, events.Event{
		Type:           events.TypePaymentUnmatched,
		PaymentID:      payment.ID,
		RegistrationID: payment.MatchedRegistrationID,
	})
	s.logger.Info("match removed", "payment_id", payment.ID, "registration_id", payment.MatchedRegistrationID)
	return nil
}

// GetPayment loads a payment by store id or provider paymentId
func (s *Service) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	if id == "" {
		return nil, model.NewValidationError("paymentId", "is required")
	}
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, s.storeErr("get payment", "payment", id, err)
	}
	return p, nil
}

func (s *Service) getRegistration(ctx context.Context, id string) (*model.Registration, error) {
	r, err := s.store.GetRegistration(ctx, id)
	if err != nil {
		return nil, s.storeErr("get registration", "registration", id, err)
	}
	return r, nil
}

// storeErr maps storage.ErrNotFound to a NotFoundError and wraps the rest.
func (s *Service) storeErr(op, resource, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.NewNotFoundError(resource, id)
	}
	return model.NewStoreError(op, err)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

// linkTransactionID is the provider id written onto the registration
func linkTransactionID(p *model.Payment) string {
	if p.TransactionID != "" {
		return p.TransactionID
	}
	return p.PaymentID
}
