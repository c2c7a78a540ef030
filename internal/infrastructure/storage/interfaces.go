package storage

import (
	"context"
	"errors"
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the complete storage interface.
// Implementations: Storage (SQLite), MongoStore and MockRepository.
type Repository interface {
	PaymentRepository
	RegistrationRepository
	PendingImportRepository
	Close() error
}

// PaymentRepository handles payment records and their match fields
type PaymentRepository interface {
	// GetPayment retrieves a payment by store id or provider paymentId
	GetPayment(ctx context.Context, id string) (*model.Payment, error)

	// ListPayments returns payments matching the filter, newest first
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*model.Payment, error)

	// FindPaymentByProviderID returns the payment with the given source and
	// provider id whose status is one of statuses. (nil, nil) when none.
	FindPaymentByProviderID(ctx context.Context, source model.Source, providerID string, statuses []string) (*model.Payment, error)

	// UpsertPayment inserts or replaces a payment, assigning an id when empty
	UpsertPayment(ctx context.Context, payment *model.Payment) error

	// SaveMatch writes every match field in one update
	SaveMatch(ctx context.Context, paymentID string, rec model.MatchRecord) error

	// ClearMatch removes every match field in one update
	ClearMatch(ctx context.Context, paymentID string) error

	// RevokeMatch clears the match and stamps why it was cleared
	RevokeMatch(ctx context.Context, paymentID, reason string, at time.Time) error
}

// PaymentFilter selects payments for listing
type PaymentFilter struct {
	MaxConfidence int  // only payments with confidence below this or none (0 = no bound)
	MatchedOnly   bool // only payments with a matched registration
	Limit         int  // 0 = no limit
	Offset        int
}

// RegistrationRepository handles registration records
type RegistrationRepository interface {
	// GetRegistration retrieves a registration by store id or registrationId
	GetRegistration(ctx context.Context, id string) (*model.Registration, error)

	// FindRegistrationByField returns the oldest registration whose field
	// equals value. (nil, nil) when none.
	FindRegistrationByField(ctx context.Context, field model.RegistrationField, value string) (*model.Registration, error)

	// UpsertRegistration inserts or replaces a registration, assigning an id when empty
	UpsertRegistration(ctx context.Context, registration *model.Registration) error

	// LinkPayment writes the reciprocal payment link onto a registration
	LinkPayment(ctx context.Context, registrationID, paymentID, transactionID string) error
}

// PendingImportRepository handles registrations waiting for their payment
type PendingImportRepository interface {
	// ListPendingImports returns pending imports oldest first (0 = no limit)
	ListPendingImports(ctx context.Context, limit int) ([]*model.PendingImport, error)

	// SavePendingImport inserts or replaces a pending import
	SavePendingImport(ctx context.Context, pending *model.PendingImport) error

	// RecordPendingCheck stores the outcome of an unsuccessful check
	RecordPendingCheck(ctx context.Context, id string, checkCount int, reason string, at time.Time) error

	// ResolvePendingImport stores the promoted registration and removes the pending record
	ResolvePendingImport(ctx context.Context, id string, registration *model.Registration) error

	// FailPendingImport moves a pending record into failed registrations
	FailPendingImport(ctx context.Context, failed *model.FailedRegistration) error

	// ListFailedRegistrations returns failed registrations, most recent first
	ListFailedRegistrations(ctx context.Context, limit int) ([]*model.FailedRegistration, error)
}
