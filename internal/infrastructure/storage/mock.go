package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// MockRepository is an in-memory implementation of Repository for testing.
// It is safe for concurrent use so batch workers can share it.
type MockRepository struct {
	mu            sync.Mutex
	payments      map[string]*model.Payment
	registrations map[string]*model.Registration
	pending       map[string]*model.PendingImport
	failed        map[string]*model.FailedRegistration

	// Hooks for test assertions
	SaveMatchCalls    int
	LastSavedMatch    *model.MatchRecord
	ClearMatchCalls   int
	LinkPaymentCalls  int
	FindByFieldCalls  int
	ResolvePendingIDs []string
	FailPendingIDs    []string

	// Error injection for testing error paths
	GetPaymentErr       error
	ListPaymentsErr     error
	FindPaymentErr      error
	SaveMatchErr        error
	SaveMatchErrFor     map[string]error // keyed by payment id
	ClearMatchErr       error
	GetRegistrationErr  error
	FindRegistrationErr error
	LinkPaymentErr      error
	ListPendingErr      error
	RecordCheckErr      error
	ResolvePendingErr   error
	FailPendingErr      error
}

// NewMockRepository creates a new mock repository for testing
func NewMockRepository() *MockRepository {
	return &MockRepository{
		payments:      make(map[string]*model.Payment),
		registrations: make(map[string]*model.Registration),
		pending:       make(map[string]*model.PendingImport),
		failed:        make(map[string]*model.FailedRegistration),
	}
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// Close does nothing for mock
func (m *MockRepository) Close() error {
	return nil
}

func clonePayment(p *model.Payment) *model.Payment {
	c := *p
	c.MatchDetails = append([]model.MatchDetail(nil), p.MatchDetails...)
	return &c
}

func cloneRegistration(r *model.Registration) *model.Registration {
	c := *r
	return &c
}

// ---- payments ----

func (m *MockRepository) lookupPayment(id string) (*model.Payment, bool) {
	if p, ok := m.payments[id]; ok {
		return p, true
	}
	for _, p := range m.payments {
		if p.PaymentID == id {
			return p, true
		}
	}
	return nil, false
}

// GetPayment retrieves a payment by id or paymentId
func (m *MockRepository) GetPayment(_ context.Context, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetPaymentErr != nil {
		return nil, m.GetPaymentErr
	}
	p, ok := m.lookupPayment(id)
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return clonePayment(p), nil
}

// ListPayments filters and sorts the in-memory payments
func (m *MockRepository) ListPayments(_ context.Context, filter PaymentFilter) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListPaymentsErr != nil {
		return nil, m.ListPaymentsErr
	}

	var out []*model.Payment
	for _, p := range m.payments {
		if filter.MaxConfidence > 0 && p.MatchConfidence != nil && *p.MatchConfidence >= filter.MaxConfidence {
			continue
		}
		if filter.MatchedOnly && !p.IsMatched() {
			continue
		}
		out = append(out, clonePayment(p))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// FindPaymentByProviderID scans for a payment with a matching status
func (m *MockRepository) FindPaymentByProviderID(_ context.Context, source model.Source, providerID string, statuses []string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindPaymentErr != nil {
		return nil, m.FindPaymentErr
	}
	for _, p := range m.payments {
		if p.Source != source || p.PaymentID != providerID {
			continue
		}
		if len(statuses) == 0 {
			return clonePayment(p), nil
		}
		for _, s := range statuses {
			if p.Status == s {
				return clonePayment(p), nil
			}
		}
	}
	return nil, nil
}

// UpsertPayment stores a copy of the payment
func (m *MockRepository) UpsertPayment(_ context.Context, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

// SaveMatch applies rec to the stored payment
func (m *MockRepository) SaveMatch(_ context.Context, paymentID string, rec model.MatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveMatchCalls++
	m.LastSavedMatch = &rec
	if m.SaveMatchErr != nil {
		return m.SaveMatchErr
	}
	if err := m.SaveMatchErrFor[paymentID]; err != nil {
		return err
	}
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	p.ApplyMatch(rec)
	return nil
}

// ClearMatch removes the stored payment's match fields
func (m *MockRepository) ClearMatch(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClearMatchCalls++
	if m.ClearMatchErr != nil {
		return m.ClearMatchErr
	}
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	p.ClearMatch()
	return nil
}

// RevokeMatch clears the stored payment's match and stamps the audit fields
func (m *MockRepository) RevokeMatch(_ context.Context, paymentID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClearMatchCalls++
	if m.ClearMatchErr != nil {
		return m.ClearMatchErr
	}
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	p.RevokeMatch(reason, at)
	return nil
}

// ---- registrations ----

// GetRegistration retrieves a registration by id or registrationId
func (m *MockRepository) GetRegistration(_ context.Context, id string) (*model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetRegistrationErr != nil {
		return nil, m.GetRegistrationErr
	}
	if r, ok := m.registrations[id]; ok {
		return cloneRegistration(r), nil
	}
	for _, r := range m.registrations {
		if r.RegistrationID == id {
			return cloneRegistration(r), nil
		}
	}
	return nil, fmt.Errorf("registration %s: %w", id, ErrNotFound)
}

// FindRegistrationByField returns the oldest registration whose field equals value
func (m *MockRepository) FindRegistrationByField(_ context.Context, field model.RegistrationField, value string) (*model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FindByFieldCalls++
	if m.FindRegistrationErr != nil {
		return nil, m.FindRegistrationErr
	}
	if value == "" {
		return nil, nil
	}

	var found *model.Registration
	for _, r := range m.registrations {
		if r.Value(field) != value {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) ||
			(r.CreatedAt.Equal(found.CreatedAt) && r.ID < found.ID) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneRegistration(found), nil
}

// UpsertRegistration stores a copy of the registration
func (m *MockRepository) UpsertRegistration(_ context.Context, r *model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.registrations[r.ID] = cloneRegistration(r)
	return nil
}

// LinkPayment writes the reciprocal link onto the stored registration
func (m *MockRepository) LinkPayment(_ context.Context, registrationID, paymentID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinkPaymentCalls++
	if m.LinkPaymentErr != nil {
		return m.LinkPaymentErr
	}
	r, ok := m.registrations[registrationID]
	if !ok {
		return fmt.Errorf("registration %s: %w", registrationID, ErrNotFound)
	}
	r.LinkedPaymentID = paymentID
	r.TransactionID = transactionID
	return nil
}

// ---- pending imports ----

// ListPendingImports returns pending imports oldest first
func (m *MockRepository) ListPendingImports(_ context.Context, limit int) ([]*model.PendingImport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListPendingErr != nil {
		return nil, m.ListPendingErr
	}

	out := make([]*model.PendingImport, 0, len(m.pending))
	for _, p := range m.pending {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PendingSince.Equal(out[j].PendingSince) {
			return out[i].PendingSince.Before(out[j].PendingSince)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SavePendingImport stores a copy of the pending import
func (m *MockRepository) SavePendingImport(_ context.Context, p *model.PendingImport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	c := *p
	m.pending[p.ID] = &c
	return nil
}

// RecordPendingCheck updates the stored pending import
func (m *MockRepository) RecordPendingCheck(_ context.Context, id string, checkCount int, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordCheckErr != nil {
		return m.RecordCheckErr
	}
	p, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("pending import %s: %w", id, ErrNotFound)
	}
	p.CheckCount = checkCount
	p.Reason = reason
	p.LastCheckDate = &at
	return nil
}

// ResolvePendingImport stores the registration and drops the pending import
func (m *MockRepository) ResolvePendingImport(_ context.Context, id string, r *model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResolvePendingIDs = append(m.ResolvePendingIDs, id)
	if m.ResolvePendingErr != nil {
		return m.ResolvePendingErr
	}
	if _, ok := m.pending[id]; !ok {
		return fmt.Errorf("pending import %s: %w", id, ErrNotFound)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.registrations[r.ID] = cloneRegistration(r)
	delete(m.pending, id)
	return nil
}

// FailPendingImport moves the pending import into failed registrations
func (m *MockRepository) FailPendingImport(_ context.Context, f *model.FailedRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailPendingIDs = append(m.FailPendingIDs, f.ID)
	if m.FailPendingErr != nil {
		return m.FailPendingErr
	}
	if _, ok := m.pending[f.ID]; !ok {
		return fmt.Errorf("pending import %s: %w", f.ID, ErrNotFound)
	}
	c := *f
	m.failed[f.ID] = &c
	delete(m.pending, f.ID)
	return nil
}

// ListFailedRegistrations returns failed registrations, most recent first
func (m *MockRepository) ListFailedRegistrations(_ context.Context, limit int) ([]*model.FailedRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.FailedRegistration, 0, len(m.failed))
	for _, f := range m.failed {
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
