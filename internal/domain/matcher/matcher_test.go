package matcher

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// fakeFinder indexes registrations by every matchable field
type fakeFinder struct {
	registrations []*model.Registration
	calls         int
}

func (f *fakeFinder) FindRegistrationByField(_ context.Context, field model.RegistrationField, value string) (*model.Registration, error) {
	f.calls++
	for _, r := range f.registrations {
		if r.Value(field) == value {
			return r, nil
		}
	}
	return nil, nil
}

// mockFinder for asserting lookup behavior
type mockFinder struct {
	mock.Mock
}

func (m *mockFinder) FindRegistrationByField(ctx context.Context, field model.RegistrationField, value string) (*model.Registration, error) {
	args := m.Called(ctx, field, value)
	if r := args.Get(0); r != nil {
		return r.(*model.Registration), args.Error(1)
	}
	return nil, args.Error(1)
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestMatcher_NoIdentifiers_NoLookup(t *testing.T) {
	// Arrange
	finder := new(mockFinder)
	m := NewMatcher(DefaultConfig(), finder)
	payment := &model.Payment{ID: "p1", Amount: money("21.47"), CustomerEmail: "a@example.com"}

	// Act
	result, err := m.FindMatch(context.Background(), payment, Options{SearchConfirmationNumber: true})

	// Assert
	require.NoError(t, err)
	assert.False(t, result.IsMatch)
	assert.Equal(t, model.MethodNone, result.MatchMethod)
	assert.Equal(t, 0, result.MatchConfidence)
	assert.Nil(t, result.Registration)
	finder.AssertNotCalled(t, "FindRegistrationByField", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatcher_StripeIntent_IgnoresAmountAndEmail(t *testing.T) {
	// Arrange
	reg := &model.Registration{ID: "reg-1", StripePaymentIntentID: "pi_ABC", TotalAmount: money("150.00"), CustomerEmail: "right@x.com"}
	m := NewMatcher(DefaultConfig(), &fakeFinder{registrations: []*model.Registration{reg}})
	payment := &model.Payment{PaymentID: "pi_ABC", Amount: money("9999.99"), CustomerEmail: "wrong@x.com"}

	// Act
	result, err := m.FindMatch(context.Background(), payment, Options{})

	// Assert
	require.NoError(t, err)
	assert.True(t, result.IsMatch)
	assert.Same(t, reg, result.Registration)
	assert.Equal(t, model.MethodPaymentID, result.MatchMethod)
	assert.Equal(t, 100, result.MatchConfidence)
	require.Len(t, result.MatchDetails, 1)
	assert.Equal(t, "stripePaymentIntentId", result.MatchDetails[0].RegistrationPath)
	assert.Equal(t, 100, result.MatchDetails[0].Points)
}

func TestMatcher_AmountOnlyCoincidence_NoMatch(t *testing.T) {
	// Arrange - a registration that happens to total the same amount
	reg := &model.Registration{ID: "reg-1", StripePaymentIntentID: "pi_REAL", TotalAmount: money("21.47"), CustomerEmail: "same@x.com"}
	m := NewMatcher(DefaultConfig(), &fakeFinder{registrations: []*model.Registration{reg}})
	payment := &model.Payment{PaymentID: "fake", Amount: money("21.47"), CustomerEmail: "same@x.com"}

	// Act
	result, err := m.FindMatch(context.Background(), payment, Options{SearchConfirmationNumber: true})

	// Assert
	require.NoError(t, err)
	assert.False(t, result.IsMatch)
	assert.Equal(t, model.MethodNone, result.MatchMethod)
}

func TestMatcher_NestedIntent(t *testing.T) {
	reg := &model.Registration{ID: "reg-2", RegistrationData: model.RegistrationData{PaymentIntentID: "pi_NESTED"}}
	m := NewMatcher(DefaultConfig(), &fakeFinder{registrations: []*model.Registration{reg}})

	result, err := m.FindMatch(context.Background(), &model.Payment{PaymentID: "pi_NESTED"}, Options{})

	require.NoError(t, err)
	assert.True(t, result.IsMatch)
	assert.Equal(t, 90, result.MatchConfidence)
	assert.Equal(t, model.MethodPaymentID, result.MatchMethod)
}

func TestMatcher_SquarePayment(t *testing.T) {
	reg := &model.Registration{ID: "reg-3", SquarePaymentID: "sq_1"}
	m := NewMatcher(DefaultConfig(), &fakeFinder{registrations: []*model.Registration{reg}})

	result, err := m.FindMatch(context.Background(), &model.Payment{Source: model.SourceSquare, PaymentID: "sq_1"}, Options{})

	require.NoError(t, err)
	assert.True(t, result.IsMatch)
	assert.Equal(t, 85, result.MatchConfidence)
}

func TestMatcher_ConfirmationNumber_OnlyWhenRequested(t *testing.T) {
	reg := &model.Registration{ID: "reg-4", ConfirmationNumber: "LDG-123456"}
	finder := &fakeFinder{registrations: []*model.Registration{reg}}
	m := NewMatcher(DefaultConfig(), finder)
	payment := &model.Payment{TransactionID: "LDG-123456"}

	// Not requested - skipped entirely
	result, err := m.FindMatch(context.Background(), payment, Options{})
	require.NoError(t, err)
	assert.False(t, result.IsMatch)
	assert.Equal(t, 0, finder.calls, "paymentId rules must not run without a paymentId")

	// Requested
	result, err = m.FindMatch(context.Background(), payment, Options{SearchConfirmationNumber: true})
	require.NoError(t, err)
	assert.True(t, result.IsMatch)
	assert.Equal(t, model.MethodTransactionID, result.MatchMethod)
	assert.Equal(t, 80, result.MatchConfidence)
}

func TestMatcher_PriorityOrder(t *testing.T) {
	// Two registrations reference the same id through different fields;
	// the stripe intent field outranks the square field.
	square := &model.Registration{ID: "reg-square", SquarePaymentID: "shared"}
	stripe := &model.Registration{ID: "reg-stripe", StripePaymentIntentID: "shared"}
	m := NewMatcher(DefaultConfig(), &fakeFinder{registrations: []*model.Registration{square, stripe}})

	result, err := m.FindMatch(context.Background(), &model.Payment{PaymentID: "shared"}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "reg-stripe", result.Registration.ID)
	assert.Equal(t, 100, result.MatchConfidence)
}

func TestMatcher_CustomConfig(t *testing.T) {
	config := DefaultConfig()
	config.SquarePaymentConfidence = 70
	reg := &model.Registration{ID: "reg-3", SquarePaymentID: "sq_1"}
	m := NewMatcher(config, &fakeFinder{registrations: []*model.Registration{reg}})

	result, err := m.FindMatch(context.Background(), &model.Payment{PaymentID: "sq_1"}, Options{})

	require.NoError(t, err)
	assert.Equal(t, 70, result.MatchConfidence)
}

func TestMatcher_LookupError_IsStoreError(t *testing.T) {
	finder := new(mockFinder)
	finder.On("FindRegistrationByField", mock.Anything, model.FieldStripePaymentIntentID, "pi_1").Return(nil, assert.AnError)
	m := NewMatcher(DefaultConfig(), finder)

	result, err := m.FindMatch(context.Background(), &model.Payment{PaymentID: "pi_1"}, Options{})

	require.Error(t, err)
	assert.Nil(t, result)
	var se *model.StoreError
	assert.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, assert.AnError)
	finder.AssertExpectations(t)
}

func TestMatcher_NilPayment(t *testing.T) {
	m := NewMatcher(DefaultConfig(), &fakeFinder{})

	_, err := m.FindMatch(context.Background(), nil, Options{})

	assert.True(t, model.IsValidation(err))
}

func TestVerify(t *testing.T) {
	reg := &model.Registration{
		ID:                 "reg-1",
		ConfirmationNumber: "IND-1",
		ExtraPaymentRefs:   map[string]string{"paymentInfo.square_payment_id": "sq_legacy"},
	}

	detail, ok := Verify(&model.Payment{PaymentID: "sq_legacy"}, reg)
	assert.True(t, ok)
	assert.Equal(t, "paymentInfo.square_payment_id", detail.RegistrationPath)

	_, ok = Verify(&model.Payment{TransactionID: "IND-1"}, reg)
	assert.True(t, ok)

	_, ok = Verify(&model.Payment{PaymentID: "other", Amount: money("10")}, reg)
	assert.False(t, ok)

	_, ok = Verify(&model.Payment{PaymentID: "sq_legacy"}, nil)
	assert.False(t, ok)
}
