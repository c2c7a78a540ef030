package matching

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/events"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

var fixedNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

// mapCache is an in-memory Cache
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deletes int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string][]byte{}}
}

func (c *mapCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *mapCache) SetJSON(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = data
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.deletes++
	return nil
}

func newTestService(t *testing.T, repo *storage.MockRepository, opts ...Option) (*Service, *events.MemoryPublisher) {
	t.Helper()
	pub := &events.MemoryPublisher{}
	opts = append([]Option{WithPublisher(pub), WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(repo, DefaultConfig(), nil, opts...), pub
}

func seedPayment(t *testing.T, repo *storage.MockRepository, p model.Payment) {
	t.Helper()
	if p.Amount.IsZero() {
		p.Amount = decimal.RequireFromString("21.47")
	}
	require.NoError(t, repo.UpsertPayment(context.Background(), &p))
}

func seedRegistration(t *testing.T, repo *storage.MockRepository, r model.Registration) {
	t.Helper()
	require.NoError(t, repo.UpsertRegistration(context.Background(), &r))
}

func matchedPayment(id, regID string, method model.MatchMethod, confidence int) model.Payment {
	at := fixedNow.Add(-time.Hour)
	return model.Payment{
		ID:                    id,
		Source:                model.SourceStripe,
		PaymentID:             "pi_" + id,
		MatchedRegistrationID: regID,
		MatchConfidence:       &confidence,
		MatchMethod:           method,
		MatchedAt:             &at,
		Timestamp:             fixedNow.Add(-24 * time.Hour),
	}
}

func TestConfigFrom_FillsDefaults(t *testing.T) {
	cfg := ConfigFrom(config.MatchingConfig{Workers: 4, SearchConfirmation: true})

	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.SearchConfirmation)
	assert.Equal(t, 25, cfg.ReprocessThreshold)
	assert.Equal(t, 100, cfg.BatchLimit)
	assert.Equal(t, 100, cfg.Matcher.StripeIntentConfidence)

	cfg = ConfigFrom(config.Defaults().Matching)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestPersistMatch_WritesPaymentAndRegistration(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceStripe, PaymentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_1"})
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	_, result, err := svc.FindMatchByID(ctx, "p1")
	require.NoError(t, err)
	require.True(t, result.IsMatch)

	// Act
	err = svc.PersistMatch(ctx, "p1", result)

	// Assert
	require.NoError(t, err)
	p, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "r1", p.MatchedRegistrationID)
	assert.Equal(t, 100, p.Confidence())
	assert.Equal(t, model.MethodPaymentID, p.MatchMethod)
	assert.Equal(t, MatchedByAuto, p.MatchedBy)
	require.NotNil(t, p.MatchedAt)
	assert.True(t, fixedNow.Equal(*p.MatchedAt))

	r, err := repo.GetRegistration(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", r.LinkedPaymentID)
	assert.Equal(t, "pi_1", r.TransactionID)

	assert.Equal(t, []string{events.TypePaymentMatched}, pub.Types())
}

func TestPersistMatch_RejectsNonMatch(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", PaymentID: "pi_1"})
	svc, _ := newTestService(t, repo)

	err := svc.PersistMatch(context.Background(), "p1", nil)

	assert.True(t, model.IsValidation(err))
	assert.Equal(t, 0, repo.SaveMatchCalls)
}

func TestPersistMatch_StoreFailure(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", PaymentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_1"})
	repo.SaveMatchErr = assert.AnError
	svc, pub := newTestService(t, repo)

	_, result, err := svc.FindMatchByID(context.Background(), "p1")
	require.NoError(t, err)
	err = svc.PersistMatch(context.Background(), "p1", result)

	var se *model.StoreError
	assert.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, repo.LinkPaymentCalls)
	assert.Empty(t, pub.Events())
}

func TestPersistMatch_LinkFailureUndoesPaymentWrite(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceStripe, PaymentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_1"})
	cache := newMapCache()
	svc, pub := newTestService(t, repo, WithCache(cache))
	ctx := context.Background()

	before, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, before.Matched)
	_, result, err := svc.FindMatchByID(ctx, "p1")
	require.NoError(t, err)
	repo.LinkPaymentErr = assert.AnError

	// Act
	err = svc.PersistMatch(ctx, "p1", result)

	// Assert
	var se *model.StoreError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, assert.AnError)

	p, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.IsMatched())
	assert.Nil(t, p.MatchConfidence)
	assert.Equal(t, 1, cache.deletes)
	assert.Empty(t, pub.Events())

	after, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Matched)
}

func TestPersistMatch_LinkFailureRestoresPreviousMatch(t *testing.T) {
	repo := storage.NewMockRepository()
	prev := matchedPayment("p1", "r-old", model.MethodPaymentID, 20)
	seedPayment(t, repo, prev)
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_p1"})
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, result, err := svc.FindMatchByID(ctx, "p1")
	require.NoError(t, err)
	require.True(t, result.IsMatch)
	repo.LinkPaymentErr = assert.AnError

	err = svc.PersistMatch(ctx, "p1", result)

	require.Error(t, err)
	p, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "r-old", p.MatchedRegistrationID)
	assert.Equal(t, 20, p.Confidence())
	require.NotNil(t, p.MatchedAt)
	assert.True(t, prev.MatchedAt.Equal(*p.MatchedAt))
}

func TestPersistMatch_RegistrationHeldByAnotherPayment(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("p0", "r1", model.MethodPaymentID, 100))
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceStripe, PaymentID: "pi_shared"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_shared", LinkedPaymentID: "p0"})
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	_, result, err := svc.FindMatchByID(ctx, "p1")
	require.NoError(t, err)
	require.True(t, result.IsMatch)

	// Act
	err = svc.PersistMatch(ctx, "p1", result)

	// Assert
	assert.True(t, model.IsConflict(err))
	assert.Equal(t, 0, repo.SaveMatchCalls)
	assert.Empty(t, pub.Events())

	p0, err := repo.GetPayment(ctx, "p0")
	require.NoError(t, err)
	assert.Equal(t, "r1", p0.MatchedRegistrationID)
	p1, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p1.IsMatched())
}

func TestPersistMatch_StaleLinkDoesNotBlock(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p0", Source: model.SourceStripe, PaymentID: "pi_p0"})
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceStripe, PaymentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_1", LinkedPaymentID: "p0"})
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, result, err := svc.FindMatchByID(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, svc.PersistMatch(ctx, "p1", result))

	r, err := repo.GetRegistration(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", r.LinkedPaymentID)
}

func TestFindMatchByID_NotFound(t *testing.T) {
	svc, _ := newTestService(t, storage.NewMockRepository())

	_, _, err := svc.FindMatchByID(context.Background(), "missing")

	assert.True(t, model.IsNotFound(err))
}

func TestSetManualMatch_IncrementsManualByOne(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("p0", "r0", model.MethodPaymentID, 100))
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceSquare, PaymentID: "sq_1"})
	seedRegistration(t, repo, model.Registration{ID: "r0", StripePaymentIntentID: "pi_p0"})
	seedRegistration(t, repo, model.Registration{ID: "r1", RegistrationID: "REG-1"})
	svc, pub := newTestService(t, repo, WithCache(newMapCache()))
	ctx := context.Background()

	before, err := svc.GetStatistics(ctx)
	require.NoError(t, err)

	// Act
	result, err := svc.SetManualMatch(ctx, ManualMatchRequest{PaymentID: "p1", RegistrationID: "REG-1"})

	// Assert
	require.NoError(t, err)
	assert.True(t, result.IsMatch)
	assert.Equal(t, 100, result.MatchConfidence)
	assert.Equal(t, model.MethodManual, result.MatchMethod)

	after, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Matched+1, after.Matched)
	assert.Equal(t, before.ByMethod.Manual+1, after.ByMethod.Manual)
	assert.Equal(t, before.ByMethod.PaymentID, after.ByMethod.PaymentID)

	p, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "r1", p.MatchedRegistrationID)
	assert.Equal(t, MatchedByManual, p.MatchedBy)
	require.Len(t, p.MatchDetails, 1)
	assert.Equal(t, "manual", p.MatchDetails[0].FieldName)

	r, err := repo.GetRegistration(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", r.LinkedPaymentID)
	assert.Equal(t, "sq_1", r.TransactionID)
	assert.Equal(t, []string{events.TypePaymentMatched}, pub.Types())
}

func TestSetManualMatch_Overwrites(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("p1", "r-old", model.MethodPaymentID, 100))
	seedRegistration(t, repo, model.Registration{ID: "r-new"})
	svc, _ := newTestService(t, repo)

	_, err := svc.SetManualMatch(context.Background(), ManualMatchRequest{PaymentID: "p1", RegistrationID: "r-new", Confidence: 95})
	require.NoError(t, err)

	p, err := repo.GetPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "r-new", p.MatchedRegistrationID)
	assert.Equal(t, 95, p.Confidence())
	assert.Equal(t, model.MethodManual, p.MatchMethod)
}

func TestSetManualMatch_SupersedesPreviousHolder(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("p0", "r1", model.MethodPaymentID, 100))
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceSquare, PaymentID: "sq_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_p0", LinkedPaymentID: "p0"})
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	// Act
	_, err := svc.SetManualMatch(ctx, ManualMatchRequest{PaymentID: "p1", RegistrationID: "r1"})

	// Assert
	require.NoError(t, err)

	p0, err := repo.GetPayment(ctx, "p0")
	require.NoError(t, err)
	assert.False(t, p0.IsMatched())
	assert.Equal(t, "r1", p0.PreviousMatchCleared)
	assert.Equal(t, ReasonSuperseded+" p1", p0.MatchClearedReason)

	p1, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "r1", p1.MatchedRegistrationID)

	r, err := repo.GetRegistration(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", r.LinkedPaymentID)

	stats, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, []string{events.TypeMatchRevoked, events.TypePaymentMatched}, pub.Types())
}

func TestSetManualMatch_FailureRestoresPreviousHolder(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("p0", "r1", model.MethodPaymentID, 100))
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceSquare, PaymentID: "sq_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", LinkedPaymentID: "p0"})
	repo.LinkPaymentErr = assert.AnError
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.SetManualMatch(ctx, ManualMatchRequest{PaymentID: "p1", RegistrationID: "r1"})

	require.Error(t, err)
	p0, err := repo.GetPayment(ctx, "p0")
	require.NoError(t, err)
	assert.Equal(t, "r1", p0.MatchedRegistrationID)
	assert.Equal(t, 100, p0.Confidence())
	p1, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p1.IsMatched())
	assert.Empty(t, pub.Events())
}

func TestSetManualMatch_Errors(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", PaymentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1"})
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   ManualMatchRequest
		check func(error) bool
	}{
		{"missing payment id", ManualMatchRequest{RegistrationID: "r1"}, model.IsValidation},
		{"missing registration id", ManualMatchRequest{PaymentID: "p1"}, model.IsValidation},
		{"confidence above 100", ManualMatchRequest{PaymentID: "p1", RegistrationID: "r1", Confidence: 150}, model.IsValidation},
		{"negative confidence", ManualMatchRequest{PaymentID: "p1", RegistrationID: "r1", Confidence: -1}, model.IsValidation},
		{"non-manual method", ManualMatchRequest{PaymentID: "p1", RegistrationID: "r1", Method: "paymentId"}, model.IsValidation},
		{"unknown payment", ManualMatchRequest{PaymentID: "nope", RegistrationID: "r1"}, model.IsNotFound},
		{"unknown registration", ManualMatchRequest{PaymentID: "p1", RegistrationID: "nope"}, model.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetManualMatch(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
		})
	}
	assert.Equal(t, 0, repo.SaveMatchCalls)
}

func TestRemoveMatch_RoundTripAndIdempotent(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", PaymentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_1"})
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	_, result, err := svc.FindMatchByID(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, svc.PersistMatch(ctx, "p1", result))

	// Act
	require.NoError(t, svc.RemoveMatch(ctx, "p1"))
	require.NoError(t, svc.RemoveMatch(ctx, "p1"))

	// Assert
	p, err := repo.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.IsMatched())
	assert.Nil(t, p.MatchConfidence)
	assert.Empty(t, p.MatchMethod)
	assert.Empty(t, p.MatchDetails)
	assert.Nil(t, p.MatchedAt)
	assert.Empty(t, p.MatchedBy)
	assert.Equal(t, 1, repo.ClearMatchCalls)
	assert.Equal(t, []string{events.TypePaymentMatched, events.TypePaymentUnmatched}, pub.Types())
}

func TestRemoveMatch_NotFound(t *testing.T) {
	svc, _ := newTestService(t, storage.NewMockRepository())

	err := svc.RemoveMatch(context.Background(), "missing")

	assert.True(t, model.IsNotFound(err))
}

func seedReprocessFixture(t *testing.T, repo *storage.MockRepository) {
	t.Helper()
	low := 20
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceStripe, PaymentID: "pi_1", Timestamp: fixedNow.Add(-1 * time.Hour)})
	seedPayment(t, repo, model.Payment{ID: "p2", Source: model.SourceStripe, PaymentID: "pi_none", Timestamp: fixedNow.Add(-2 * time.Hour)})
	seedPayment(t, repo, matchedPayment("p3", "r3", model.MethodPaymentID, 100))
	seedPayment(t, repo, model.Payment{ID: "p4", Source: model.SourceSquare, PaymentID: "sq_4", MatchConfidence: &low, Timestamp: fixedNow.Add(-3 * time.Hour)})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_1"})
	seedRegistration(t, repo, model.Registration{ID: "r3", StripePaymentIntentID: "pi_p3"})
	seedRegistration(t, repo, model.Registration{ID: "r4", SquarePaymentID: "sq_4"})
}

func TestReprocessUnmatched_OnePaymentPerRegistration(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "p1", Source: model.SourceStripe, PaymentID: "pi_DUP", Timestamp: fixedNow.Add(-1 * time.Hour)})
	seedPayment(t, repo, model.Payment{ID: "p2", Source: model.SourceStripe, PaymentID: "pi_DUP", Timestamp: fixedNow.Add(-2 * time.Hour)})
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_DUP"})
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	// Act
	result, err := svc.ReprocessUnmatched(ctx, ReprocessFilter{Workers: 2})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Failed)

	r, err := repo.GetRegistration(ctx, "r1")
	require.NoError(t, err)
	var holders []string
	for _, id := range []string{"p1", "p2"} {
		p, err := repo.GetPayment(ctx, id)
		require.NoError(t, err)
		if p.MatchedRegistrationID == "r1" {
			holders = append(holders, id)
		}
	}
	assert.Equal(t, []string{r.LinkedPaymentID}, holders)

	stats, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Matched)
}

func TestReprocessUnmatched(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedReprocessFixture(t, repo)
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	// Act
	result, err := svc.ReprocessUnmatched(ctx, ReprocessFilter{Workers: 2})

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Matched)
	assert.Equal(t, 0, result.Failed)

	p4, err := repo.GetPayment(ctx, "p4")
	require.NoError(t, err)
	assert.Equal(t, "r4", p4.MatchedRegistrationID)
	assert.Equal(t, 85, p4.Confidence())

	p3, err := repo.GetPayment(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "r3", p3.MatchedRegistrationID)

	types := pub.Types()
	assert.Equal(t, events.TypeReprocessCompleted, types[len(types)-1])
}

func TestReprocessUnmatched_ItemFailureDoesNotStopRun(t *testing.T) {
	repo := storage.NewMockRepository()
	seedReprocessFixture(t, repo)
	repo.SaveMatchErrFor = map[string]error{"p1": assert.AnError}
	svc, _ := newTestService(t, repo)

	result, err := svc.ReprocessUnmatched(context.Background(), ReprocessFilter{})

	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Failed)
}

func TestReprocessUnmatched_LimitAndListFailure(t *testing.T) {
	repo := storage.NewMockRepository()
	seedReprocessFixture(t, repo)
	svc, _ := newTestService(t, repo)

	result, err := svc.ReprocessUnmatched(context.Background(), ReprocessFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Matched) // newest candidate is p1

	repo.ListPaymentsErr = assert.AnError
	_, err = svc.ReprocessUnmatched(context.Background(), ReprocessFilter{})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestBatchPreview_WritesNothing(t *testing.T) {
	repo := storage.NewMockRepository()
	seedReprocessFixture(t, repo)
	svc, pub := newTestService(t, repo)

	items, err := svc.BatchPreview(context.Background(), 10, 0)

	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "p1", items[0].PaymentID)
	assert.True(t, items[0].Result.IsMatch)
	assert.False(t, items[1].Result.IsMatch)
	assert.Equal(t, 0, repo.SaveMatchCalls)
	assert.Empty(t, pub.Events())
}

func TestGetStatistics_Buckets(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("a", "r", model.MethodPaymentID, 100))
	seedPayment(t, repo, matchedPayment("b", "r", model.MethodTransactionID, 75))
	seedPayment(t, repo, matchedPayment("c", "r", model.MethodManual, 65))
	seedPayment(t, repo, matchedPayment("d", "r", model.MethodPaymentID, 50))
	seedPayment(t, repo, model.Payment{ID: "e", PaymentID: "pi_e"})
	svc, _ := newTestService(t, repo)

	stats, err := svc.GetStatistics(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Matched)
	assert.Equal(t, 1, stats.Unmatched)
	assert.Equal(t, MethodCounts{PaymentID: 2, TransactionID: 1, Manual: 1}, stats.ByMethod)
	assert.Equal(t, ConfidenceCounts{High: 1, Medium: 1, Low: 1}, stats.ByConfidence)
}

func TestGetStatistics_CachedUntilWrite(t *testing.T) {
	repo := storage.NewMockRepository()
	seedPayment(t, repo, matchedPayment("a", "r", model.MethodPaymentID, 100))
	c := newMapCache()
	svc, _ := newTestService(t, repo, WithCache(c))
	ctx := context.Background()

	first, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	seedPayment(t, repo, model.Payment{ID: "b", PaymentID: "pi_b"})

	cached, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	require.NoError(t, svc.RemoveMatch(ctx, "a"))
	fresh, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Total)
	assert.Equal(t, 0, fresh.Matched)
	assert.Equal(t, 1, c.deletes)
}

func seedAuditFixture(t *testing.T, repo *storage.MockRepository) {
	t.Helper()
	seedPayment(t, repo, matchedPayment("valid", "r1", model.MethodPaymentID, 100))
	seedPayment(t, repo, matchedPayment("overlap", "r2", model.MethodPaymentID, 100))
	seedPayment(t, repo, matchedPayment("orphan", "gone", model.MethodPaymentID, 85))
	seedPayment(t, repo, matchedPayment("manual", "r2", model.MethodManual, 100))
	seedRegistration(t, repo, model.Registration{ID: "r1", StripePaymentIntentID: "pi_valid"})
	seedRegistration(t, repo, model.Registration{ID: "r2", StripePaymentIntentID: "pi_other"})
}

func TestAuditMatches_ClearsFalseMatches(t *testing.T) {
	// Arrange
	repo := storage.NewMockRepository()
	seedAuditFixture(t, repo)
	svc, pub := newTestService(t, repo)
	ctx := context.Background()

	// Act
	result, err := svc.AuditMatches(ctx, AuditOptions{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, 1, result.Valid)
	assert.Equal(t, 2, result.Cleared)
	assert.Len(t, result.FalseMatches, 2)

	overlap, err := repo.GetPayment(ctx, "overlap")
	require.NoError(t, err)
	assert.False(t, overlap.IsMatched())
	assert.Equal(t, "r2", overlap.PreviousMatchCleared)
	assert.Equal(t, ReasonNoIdentifierOverlap, overlap.MatchClearedReason)

	orphan, err := repo.GetPayment(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, ReasonRegistrationMissing, orphan.MatchClearedReason)

	manual, err := repo.GetPayment(ctx, "manual")
	require.NoError(t, err)
	assert.True(t, manual.IsMatched())

	assert.Equal(t, []string{events.TypeMatchRevoked, events.TypeMatchRevoked}, pub.Types())
}

func TestAuditMatches_DryRun(t *testing.T) {
	repo := storage.NewMockRepository()
	seedAuditFixture(t, repo)
	svc, _ := newTestService(t, repo)

	result, err := svc.AuditMatches(context.Background(), AuditOptions{DryRun: true})

	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 0, result.Cleared)
	assert.Len(t, result.FalseMatches, 2)
	assert.Equal(t, 0, repo.ClearMatchCalls)
}
