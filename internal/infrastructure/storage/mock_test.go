package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

func TestMockRepository_MatchesSQLiteSemantics(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	high := 90

	seedPayment(t, repo, model.Payment{ID: "a", Timestamp: base})
	seedPayment(t, repo, model.Payment{ID: "b", Timestamp: base.Add(time.Hour), MatchedRegistrationID: "r", MatchConfidence: &high})

	candidates, err := repo.ListPayments(ctx, PaymentFilter{MaxConfidence: 25})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "a", candidates[0].ID)

	all, err := repo.ListPayments(ctx, PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, "b", all[0].ID)

	_, err = repo.GetPayment(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.SaveMatch(ctx, "zzz", model.MatchRecord{}), ErrNotFound)
}

func TestMockRepository_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	seedPayment(t, repo, model.Payment{ID: "a"})
	repo.SaveMatchErrFor = map[string]error{"a": assert.AnError}

	err := repo.SaveMatch(ctx, "a", model.MatchRecord{RegistrationID: "r"})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, repo.SaveMatchCalls)
	got, err := repo.GetPayment(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.IsMatched())
}
