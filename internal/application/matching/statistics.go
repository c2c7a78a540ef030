package matching

import (
	"context"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

const statisticsCacheKey = "match-statistics"

// MethodCounts counts matched payments per match method
type MethodCounts struct {
	PaymentID     int `json:"paymentId"`
	TransactionID int `json:"transactionId"`
	Manual        int `json:"manual"`
}

// ConfidenceCounts buckets matched payments by confidence.
// High is 80 and above, Medium 70-79, Low 60-69. Lower scores are not bucketed.
type ConfidenceCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Statistics summarizes the match state of every payment
type Statistics struct {
	Total        int              `json:"total"`
	Matched      int              `json:"matched"`
	Unmatched    int              `json:"unmatched"`
	ByMethod     MethodCounts     `json:"byMethod"`
	ByConfidence ConfidenceCounts `json:"byConfidence"`
}

// Add counts one payment
func (st *Statistics) Add(p *model.Payment) {
	st.Total++
	if !p.IsMatched() {
		st.Unmatched++
		return
	}
	st.Matched++

	switch p.MatchMethod {
	case model.MethodPaymentID:
		st.ByMethod.PaymentID++
	case model.MethodTransactionID:
		st.ByMethod.TransactionID++
	case model.MethodManual:
		st.ByMethod.Manual++
	}

	switch c := p.Confidence(); {
	case c >= 80:
		st.ByConfidence.High++
	case c >= 70:
		st.ByConfidence.Medium++
	case c >= 60:
		st.ByConfidence.Low++
	}
}

// GetStatistics aggregates match counts over every payment. Results are
// served from the cache when one is configured; every write invalidates it.
func (s *Service) GetStatistics(ctx context.Context) (*Statistics, error) {
	if s.cache != nil {
		var cached Statistics
		hit, err := s.cache.GetJSON(ctx, statisticsCacheKey, &cached)
		if err != nil {
			s.logger.Warn("statistics cache read failed", "error", err)
		} else if hit {
			return &cached, nil
		}
	}

	payments, err := s.store.ListPayments(ctx, storage.PaymentFilter{})
	if err != nil {
		return nil, model.NewStoreError("list payments", err)
	}

	stats := &Statistics{}
	for _, p := range payments {
		stats.Add(p)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, statisticsCacheKey, stats); err != nil {
			s.logger.Warn("statistics cache write failed", "error", err)
		}
	}
	return stats, nil
}

func (s *Service) invalidateStatistics(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statisticsCacheKey); err != nil {
		s.logger.Warn("statistics cache invalidation failed", "error", err)
	}
}
