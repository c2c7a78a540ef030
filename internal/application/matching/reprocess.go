package matching

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/matcher"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/events"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/storage"
)

// ReprocessFilter selects the payments a reprocess run visits
type ReprocessFilter struct {
	MaxConfidence int // payments below this confidence or unmatched; 0 uses the configured threshold
	Limit         int // 0 uses the configured batch limit
	Offset        int
	Workers       int // 0 uses the configured worker count
}

// ReprocessResult summarizes one reprocess run
type ReprocessResult struct {
	RunID      string `json:"runId"`
	Processed  int    `json:"processed"`
	Matched    int    `json:"matched"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"durationMs"`
}

func (s *Service) candidates(ctx context.Context, maxConfidence, limit, offset int) ([]*model.Payment, error) {
	if maxConfidence <= 0 {
		maxConfidence = s.cfg.ReprocessThreshold
	}
	if limit <= 0 {
		limit = s.cfg.BatchLimit
	}
	payments, err := s.store.ListPayments(ctx, storage.PaymentFilter{
		MaxConfidence: maxConfidence,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		return nil, model.NewStoreError("list payments", err)
	}
	return payments, nil
}

// ReprocessUnmatched re-runs the matcher over unmatched and low-confidence
// payments, newest first, and persists every positive result. A failure on
// one payment is logged and counted; it does not stop the run.
func (s *Service) ReprocessUnmatched(ctx context.Context, filter ReprocessFilter) (*ReprocessResult, error) {
	start := s.now()
	runID := uuid.New().String()
	logger := s.logger.With("run_id", runID)

	payments, err := s.candidates(ctx, filter.MaxConfidence, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}

	workers := filter.Workers
	if workers <= 0 {
		workers = s.cfg.Workers
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(payments) {
		workers = len(payments)
	}

	logger.Info("reprocessing payments", "count", len(payments), "workers", workers)

	var processed, matched, failed atomic.Int64
	work := make(chan *model.Payment)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payment := range work {
				processed.Add(1)
				ok, err := s.reprocessOne(ctx, payment)
				switch {
				case err != nil:
					failed.Add(1)
					logger.Warn("reprocess failed", "payment_id", payment.ID, "error", err)
				case ok:
					matched.Add(1)
				}
			}
		}()
	}

feed:
	for _, payment := range payments {
		select {
		case <-ctx.Done():
			break feed
		case work <- payment:
		}
	}
	close(work)
	wg.Wait()

	result := &ReprocessResult{
		RunID:      runID,
		Processed:  int(processed.Load()),
		Matched:    int(matched.Load()),
		Failed:     int(failed.Load()),
		DurationMs: sinceMillis(start, s.now),
	}

	s.publish(ctx, events.Event{Type: events.TypeReprocessCompleted, RunID: runID})
	logger.Info("reprocess complete",
		"processed", result.Processed,
		"matched", result.Matched,
		"failed", result.Failed)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) reprocessOne(ctx context.Context, payment *model.Payment) (bool, error) {
	result, err := s.FindMatch(ctx, payment)
	if err != nil {
		return false, err
	}
	if !result.IsMatch {
		return false, nil
	}
	if err := s.persist(ctx, payment, result, MatchedByAuto); err != nil {
		return false, err
	}
	return true, nil
}

// PreviewItem is one payment's match result in a batch preview
type PreviewItem struct {
	PaymentID string               `json:"paymentId"`
	Source    model.Source         `json:"source"`
	Result    *matcher.MatchResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// BatchPreview runs the matcher over a page of reprocess candidates
// without writing anything.
func (s *Service) BatchPreview(ctx context.Context, limit, offset int) ([]PreviewItem, error) {
	payments, err := s.candidates(ctx, 0, limit, offset)
	if err != nil {
		return nil, err
	}

	items := make([]PreviewItem, 0, len(payments))
	for _, payment := range payments {
		item := PreviewItem{PaymentID: payment.ID, Source: payment.Source}
		result, err := s.FindMatch(ctx, payment)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Result = result
		}
		items = append(items, item)
	}
	return items, nil
}

func sinceMillis(start time.Time, now func() time.Time) int64 {
	return now().Sub(start).Milliseconds()
}
