package pending

import (
	"context"
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Stats describes the pending-imports queue
type Stats struct {
	TotalPending int         `json:"totalPending"`
	ByCheckCount map[int]int `json:"byCheckCount"`
	OldestID     string      `json:"oldestId,omitempty"`
	OldestSince  *time.Time  `json:"oldestSince,omitempty"`
}

// Statistics summarizes the pending queue
func (r *Resolver) Statistics(ctx context.Context) (*Stats, error) {
	records, err := r.store.ListPendingImports(ctx, 0)
	if err != nil {
		return nil, model.NewStoreError("list pending imports", err)
	}

	stats := &Stats{TotalPending: len(records), ByCheckCount: map[int]int{}}
	for _, rec := range records {
		stats.ByCheckCount[rec.CheckCount]++
	}
	// oldest first
	if len(records) > 0 {
		since := records[0].PendingSince
		stats.OldestID = records[0].ID
		stats.OldestSince = &since
	}
	return stats, nil
}

// ListFailed returns failed registrations, most recent first
func (r *Resolver) ListFailed(ctx context.Context, limit int) ([]*model.FailedRegistration, error) {
	failed, err := r.store.ListFailedRegistrations(ctx, limit)
	if err != nil {
		return nil, model.NewStoreError("list failed registrations", err)
	}
	return failed, nil
}
