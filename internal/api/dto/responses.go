package dto

import (
	"time"

	"github.com/eshaffer321/lodgetix-reconcile/internal/application/matching"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/matcher"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewHealthResponse creates a healthy response stamped with the current time.
func NewHealthResponse() HealthResponse {
	return HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// MatchResponse is a match result for one payment.
type MatchResponse struct {
	PaymentID string `json:"paymentId,omitempty"`
	Persisted bool   `json:"persisted"`
	*matcher.MatchResult
}

// BatchResponse lists match previews for a page of candidate payments.
type BatchResponse struct {
	Results []matching.PreviewItem `json:"results"`
	Count   int                    `json:"count"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// FailedRegistrationListResponse lists failed registrations.
type FailedRegistrationListResponse struct {
	Registrations []*model.FailedRegistration `json:"registrations"`
	Count         int                         `json:"count"`
}

// MessageResponse acknowledges a write with no other payload.
type MessageResponse struct {
	Message string `json:"message"`
}
