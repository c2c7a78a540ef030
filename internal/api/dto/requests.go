package dto

import "github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"

// FindMatchRequest is the body of POST /api/matches. Either an inline
// payment document or the id of a stored payment is required.
type FindMatchRequest struct {
	Payment   model.Document `json:"payment"`
	PaymentID string         `json:"paymentId"`
}

// ManualMatchRequest is the body of PATCH /api/matches.
type ManualMatchRequest struct {
	PaymentID      string `json:"paymentId"`
	RegistrationID string `json:"registrationId"`
	Confidence     int    `json:"confidence"`
	Method         string `json:"method"`
}

// ProcessPendingRequest is the optional body of POST /api/pending/process.
type ProcessPendingRequest struct {
	MaxRetries int `json:"maxRetries"`
	BatchSize  int `json:"batchSize"`
}
