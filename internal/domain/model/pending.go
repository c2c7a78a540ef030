package model

import "time"

// PendingImport is a registration held back until its payment is visible.
type PendingImport struct {
	ID                  string       `json:"id"`
	Registration        Registration `json:"registration"`
	PendingSince        time.Time    `json:"pendingSince"`
	AttemptedPaymentIDs []string     `json:"attemptedPaymentIds,omitempty"`
	LastCheckDate       *time.Time   `json:"lastCheckDate,omitempty"`
	CheckCount          int          `json:"checkCount"`
	Reason              string       `json:"reason,omitempty"`
}

// FailedRegistration is a pending import whose payment never arrived.
type FailedRegistration struct {
	PendingImport
	FailureReason   string    `json:"failureReason"`
	FailedAt        time.Time `json:"failedAt"`
	FinalCheckCount int       `json:"finalCheckCount"`
}
