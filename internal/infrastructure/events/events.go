// Package events publishes reconciliation events (matches written, cleared,
// pending imports resolved or failed) for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types
const (
	TypePaymentMatched     = "payment.matched"
	TypePaymentUnmatched   = "payment.unmatched"
	TypeMatchRevoked       = "payment.match_revoked"
	TypePendingResolved    = "pending.resolved"
	TypePendingFailed      = "pending.failed"
	TypeReprocessCompleted = "reprocess.completed"
)

// Event is the message body published for every state change
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	PaymentID      string    `json:"paymentId,omitempty"`
	RegistrationID string    `json:"registrationId,omitempty"`
	PendingID      string    `json:"pendingId,omitempty"`
	RunID          string    `json:"runId,omitempty"`
	Confidence     int       `json:"confidence,omitempty"`
	Method         string    `json:"method,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher delivers events. Callers log publish errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher records events in memory for tests
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Publish records event, or returns Err when set
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

// Close does nothing
func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the recorded events
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Types returns the recorded event types in order
func (p *MemoryPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
