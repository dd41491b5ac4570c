package models

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusDead       Status = "dead"
)

// WebhookOutboxEntry is one queued HTTP delivery to the agent gateway.
// An entry is created by a producer, claimed by a dispatcher worker, and
// either marked dispatched (terminal) or rescheduled with backoff until
// its attempts are exhausted.
type WebhookOutboxEntry struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	Destination    string            `json:"destination"`
	Body           json.RawMessage   `json:"body"`
	Headers        map[string]string `json:"headers"`
	RunAt          time.Time         `json:"run_at"`
	Attempts       int               `json:"attempts"`
	LastError      *string           `json:"last_error,omitempty"`
	LockedAt       *time.Time        `json:"locked_at,omitempty"`
	LockedBy       *string           `json:"locked_by,omitempty"`
	DispatchedAt   *time.Time        `json:"dispatched_at,omitempty"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (e *WebhookOutboxEntry) Dispatched() bool {
	return e.DispatchedAt != nil
}

// Dead reports whether the entry exhausted its retry budget without being
// delivered. Dead entries are excluded from automatic dispatch but stay
// visible and can be reset by an operator.
func (e *WebhookOutboxEntry) Dead(maxAttempts int) bool {
	return e.DispatchedAt == nil && e.Attempts >= maxAttempts
}

// StatusOf derives the lifecycle state for dashboards and listings.
func (e *WebhookOutboxEntry) StatusOf(maxAttempts int) Status {
	switch {
	case e.Dispatched():
		return StatusDispatched
	case e.Dead(maxAttempts):
		return StatusDead
	default:
		return StatusPending
	}
}
