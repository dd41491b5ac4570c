package storage

import (
	"context"
	"time"

	"github.com/assistkit/agentgate/internal/models"
)

// ListFilter narrows an introspection listing. Zero values mean "no filter".
type ListFilter struct {
	Status models.Status
	Kind   string
	Limit  int
	Offset int
}

type Stats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Dispatched int64 `json:"dispatched"`
	Dead       int64 `json:"dead"`
}

// Storage is the persistence contract for the webhook outbox. Every
// mutation is a single atomic statement per row; no method requires a
// multi-row transaction.
type Storage interface {
	// CreateEntry inserts an entry. If the entry carries an idempotency
	// key that already exists, the existing entry's id is returned and
	// nothing is written (first write wins).
	CreateEntry(ctx context.Context, e *models.WebhookOutboxEntry) (string, error)
	GetEntry(ctx context.Context, id string) (*models.WebhookOutboxEntry, error)
	GetEntryByIdempotencyKey(ctx context.Context, key string) (*models.WebhookOutboxEntry, error)

	// ClaimPending atomically selects up to limit eligible entries,
	// stamps their lease with workerID, and returns them
	// oldest-eligible-first. Safe under concurrent callers: two workers
	// never receive the same entry.
	ClaimPending(ctx context.Context, workerID string, limit int) ([]models.WebhookOutboxEntry, error)

	// MarkDispatched records a successful delivery and releases the
	// lease. It is a no-op if the entry is already dispatched.
	MarkDispatched(ctx context.Context, id string, at time.Time) error

	// MarkFailed increments attempts, records the error, reschedules the
	// entry at nextRunAt, and releases the lease.
	MarkFailed(ctx context.Context, id string, lastError string, nextRunAt time.Time) error

	// ResetForRetry is the operator recovery path: attempts back to
	// zero, error cleared, eligible now, lease cleared. Returns false
	// for unknown or already-dispatched entries.
	ResetForRetry(ctx context.Context, id string) (bool, error)

	ListEntries(ctx context.Context, f ListFilter) ([]models.WebhookOutboxEntry, int64, error)
	GetStats(ctx context.Context) (*Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}
