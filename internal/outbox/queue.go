package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/assistkit/agentgate/internal/models"
	"github.com/assistkit/agentgate/internal/storage"
)

var (
	ErrKindRequired        = errors.New("outbox entry kind is required")
	ErrDestinationRequired = errors.New("outbox entry destination is required")
	ErrBodyRequired        = errors.New("outbox entry body is required")
	ErrInvalidBody         = errors.New("outbox entry body must be valid JSON")
)

// EnqueueOptions carries the optional parts of a new entry.
type EnqueueOptions struct {
	IdempotencyKey string
	Headers        map[string]string
	RunAt          time.Time
}

// Queue is the producer and operator surface of the outbox: idempotent
// enqueue, manual retry, and introspection. Delivery itself is the
// Dispatcher's job.
type Queue struct {
	store storage.Storage
	log   zerolog.Logger
}

func NewQueue(store storage.Storage, log zerolog.Logger) *Queue {
	return &Queue{store: store, log: log}
}

// Enqueue durably records a delivery and returns its id. When an
// idempotency key is supplied and an entry with that key already exists,
// the existing id is returned and the new body and headers are discarded.
func (q *Queue) Enqueue(ctx context.Context, kind, destination string, body json.RawMessage, opts EnqueueOptions) (string, error) {
	if kind == "" {
		return "", ErrKindRequired
	}
	if destination == "" {
		return "", ErrDestinationRequired
	}
	if len(body) == 0 {
		return "", ErrBodyRequired
	}
	if !json.Valid(body) {
		return "", ErrInvalidBody
	}
	if !strings.HasPrefix(destination, "/") {
		destination = "/" + destination
	}

	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	headers := opts.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	e := &models.WebhookOutboxEntry{
		ID:          models.NewID("wh"),
		Kind:        kind,
		Destination: destination,
		Body:        body,
		Headers:     headers,
		RunAt:       runAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		e.IdempotencyKey = &key
	}

	id, err := q.store.CreateEntry(ctx, e)
	if err != nil {
		return "", err
	}

	evt := q.log.Debug().Str("entry_id", id).Str("kind", kind).Str("destination", destination)
	if id != e.ID {
		evt = evt.Str("idempotency_key", opts.IdempotencyKey).Bool("deduplicated", true)
	}
	evt.Msg("webhook enqueued")

	return id, nil
}

// Retry resets a failed or dead entry for immediate re-dispatch. It
// returns false without mutating anything when the entry does not exist
// or was already dispatched.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.ResetForRetry(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		q.log.Info().Str("entry_id", id).Msg("entry reset for retry")
	}
	return ok, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.WebhookOutboxEntry, error) {
	return q.store.GetEntry(ctx, id)
}

func (q *Queue) List(ctx context.Context, f storage.ListFilter) ([]models.WebhookOutboxEntry, int64, error) {
	return q.store.ListEntries(ctx, f)
}

func (q *Queue) Stats(ctx context.Context) (*storage.Stats, error) {
	return q.store.GetStats(ctx)
}
