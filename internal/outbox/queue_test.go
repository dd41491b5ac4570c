package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/assistkit/agentgate/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, storage.Storage) {
	t.Helper()

	store, err := storage.NewSQLite(":memory:", storage.Options{
		MaxAttempts: 3,
		LeaseTTL:    time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	return NewQueue(store, zerolog.Nop()), store
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	body := json.RawMessage(`{"n":1}`)

	_, err := q.Enqueue(ctx, "", "/hooks/sms", body, EnqueueOptions{})
	require.ErrorIs(t, err, ErrKindRequired)

	_, err = q.Enqueue(ctx, "sms.received", "", body, EnqueueOptions{})
	require.ErrorIs(t, err, ErrDestinationRequired)

	_, err = q.Enqueue(ctx, "sms.received", "/hooks/sms", nil, EnqueueOptions{})
	require.ErrorIs(t, err, ErrBodyRequired)

	_, err = q.Enqueue(ctx, "sms.received", "/hooks/sms", json.RawMessage(`{broken`), EnqueueOptions{})
	require.ErrorIs(t, err, ErrInvalidBody)
}

func TestEnqueueDefaults(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	before := time.Now().UTC()
	id, err := q.Enqueue(ctx, "sms.received", "hooks/sms", json.RawMessage(`{"n":1}`), EnqueueOptions{})
	require.NoError(t, err)

	e, err := store.GetEntry(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "/hooks/sms", e.Destination, "destination gets a leading slash")
	require.Equal(t, 0, e.Attempts)
	require.Nil(t, e.DispatchedAt)
	require.Nil(t, e.LockedAt)
	require.NotNil(t, e.Headers)
	require.Empty(t, e.Headers)
	require.False(t, e.RunAt.Before(before.Add(-time.Second)))
	require.False(t, e.RunAt.After(time.Now().UTC().Add(time.Second)))
}

func TestEnqueueIdempotent(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	opts := EnqueueOptions{IdempotencyKey: "reminder-42"}
	id1, err := q.Enqueue(ctx, "reminder.due", "/hooks/reminder", json.RawMessage(`{"v":1}`), opts)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "reminder.due", "/hooks/reminder", json.RawMessage(`{"v":2}`), opts)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	e, err := store.GetEntryByIdempotencyKey(ctx, "reminder-42")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(e.Body), "first write wins")

	_, total, err := store.ListEntries(ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestEnqueueScheduled(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	runAt := time.Now().UTC().Add(time.Hour)
	id, err := q.Enqueue(ctx, "deadline.approaching", "/hooks/deadline", json.RawMessage(`{}`), EnqueueOptions{RunAt: runAt})
	require.NoError(t, err)

	claimed, err := store.ClaimPending(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Empty(t, claimed, "scheduled entry must not be claimable early")

	e, err := store.GetEntry(ctx, id)
	require.NoError(t, err)
	require.WithinDuration(t, runAt, e.RunAt, time.Second)
}

func TestQueueScenarioFiveWebhooks(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	base := time.Now().UTC().Add(-5 * time.Minute)
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, "sms.received", "/hooks/sms", json.RawMessage(`{"seq":1}`), EnqueueOptions{
			RunAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	claimed, err := store.ClaimPending(ctx, "worker-a", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, ids[0], claimed[0].ID)
	require.Equal(t, ids[1], claimed[1].ID)
	require.Equal(t, ids[2], claimed[2].ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.Pending)
	require.EqualValues(t, 0, stats.Dispatched)
}

func TestQueueRetry(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := q.Retry(ctx, "wh_missing")
	require.NoError(t, err)
	require.False(t, ok)

	id, err := q.Enqueue(ctx, "sms.received", "/hooks/sms", json.RawMessage(`{}`), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, id, "gateway returned status 503", now.Add(time.Hour)))

	ok, err = q.Retry(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 0, e.Attempts)
	require.Nil(t, e.LastError)
	require.False(t, e.RunAt.After(time.Now().UTC()))

	require.NoError(t, store.MarkDispatched(ctx, id, time.Now().UTC()))
	ok, err = q.Retry(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "dispatched entries are immutable history")
}
