package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/assistkit/agentgate/internal/models"
)

const (
	defaultMaxAttempts = 8
	defaultLeaseTTL    = 5 * time.Minute
	maxErrorLen        = 1024
)

// Options tunes the eligibility predicate. MaxAttempts bounds the retry
// budget; LeaseTTL is how long a claim is honored before the entry is
// considered abandoned and reclaimable.
type Options struct {
	MaxAttempts int
	LeaseTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = defaultLeaseTTL
	}
	return o
}

type SQLiteStorage struct {
	db   *sql.DB
	opts Options
}

var _ Storage = (*SQLiteStorage)(nil)

func NewSQLite(path string, opts Options) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS webhook_outbox (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			destination TEXT NOT NULL,
			body TEXT NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			run_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			locked_at DATETIME,
			locked_by TEXT,
			dispatched_at DATETIME,
			idempotency_key TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency_key ON webhook_outbox(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON webhook_outbox(run_at, created_at) WHERE dispatched_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_kind ON webhook_outbox(kind)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const entryColumns = `id, kind, destination, body, headers, run_at, attempts, last_error, locked_at, locked_by, dispatched_at, idempotency_key, created_at, updated_at`

func (s *SQLiteStorage) CreateEntry(ctx context.Context, e *models.WebhookOutboxEntry) (string, error) {
	headers := e.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	var key sql.NullString
	if e.IdempotencyKey != nil {
		key = sql.NullString{String: *e.IdempotencyKey, Valid: true}
	}

	// The partial unique index on idempotency_key is the source of truth
	// for deduplication; INSERT OR IGNORE turns the constraint violation
	// into a zero-row insert instead of an error.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_outbox (id, kind, destination, body, headers, run_at, attempts, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		e.ID, e.Kind, e.Destination, string(e.Body), string(headersJSON), e.RunAt, key, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return "", err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n > 0 {
		return e.ID, nil
	}

	if e.IdempotencyKey == nil {
		return "", fmt.Errorf("insert ignored for entry %s without idempotency key", e.ID)
	}
	existing, err := s.GetEntryByIdempotencyKey(ctx, *e.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", fmt.Errorf("entry with idempotency key %q vanished after conflict", *e.IdempotencyKey)
	}
	return existing.ID, nil
}

func (s *SQLiteStorage) GetEntry(ctx context.Context, id string) (*models.WebhookOutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM webhook_outbox WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStorage) GetEntryByIdempotencyKey(ctx context.Context, key string) (*models.WebhookOutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM webhook_outbox WHERE idempotency_key = ?`, key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStorage) ClaimPending(ctx context.Context, workerID string, limit int) ([]models.WebhookOutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	leaseCutoff := now.Add(-s.opts.LeaseTTL)

	// Selection and lease stamping in one statement so two workers can
	// never both claim the same row.
	rows, err := s.db.QueryContext(ctx,
		`UPDATE webhook_outbox
		 SET locked_at = ?, locked_by = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM webhook_outbox
			WHERE dispatched_at IS NULL
			  AND attempts < ?
			  AND run_at <= ?
			  AND (locked_at IS NULL OR locked_at <= ?)
			ORDER BY run_at ASC, created_at ASC
			LIMIT ?
		 )
		 RETURNING `+entryColumns,
		now, workerID, now,
		s.opts.MaxAttempts, now, leaseCutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not promise the subquery's order.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].RunAt.Equal(entries[j].RunAt) {
			return entries[i].RunAt.Before(entries[j].RunAt)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *SQLiteStorage) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox
		 SET dispatched_at = ?, last_error = NULL, locked_at = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND dispatched_at IS NULL`,
		at, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) MarkFailed(ctx context.Context, id string, lastError string, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox
		 SET attempts = attempts + 1, last_error = ?, run_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND dispatched_at IS NULL`,
		truncateError(lastError), nextRunAt, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) ResetForRetry(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox
		 SET attempts = 0, last_error = NULL, run_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND dispatched_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) ListEntries(ctx context.Context, f ListFilter) ([]models.WebhookOutboxEntry, int64, error) {
	where, args := s.buildFilter(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM webhook_outbox`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *SQLiteStorage) buildFilter(f ListFilter) (string, []any) {
	var clauses []string
	var args []any

	switch f.Status {
	case models.StatusPending:
		clauses = append(clauses, `dispatched_at IS NULL AND attempts < ? AND run_at <= ?`)
		args = append(args, s.opts.MaxAttempts, time.Now().UTC())
	case models.StatusDispatched:
		clauses = append(clauses, `dispatched_at IS NOT NULL`)
	case models.StatusDead:
		clauses = append(clauses, `dispatched_at IS NULL AND attempts >= ?`)
		args = append(args, s.opts.MaxAttempts)
	}
	if f.Kind != "" {
		clauses = append(clauses, `kind = ?`)
		args = append(args, f.Kind)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	now := time.Now().UTC()

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox`).Scan(&stats.Total); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox WHERE dispatched_at IS NULL AND attempts < ? AND run_at <= ?`,
		s.opts.MaxAttempts, now).Scan(&stats.Pending); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox WHERE dispatched_at IS NOT NULL`).Scan(&stats.Dispatched); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox WHERE dispatched_at IS NULL AND attempts >= ?`,
		s.opts.MaxAttempts).Scan(&stats.Dead); err != nil {
		return nil, err
	}

	return stats, nil
}

func scanEntry(row interface{ Scan(...interface{}) error }) (*models.WebhookOutboxEntry, error) {
	var (
		e          models.WebhookOutboxEntry
		body       string
		headers    string
		lastError  sql.NullString
		lockedAt   sql.NullTime
		lockedBy   sql.NullString
		dispatched sql.NullTime
		idemKey    sql.NullString
	)
	err := row.Scan(&e.ID, &e.Kind, &e.Destination, &body, &headers, &e.RunAt, &e.Attempts,
		&lastError, &lockedAt, &lockedBy, &dispatched, &idemKey, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Body = json.RawMessage(body)
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers for entry %s: %w", e.ID, err)
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		e.LockedAt = &t
	}
	if lockedBy.Valid {
		e.LockedBy = &lockedBy.String
	}
	if dispatched.Valid {
		t := dispatched.Time
		e.DispatchedAt = &t
	}
	if idemKey.Valid {
		e.IdempotencyKey = &idemKey.String
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]models.WebhookOutboxEntry, error) {
	var entries []models.WebhookOutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}
