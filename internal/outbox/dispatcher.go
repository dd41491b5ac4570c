package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/assistkit/agentgate/internal/config"
	"github.com/assistkit/agentgate/internal/gateway"
	"github.com/assistkit/agentgate/internal/models"
	"github.com/assistkit/agentgate/internal/signing"
	"github.com/assistkit/agentgate/internal/storage"
)

// Result is the structured outcome of one dispatch attempt. Ordinary
// delivery failures are reported here, never as an error, so a poll loop
// can continue across a batch without special-casing.
type Result struct {
	Success bool
	Status  int
	Error   string
}

// Dispatcher performs the HTTP delivery of a claimed entry and persists
// the outcome: dispatched on 2xx, attempts+backoff otherwise.
type Dispatcher struct {
	store         storage.Storage
	resolver      *gateway.Resolver
	client        *http.Client
	signingSecret string
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	log           zerolog.Logger
}

func NewDispatcher(cfg config.DeliveryConfig, store storage.Storage, resolver *gateway.Resolver, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		// The per-request timeout comes from the resolved gateway
		// config, applied via context, so the client itself has none.
		client:        &http.Client{},
		signingSecret: cfg.SigningSecret,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		log:           log,
	}
}

// Dispatch delivers one entry. The returned error is reserved for store
// failures; everything about the delivery itself is in the Result. An
// unconfigured gateway is reported as a failure without touching the
// entry, so it burns no retry budget while the environment is fixed.
func (d *Dispatcher) Dispatch(ctx context.Context, e models.WebhookOutboxEntry) (Result, error) {
	cfg, err := d.resolver.Resolve()
	if err != nil {
		d.log.Warn().Str("entry_id", e.ID).Msg("agent gateway not configured, skipping dispatch")
		return Result{Success: false, Error: gateway.ErrNotConfigured.Error()}, nil
	}

	status, sendErr := d.send(ctx, cfg, e)
	now := time.Now().UTC()

	if sendErr == nil {
		if err := d.store.MarkDispatched(ctx, e.ID, now); err != nil {
			return Result{}, fmt.Errorf("mark dispatched %s: %w", e.ID, err)
		}
		d.log.Info().
			Str("entry_id", e.ID).
			Str("kind", e.Kind).
			Int("status_code", status).
			Msg("webhook dispatched")
		return Result{Success: true, Status: status}, nil
	}

	attempts := e.Attempts + 1
	nextRunAt := NextRunAt(now, attempts, d.backoffBase, d.backoffMax)
	if err := d.store.MarkFailed(ctx, e.ID, sendErr.Error(), nextRunAt); err != nil {
		return Result{}, fmt.Errorf("mark failed %s: %w", e.ID, err)
	}

	if Exhausted(attempts, d.maxAttempts) {
		d.log.Warn().
			Str("entry_id", e.ID).
			Str("kind", e.Kind).
			Int("attempts", attempts).
			Str("error", sendErr.Error()).
			Msg("webhook dead-lettered")
	} else {
		d.log.Info().
			Str("entry_id", e.ID).
			Int("attempt", attempts).
			Time("next_run_at", nextRunAt).
			Str("error", sendErr.Error()).
			Msg("webhook delivery failed, scheduled for retry")
	}

	return Result{Success: false, Status: status, Error: sendErr.Error()}, nil
}

// send performs the single outbound HTTP call. It returns the response
// status code (0 when no response was received) and a short diagnostic
// error on anything but a 2xx.
func (d *Dispatcher) send(ctx context.Context, cfg *gateway.Config, e models.WebhookOutboxEntry) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL+e.Destination, bytes.NewReader(e.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentgate/1.0")
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}
	// The resolved credentials always win over entry headers.
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	if cfg.Model != "" {
		req.Header.Set("X-Agentgate-Model", cfg.Model)
	}
	if d.signingSecret != "" {
		signature, timestamp := signing.Sign(d.signingSecret, e.Body)
		req.Header.Set("X-Agentgate-Timestamp", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-Agentgate-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("request timed out after %s", cfg.Timeout)
		}
		return 0, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
