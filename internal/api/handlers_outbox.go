package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/assistkit/agentgate/internal/models"
	"github.com/assistkit/agentgate/internal/outbox"
	"github.com/assistkit/agentgate/internal/storage"
)

type OutboxHandler struct {
	queue *outbox.Queue
}

func NewOutboxHandler(queue *outbox.Queue) *OutboxHandler {
	return &OutboxHandler{queue: queue}
}

type enqueueRequest struct {
	Kind           string            `json:"kind"`
	Destination    string            `json:"destination"`
	Body           json.RawMessage   `json:"body"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	RunAt          *time.Time        `json:"run_at,omitempty"`
}

const maxBodySize = 256 * 1024 // 256KB

func (h *OutboxHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := outbox.EnqueueOptions{
		IdempotencyKey: req.IdempotencyKey,
		Headers:        req.Headers,
	}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}

	id, err := h.queue.Enqueue(r.Context(), req.Kind, req.Destination, req.Body, opts)
	switch err {
	case nil:
	case outbox.ErrKindRequired, outbox.ErrDestinationRequired, outbox.ErrBodyRequired, outbox.ErrInvalidBody:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, "failed to enqueue webhook")
		return
	}

	entry, err := h.queue.Get(r.Context(), id)
	if err != nil || entry == nil {
		writeError(w, http.StatusInternalServerError, "failed to load enqueued entry")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *OutboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get entry")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type listResponse struct {
	Entries []models.WebhookOutboxEntry `json:"entries"`
	Total   int64                       `json:"total"`
}

func (h *OutboxHandler) List(w http.ResponseWriter, r *http.Request) {
	f := storage.ListFilter{
		Kind: r.URL.Query().Get("kind"),
	}

	switch status := r.URL.Query().Get("status"); status {
	case "":
	case string(models.StatusPending), string(models.StatusDispatched), string(models.StatusDead):
		f.Status = models.Status(status)
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, dispatched, or dead")
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Offset = n
		}
	}

	entries, total, err := h.queue.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	if entries == nil {
		entries = []models.WebhookOutboxEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: entries, Total: total})
}

func (h *OutboxHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get entry")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}

	ok, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retry entry")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "entry already dispatched")
		return
	}

	entry, err = h.queue.Get(r.Context(), id)
	if err != nil || entry == nil {
		writeError(w, http.StatusInternalServerError, "failed to load entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
