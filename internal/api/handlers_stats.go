package api

import (
	"net/http"

	"github.com/assistkit/agentgate/internal/outbox"
)

type StatsHandler struct {
	queue *outbox.Queue
}

func NewStatsHandler(queue *outbox.Queue) *StatsHandler {
	return &StatsHandler{queue: queue}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "agentgate",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
