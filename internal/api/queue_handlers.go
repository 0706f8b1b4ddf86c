package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/offsync/internal/validation"
	"github.com/hyperengineering/offsync/pkg/offsync"
)

// EnqueueRequest is the body of POST /api/v1/queue.
type EnqueueRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueResponse is returned for an accepted entry.
type EnqueueResponse struct {
	ID int64 `json:"id"`
}

// QueueListResponse is the body of GET /api/v1/queue.
type QueueListResponse struct {
	Entries []offsync.Entry `json:"entries"`
}

// Enqueue handles POST /api/v1/queue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, validation.MaxPayloadBytes+4096)

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	actions := h.queue.Actions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	if errs := validation.ValidateEnqueueRequest(req.Action, req.Payload, names); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	id, err := h.queue.Enqueue(r.Context(), offsync.Action(req.Action), req.Payload)
	if err != nil {
		slog.Error("enqueue failed",
			"component", "api",
			"action", req.Action,
			"error", err,
		)
		MapQueueError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id})
}

// ListQueue handles GET /api/v1/queue?pending=true
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	pendingOnly := false
	if v := r.URL.Query().Get("pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "pending must be a boolean")
			return
		}
		pendingOnly = b
	}

	entries, err := h.queue.Entries(r.Context(), pendingOnly)
	if err != nil {
		slog.Error("list queue failed", "component", "api", "error", err)
		MapQueueError(w, r, err)
		return
	}
	if entries == nil {
		entries = []offsync.Entry{}
	}

	writeJSON(w, http.StatusOK, QueueListResponse{Entries: entries})
}

// QueueStats handles GET /api/v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "component", "api", "error", err)
		MapQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Replay handles POST /api/v1/queue/replay. The caller asserts connectivity.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	report, err := h.queue.ReplayAll(r.Context())
	if err != nil {
		MapQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ClearQueue handles DELETE /api/v1/queue
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context()); err != nil {
		MapQueueError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
