package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/pkg/offsync"
)

// Connectivity is the application's view of remote reachability.
// worker.ReplayWorker implements it.
type Connectivity interface {
	Online() bool
	Notify()
	MarkOffline()
}

// Handler implements the API handlers
type Handler struct {
	queue       *offsync.Queue
	records     store.RecordStore
	conn        Connectivity
	collections map[string]struct{}
	apiKey      string
	version     string
}

// NewHandler creates a new Handler. An empty apiKey disables authentication.
func NewHandler(q *offsync.Queue, records store.RecordStore, conn Connectivity, collections []string, apiKey, version string) *Handler {
	allowed := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		allowed[c] = struct{}{}
	}
	return &Handler{
		queue:       q,
		records:     records,
		conn:        conn,
		collections: allowed,
		apiKey:      apiKey,
		version:     version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Online  bool   `json:"online"`
	Pending int    `json:"pending"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		MapQueueError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Online:  h.conn.Online(),
		Pending: stats.Pending,
	})
}

// ConnectivityRequest is the body of POST /api/v1/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// Connectivity handles POST /api/v1/connectivity. Reporting online=true wakes
// the replay worker.
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Online == nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "online is required")
		return
	}

	if *req.Online {
		h.conn.Notify()
	} else {
		h.conn.MarkOffline()
	}

	slog.Info("connectivity reported",
		"component", "api",
		"online", *req.Online,
	)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
