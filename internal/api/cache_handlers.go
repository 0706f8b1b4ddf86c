package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/validation"
	"github.com/hyperengineering/offsync/pkg/offsync"
)

// RecordListResponse is the body of GET /api/v1/cache/{collection}.
type RecordListResponse struct {
	Records []store.Record `json:"records"`
}

// PutRecord handles PUT /api/v1/cache/{collection}/{id}. The body is the record data.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validation.MaxPayloadBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Request body too large or unreadable")
		return
	}
	if verr := validation.ValidateJSON("data", body, validation.MaxPayloadBytes); verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}

	rec := store.Record{Collection: collection, ID: id, Data: json.RawMessage(body)}
	if err := h.records.PutRecord(r.Context(), rec); err != nil {
		mapRecordError(w, r, "put record", err)
		return
	}

	saved, err := h.records.GetRecord(r.Context(), collection, id)
	if err != nil {
		mapRecordError(w, r, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// GetRecord handles GET /api/v1/cache/{collection}/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	rec, err := h.records.GetRecord(r.Context(), collection, id)
	if err != nil {
		mapRecordError(w, r, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListRecords handles GET /api/v1/cache/{collection}
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())

	records, err := h.records.ListRecords(r.Context(), collection)
	if err != nil {
		mapRecordError(w, r, "list records", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: records})
}

// DeleteRecord handles DELETE /api/v1/cache/{collection}/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	if err := h.records.DeleteRecord(r.Context(), collection, id); err != nil {
		mapRecordError(w, r, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func recordID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateKey("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid record ID", []validation.ValidationError{*verr})
		return "", false
	}
	return id, true
}

func mapRecordError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "Record not found")
		return
	}
	slog.Error("record store failed",
		"component", "api",
		"op", op,
		"error", err,
	)
	MapQueueError(w, r, &offsync.StorageError{Op: op, Err: err})
}
