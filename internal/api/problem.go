package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/validation"
	"github.com/hyperengineering/offsync/pkg/offsync"
)

const problemBaseURI = "https://offsync.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// problemKind names a class of failure. Generic kinds are looked up by status;
// queue kinds are chosen by MapQueueError from the error itself.
type problemKind struct {
	slug   string
	title  string
	status int
}

var statusKinds = map[int]problemKind{
	http.StatusBadRequest:          {"bad-request", "Bad Request", http.StatusBadRequest},
	http.StatusUnauthorized:        {"unauthorized", "Unauthorized", http.StatusUnauthorized},
	http.StatusNotFound:            {"not-found", "Not Found", http.StatusNotFound},
	http.StatusConflict:            {"conflict", "Conflict", http.StatusConflict},
	http.StatusUnprocessableEntity: {"validation-error", "Validation Error", http.StatusUnprocessableEntity},
	http.StatusInternalServerError: {"internal-error", "Internal Server Error", http.StatusInternalServerError},
	http.StatusServiceUnavailable:  {"service-unavailable", "Service Unavailable", http.StatusServiceUnavailable},
}

var (
	kindReplayInProgress   = problemKind{"replay-in-progress", "Replay In Progress", http.StatusConflict}
	kindUnknownAction      = problemKind{"unknown-action", "Unknown Action", http.StatusUnprocessableEntity}
	kindInvalidPayload     = problemKind{"invalid-payload", "Invalid Payload", http.StatusUnprocessableEntity}
	kindStorageUnavailable = problemKind{"storage-unavailable", "Storage Unavailable", http.StatusServiceUnavailable}
)

func kindForStatus(status int) problemKind {
	if k, ok := statusKinds[status]; ok {
		return k
	}
	return problemKind{"unknown", http.StatusText(status), status}
}

func (k problemKind) problem(r *http.Request, detail string) Problem {
	return Problem{
		Type:     problemBaseURI + k.slug,
		Title:    k.title,
		Status:   k.status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response for a generic status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, kindForStatus(status).problem(r, detail))
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	k := kindForStatus(http.StatusUnprocessableEntity)
	writeProblemBody(w, k.status, ProblemWithErrors{
		Problem: k.problem(r, detail),
		Errors:  errs,
	})
}

// MapQueueError converts queue and store errors to Problem Details responses.
// Storage failures are logged here and reported without their cause.
func MapQueueError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		k      problemKind
		detail string
	)
	switch {
	case errors.Is(err, offsync.ErrReplayInProgress):
		k, detail = kindReplayInProgress, "A replay is already in progress"
	case errors.Is(err, offsync.ErrUnknownAction):
		k, detail = kindUnknownAction, err.Error()
	case errors.Is(err, offsync.ErrInvalidPayload):
		k, detail = kindInvalidPayload, err.Error()
	case errors.Is(err, store.ErrNotFound):
		k, detail = kindForStatus(http.StatusNotFound), "Resource not found"
	case errors.Is(err, offsync.ErrStorage):
		slog.Error("local storage failure", "component", "api", "path", r.URL.Path, "error", err)
		k, detail = kindStorageUnavailable, "Local storage unavailable"
	default:
		slog.Error("unhandled queue error", "component", "api", "path", r.URL.Path, "error", err)
		k, detail = kindForStatus(http.StatusInternalServerError), "Internal Server Error"
	}
	writeProblemBody(w, k.status, k.problem(r, detail))
}
