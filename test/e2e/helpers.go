//go:build e2e

package e2e

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// remoteRequest is one mutation received by the fake remote.
type remoteRequest struct {
	Method         string
	Path           string
	Body           string
	IdempotencyKey string
	ClientID       string
	Status         int
}

// fakeRemote stands in for the remote API. It can be switched offline and
// told to reject requests whose body matches a value.
type fakeRemote struct {
	srv *httptest.Server

	mu       sync.Mutex
	offline  bool
	rejectOn map[string]int
	requests []remoteRequest
}

func startFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	r := &fakeRemote{rejectOn: make(map[string]int)}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRemote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if req.URL.Path == "/api/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, _ := io.ReadAll(req.Body)
	status := http.StatusCreated
	if s, ok := r.rejectOn[string(body)]; ok {
		status = s
	}
	r.requests = append(r.requests, remoteRequest{
		Method:         req.Method,
		Path:           req.URL.Path,
		Body:           string(body),
		IdempotencyKey: req.Header.Get("Idempotency-Key"),
		ClientID:       req.Header.Get("X-Client-ID"),
		Status:         status,
	})
	w.WriteHeader(status)
}

func (r *fakeRemote) URL() string {
	return r.srv.URL
}

func (r *fakeRemote) setOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// reject makes the remote answer status for bodies equal to body; 0 clears it.
func (r *fakeRemote) reject(body string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == 0 {
		delete(r.rejectOn, body)
		return
	}
	r.rejectOn[body] = status
}

// accepted returns the bodies of successfully applied mutations, in arrival order.
func (r *fakeRemote) accepted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.requests {
		if req.Status >= 200 && req.Status < 300 {
			out = append(out, req.Body)
		}
	}
	return out
}

func (r *fakeRemote) received() []remoteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remoteRequest(nil), r.requests...)
}
