package offsync

import (
	"context"
	"encoding/json"
	"time"
)

// Action identifies which remote endpoint and semantics apply to an entry.
type Action string

const (
	ActionCreateRecord  Action = "createRecord"
	ActionUpdateRecord  Action = "updateRecord"
	ActionFileReport    Action = "fileReport"
	ActionCreateProduct Action = "createProduct"
	ActionUpdateProduct Action = "updateProduct"
	ActionCreateOrder   Action = "createOrder"
	ActionFileComplaint Action = "fileComplaint"
)

// DefaultActions are recognized when a Queue is built without WithActions.
var DefaultActions = []Action{
	ActionCreateRecord,
	ActionUpdateRecord,
	ActionFileReport,
	ActionCreateProduct,
	ActionUpdateProduct,
	ActionCreateOrder,
	ActionFileComplaint,
}

// Entry is one buffered mutating action awaiting remote application.
// Entries are immutable once appended, except for the single Synced flip.
type Entry struct {
	ID         int64           `json:"id"`
	Key        string          `json:"key"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Synced     bool            `json:"synced"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
}

// ReplayReport describes the outcome of a single ReplayAll run.
type ReplayReport struct {
	Succeeded    []int64        `json:"succeeded"`
	FirstFailure *ReplayFailure `json:"first_failure"`
}

// Clean reports whether every attempted entry was applied.
func (r *ReplayReport) Clean() bool {
	return r.FirstFailure == nil
}

// Stats summarizes queue contents.
type Stats struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Synced        int        `json:"synced"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Store is the durable record store backing a Queue.
// List and Unsynced must return entries in ascending ID order.
type Store interface {
	Append(ctx context.Context, e *Entry) (int64, error)
	List(ctx context.Context) ([]Entry, error)
	Unsynced(ctx context.Context) ([]Entry, error)
	// MarkSynced flips synced for id. Marking an already synced entry is a no-op.
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	Clear(ctx context.Context) error
	PruneSynced(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)

	// ClaimReplayLease takes or renews the store-wide replay lease for owner
	// until the given time. It reports false while another owner holds a lease
	// that has not expired at now. Queues in different processes sharing one
	// store use it to admit a single replay or clear at a time.
	ClaimReplayLease(ctx context.Context, owner string, now, until time.Time) (bool, error)
	// ReleaseReplayLease drops the lease if owner still holds it.
	ReleaseReplayLease(ctx context.Context, owner string) error
}

// Dispatcher sends a single entry to the remote API.
// A nil return means the remote accepted the mutation.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Entry) error
}

// Observer receives queue events. Implementations must be safe for concurrent use.
type Observer interface {
	OnEnqueue(action Action)
	OnDispatch(action Action, d time.Duration, err error)
	OnReplay(report *ReplayReport)
}

type nopObserver struct{}

func (nopObserver) OnEnqueue(Action)                        {}
func (nopObserver) OnDispatch(Action, time.Duration, error) {}
func (nopObserver) OnReplay(*ReplayReport)                  {}
