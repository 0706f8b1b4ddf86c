// Package offsync buffers mutating actions performed while a client is offline
// and replays them against a remote API once connectivity returns.
//
// Replay is sequential, ordered and fail-stop: entry N+1 is never dispatched
// before entry N has succeeded, and the first failure ends the run. Failed
// entries stay pending and are attempted again by the next ReplayAll call.
//
// Usage:
//
//	q := offsync.NewQueue(store, client)
//	id, err := q.Enqueue(ctx, offsync.ActionCreateRecord, map[string]any{"name": "A"})
//	...
//	report, err := q.ReplayAll(ctx) // once the caller knows it is online
package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// Queue is the offline sync queue. It is safe for concurrent use.
type Queue struct {
	store      Store
	dispatcher Dispatcher
	actions    map[Action]struct{}
	observer   Observer
	now        func() time.Time
	leaseTTL   time.Duration

	// replaying admits at most one ReplayAll (or Clear) at a time in this
	// process; the store lease extends that to other processes.
	replaying *semaphore.Weighted
}

// Option configures a Queue.
type Option func(*Queue)

// WithActions replaces the recognized action set.
func WithActions(actions ...Action) Option {
	return func(q *Queue) {
		q.actions = make(map[Action]struct{}, len(actions))
		for _, a := range actions {
			q.actions[a] = struct{}{}
		}
	}
}

// WithObserver registers an observer for queue events.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLeaseTTL sets how long a replay lease lasts without renewal. It must
// exceed the longest single dispatch, since the lease is renewed between entries.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

// NewQueue creates a Queue over the given store and dispatcher.
func NewQueue(store Store, dispatcher Dispatcher, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		dispatcher: dispatcher,
		observer:   nopObserver{},
		now:        time.Now,
		leaseTTL:   DefaultLeaseTTL,
		replaying:  semaphore.NewWeighted(1),
	}
	WithActions(DefaultActions...)(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Recognizes reports whether action is in the recognized set.
func (q *Queue) Recognizes(action Action) bool {
	_, ok := q.actions[action]
	return ok
}

// Actions returns the recognized action set in sorted order.
func (q *Queue) Actions() []Action {
	out := make([]Action, 0, len(q.actions))
	for a := range q.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enqueue durably appends a pending entry and returns its ID.
// Enqueue may run while a replay is in flight; the new entry is picked up
// by the next ReplayAll.
func (q *Queue) Enqueue(ctx context.Context, action Action, payload any) (int64, error) {
	if !q.Recognizes(action) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	entry := &Entry{
		Key:        ulid.Make().String(),
		Action:     action,
		Payload:    raw,
		EnqueuedAt: q.now().UTC().Truncate(time.Millisecond),
	}

	id, err := q.store.Append(ctx, entry)
	if err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}

	q.observer.OnEnqueue(action)
	slog.Debug("entry enqueued",
		"component", "queue",
		"entry_id", id,
		"action", string(action),
	)
	return id, nil
}

// ReplayAll dispatches every pending entry in enqueue order, stopping at the
// first failure. The caller asserts connectivity; the queue never probes.
//
// Dispatch failures are reported in ReplayReport.FirstFailure, never returned.
// The returned error is ErrReplayInProgress when another run holds the queue,
// here or in another process sharing the store, or a *StorageError when
// pending entries cannot be read.
func (q *Queue) ReplayAll(ctx context.Context) (*ReplayReport, error) {
	lease, err := q.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.release(ctx)

	// Snapshot of the pending prefix; entries enqueued from here on belong to the next run.
	pending, err := q.store.Unsynced(ctx)
	if err != nil {
		return nil, &StorageError{Op: "read pending", Err: err}
	}

	report := &ReplayReport{Succeeded: []int64{}}
	for _, e := range pending {
		if err := lease.keep(ctx); err != nil {
			report.FirstFailure = &ReplayFailure{ID: e.ID, Action: e.Action, Err: err}
			break
		}

		start := time.Now()
		err := q.dispatcher.Dispatch(ctx, e)
		q.observer.OnDispatch(e.Action, time.Since(start), err)
		if err != nil {
			report.FirstFailure = &ReplayFailure{ID: e.ID, Action: e.Action, Err: err}
			break
		}

		// The remote already applied the entry, so record it even if ctx was cancelled meanwhile.
		if err := q.store.MarkSynced(context.WithoutCancel(ctx), e.ID, q.now().UTC()); err != nil {
			report.FirstFailure = &ReplayFailure{
				ID:     e.ID,
				Action: e.Action,
				Err:    &StorageError{Op: "mark synced", Err: err},
			}
			break
		}
		report.Succeeded = append(report.Succeeded, e.ID)
	}

	q.observer.OnReplay(report)
	if report.FirstFailure != nil {
		slog.Warn("replay halted",
			"component", "queue",
			"entry_id", report.FirstFailure.ID,
			"action", string(report.FirstFailure.Action),
			"succeeded", len(report.Succeeded),
			"remaining", len(pending)-len(report.Succeeded),
			"error", report.FirstFailure.Err,
		)
	} else if len(pending) > 0 {
		slog.Info("replay completed",
			"component", "queue",
			"succeeded", len(report.Succeeded),
		)
	}
	return report, nil
}

// Clear removes every entry, synced or not. It is rejected while a replay
// runs, including one in another process sharing the store.
func (q *Queue) Clear(ctx context.Context) error {
	lease, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.release(ctx)

	if err := q.store.Clear(ctx); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	slog.Info("queue cleared", "component", "queue")
	return nil
}

// Entries returns queue entries in enqueue order, optionally only pending ones.
func (q *Queue) Entries(ctx context.Context, pendingOnly bool) ([]Entry, error) {
	var (
		entries []Entry
		err     error
	)
	if pendingOnly {
		entries, err = q.store.Unsynced(ctx)
	} else {
		entries, err = q.store.List(ctx)
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return entries, nil
}

// Stats returns queue counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	return stats, nil
}

// Prune deletes entries synced before the cutoff. Pending entries are never
// touched.
func (q *Queue) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.store.PruneSynced(ctx, before)
	if err != nil {
		return 0, &StorageError{Op: "prune", Err: err}
	}
	if n > 0 {
		slog.Info("synced entries pruned",
			"component", "queue",
			"count", n,
			"before", before.Format(time.RFC3339),
		)
	}
	return n, nil
}

// encodePayload converts payload to compact JSON.
func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return buf.Bytes(), nil
}
