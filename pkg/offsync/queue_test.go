package offsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/pkg/offsync"
)

// --- Mock Implementations ---

// mockDispatcher records dispatch order and fails the IDs listed in failIDs.
type mockDispatcher struct {
	mu         sync.Mutex
	dispatched []int64
	failIDs    map[int64]error
	onDispatch func(e offsync.Entry)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, e offsync.Entry) error {
	if m.onDispatch != nil {
		m.onDispatch(e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, e.ID)
	if err, ok := m.failIDs[e.ID]; ok {
		return err
	}
	return nil
}

func (m *mockDispatcher) calls() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.dispatched...)
}

// failingStore wraps a real store and injects errors per operation.
type failingStore struct {
	offsync.Store
	appendErr     error
	unsyncedErr   error
	markSyncedErr error
	clearErr      error
}

func (f *failingStore) Append(ctx context.Context, e *offsync.Entry) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.Store.Append(ctx, e)
}

func (f *failingStore) Unsynced(ctx context.Context) ([]offsync.Entry, error) {
	if f.unsyncedErr != nil {
		return nil, f.unsyncedErr
	}
	return f.Store.Unsynced(ctx)
}

func (f *failingStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	if f.markSyncedErr != nil {
		return f.markSyncedErr
	}
	return f.Store.MarkSynced(ctx, id, at)
}

func (f *failingStore) Clear(ctx context.Context) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	return f.Store.Clear(ctx)
}

type recordingObserver struct {
	mu        sync.Mutex
	enqueued  []offsync.Action
	dispatchs int
	failures  int
	reports   []*offsync.ReplayReport
}

func (o *recordingObserver) OnEnqueue(a offsync.Action) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueued = append(o.enqueued, a)
}

func (o *recordingObserver) OnDispatch(a offsync.Action, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatchs++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) OnReplay(r *offsync.ReplayReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnqueue(t *testing.T, q *offsync.Queue, action offsync.Action, payload any) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), action, payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func pendingIDs(t *testing.T, q *offsync.Queue) []int64 {
	t.Helper()
	entries, err := q.Entries(context.Background(), true)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Tests ---

func TestQueue_ReplayPreservesEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	d := &mockDispatcher{}
	q := offsync.NewQueue(newTestStore(t), d)

	// Given: Five entries enqueued
	var want []int64
	for i := 0; i < 5; i++ {
		want = append(want, mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]int{"n": i}))
	}

	// When: Replaying
	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}

	// Then: Dispatch order equals enqueue order
	if !equalIDs(d.calls(), want) {
		t.Errorf("expected dispatch order %v, got %v", want, d.calls())
	}
	if !equalIDs(report.Succeeded, want) {
		t.Errorf("expected succeeded %v, got %v", want, report.Succeeded)
	}
	if !report.Clean() {
		t.Errorf("expected clean report, got failure %v", report.FirstFailure)
	}
}

func TestQueue_ReplayIsFailStop(t *testing.T) {
	ctx := context.Background()
	remoteErr := errors.New("503 from remote")
	d := &mockDispatcher{failIDs: map[int64]error{}}
	q := offsync.NewQueue(newTestStore(t), d)

	id1 := mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{"name": "A"})
	id2 := mustEnqueue(t, q, offsync.ActionUpdateRecord, map[string]string{"name": "A2"})
	id3 := mustEnqueue(t, q, offsync.ActionFileReport, map[string]string{"r": "x"})
	d.failIDs[id2] = remoteErr

	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}

	// Entry 3 is never attempted once entry 2 fails.
	if !equalIDs(d.calls(), []int64{id1, id2}) {
		t.Errorf("expected dispatches [%d %d], got %v", id1, id2, d.calls())
	}
	if !equalIDs(report.Succeeded, []int64{id1}) {
		t.Errorf("expected succeeded [%d], got %v", id1, report.Succeeded)
	}
	if report.FirstFailure == nil || report.FirstFailure.ID != id2 {
		t.Fatalf("expected first failure on %d, got %+v", id2, report.FirstFailure)
	}
	if !errors.Is(report.FirstFailure, remoteErr) {
		t.Errorf("expected failure to wrap remote error, got %v", report.FirstFailure.Err)
	}
	if !equalIDs(pendingIDs(t, q), []int64{id2, id3}) {
		t.Errorf("expected %d and %d to remain pending, got %v", id2, id3, pendingIDs(t, q))
	}
}

func TestQueue_SecondReplayFindsNothing(t *testing.T) {
	ctx := context.Background()
	d := &mockDispatcher{}
	q := offsync.NewQueue(newTestStore(t), d)

	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{"name": "A"})
	mustEnqueue(t, q, offsync.ActionUpdateRecord, map[string]string{"name": "A2"})

	if _, err := q.ReplayAll(ctx); err != nil {
		t.Fatalf("first ReplayAll failed: %v", err)
	}
	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("second ReplayAll failed: %v", err)
	}

	if len(report.Succeeded) != 0 || report.FirstFailure != nil {
		t.Errorf("expected empty second report, got %+v", report)
	}
	if len(d.calls()) != 2 {
		t.Errorf("expected 2 dispatches in total, got %d", len(d.calls()))
	}
}

func TestQueue_EnqueueIsDurableAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	id := mustEnqueue(t, offsync.NewQueue(s, &mockDispatcher{}), offsync.ActionCreateRecord, map[string]string{"name": "A"})
	s.Close()

	// Simulated restart: a new store handle and a new queue.
	reopened, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	q := offsync.NewQueue(reopened, &mockDispatcher{})

	entries, err := q.Entries(ctx, false)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].Synced {
		t.Fatalf("expected pending entry %d after restart, got %+v", id, entries)
	}
}

func TestQueue_EnqueueDuringReplayWaitsForNextRun(t *testing.T) {
	ctx := context.Background()
	d := &mockDispatcher{}
	q := offsync.NewQueue(newTestStore(t), d)

	id1 := mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{"name": "A"})

	// Given: A dispatcher that enqueues a new entry while the first is in flight
	var lateID int64
	d.onDispatch = func(e offsync.Entry) {
		if e.ID == id1 {
			lateID = mustEnqueue(t, q, offsync.ActionUpdateRecord, map[string]string{"name": "late"})
		}
	}

	// When: Replaying
	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}

	// Then: The late entry is not part of this run
	if !equalIDs(report.Succeeded, []int64{id1}) {
		t.Errorf("expected only %d in first run, got %v", id1, report.Succeeded)
	}

	// And: The next run picks it up
	d.onDispatch = nil
	report, err = q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("second ReplayAll failed: %v", err)
	}
	if !equalIDs(report.Succeeded, []int64{lateID}) {
		t.Errorf("expected late entry %d in second run, got %v", lateID, report.Succeeded)
	}
}

func TestQueue_FailThenRetryScenario(t *testing.T) {
	ctx := context.Background()
	d := &mockDispatcher{failIDs: map[int64]error{}}
	q := offsync.NewQueue(newTestStore(t), d)

	id1 := mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{"name": "A"})
	id2 := mustEnqueue(t, q, offsync.ActionUpdateRecord, map[string]string{"name": "A2"})
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", id1, id2)
	}

	// First attempt: the remote rejects id 1
	d.failIDs[id1] = errors.New("network unreachable")
	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if len(report.Succeeded) != 0 {
		t.Errorf("expected no successes, got %v", report.Succeeded)
	}
	if report.FirstFailure == nil || report.FirstFailure.ID != 1 {
		t.Fatalf("expected first failure on id 1, got %+v", report.FirstFailure)
	}
	if !equalIDs(pendingIDs(t, q), []int64{1, 2}) {
		t.Errorf("expected both entries pending, got %v", pendingIDs(t, q))
	}

	// Retry: the remote now accepts both
	delete(d.failIDs, id1)
	report, err = q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("retry ReplayAll failed: %v", err)
	}
	if !equalIDs(report.Succeeded, []int64{1, 2}) || report.FirstFailure != nil {
		t.Errorf("expected {succeeded:[1 2], firstFailure:nil}, got %+v", report)
	}

	entries, _ := q.Entries(ctx, false)
	for _, e := range entries {
		if !e.Synced || e.SyncedAt == nil {
			t.Errorf("expected entry %d synced, got %+v", e.ID, e)
		}
	}
}

func TestQueue_ConcurrentReplayRejected(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	d := &mockDispatcher{
		onDispatch: func(offsync.Entry) {
			close(started)
			<-release
		},
	}
	q := offsync.NewQueue(newTestStore(t), d)
	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{"name": "A"})

	done := make(chan error, 1)
	go func() {
		_, err := q.ReplayAll(ctx)
		done <- err
	}()
	<-started

	// While the first run is blocked in dispatch, a second run and a clear are rejected.
	if _, err := q.ReplayAll(ctx); !errors.Is(err, offsync.ErrReplayInProgress) {
		t.Errorf("expected ErrReplayInProgress, got %v", err)
	}
	if err := q.Clear(ctx); !errors.Is(err, offsync.ErrReplayInProgress) {
		t.Errorf("expected Clear to be rejected, got %v", err)
	}

	// Enqueue is still allowed.
	if _, err := q.Enqueue(ctx, offsync.ActionCreateRecord, map[string]string{"name": "B"}); err != nil {
		t.Errorf("expected Enqueue during replay to succeed, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first ReplayAll failed: %v", err)
	}
}

func TestQueue_EnqueueRejectsUnknownAction(t *testing.T) {
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{})

	_, err := q.Enqueue(context.Background(), "dropTables", map[string]string{})
	if !errors.Is(err, offsync.ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestQueue_WithActionsReplacesDefaults(t *testing.T) {
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{}, offsync.WithActions("syncNote"))

	if q.Recognizes(offsync.ActionCreateRecord) {
		t.Error("expected default action to be replaced")
	}
	if _, err := q.Enqueue(context.Background(), "syncNote", nil); err != nil {
		t.Errorf("expected custom action to be accepted, got %v", err)
	}
}

func TestQueue_ActionsSorted(t *testing.T) {
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{}, offsync.WithActions("zeta", "alpha", "mid"))

	got := q.Actions()
	want := []offsync.Action{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestQueue_EnqueueRejectsUnserializablePayload(t *testing.T) {
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{})

	tests := []struct {
		name    string
		payload any
	}{
		{"channel", make(chan int)},
		{"func", func() {}},
		{"invalid raw JSON", json.RawMessage(`{"a":`)},
		{"invalid bytes", []byte("not json")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), offsync.ActionCreateRecord, tc.payload)
			if !errors.Is(err, offsync.ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestQueue_EnqueueCompactsRawPayload(t *testing.T) {
	ctx := context.Background()
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{})

	mustEnqueue(t, q, offsync.ActionCreateRecord, json.RawMessage("{ \"name\" : \"A\" }"))

	entries, _ := q.Entries(ctx, false)
	if string(entries[0].Payload) != `{"name":"A"}` {
		t.Errorf("expected compact payload, got %s", entries[0].Payload)
	}
	if entries[0].Key == "" {
		t.Error("expected idempotency key to be assigned")
	}
}

func TestQueue_EnqueueStorageError(t *testing.T) {
	diskFull := errors.New("database or disk is full")
	fs := &failingStore{Store: newTestStore(t), appendErr: diskFull}
	q := offsync.NewQueue(fs, &mockDispatcher{})

	_, err := q.Enqueue(context.Background(), offsync.ActionCreateRecord, map[string]string{})

	var storageErr *offsync.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected *StorageError, got %T: %v", err, err)
	}
	if storageErr.Op != "enqueue" {
		t.Errorf("expected op enqueue, got %q", storageErr.Op)
	}
	if !errors.Is(err, offsync.ErrStorage) || !errors.Is(err, diskFull) {
		t.Errorf("expected error to match ErrStorage and the cause, got %v", err)
	}
}

func TestQueue_ReplayReadFailureReturnsStorageError(t *testing.T) {
	fs := &failingStore{Store: newTestStore(t), unsyncedErr: errors.New("disk I/O error")}
	q := offsync.NewQueue(fs, &mockDispatcher{})

	report, err := q.ReplayAll(context.Background())
	if !errors.Is(err, offsync.ErrStorage) {
		t.Errorf("expected storage error, got %v", err)
	}
	if report != nil {
		t.Errorf("expected nil report, got %+v", report)
	}
}

func TestQueue_MarkSyncedFailureHaltsReplay(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	fs := &failingStore{Store: base}
	d := &mockDispatcher{}
	q := offsync.NewQueue(fs, d)

	id1 := mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{})
	mustEnqueue(t, q, offsync.ActionUpdateRecord, map[string]string{})
	fs.markSyncedErr = errors.New("readonly database")

	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}

	if len(d.calls()) != 1 {
		t.Errorf("expected replay to stop after first dispatch, got %v", d.calls())
	}
	if report.FirstFailure == nil || report.FirstFailure.ID != id1 {
		t.Fatalf("expected failure on %d, got %+v", id1, report.FirstFailure)
	}
	if !errors.Is(report.FirstFailure, offsync.ErrStorage) {
		t.Errorf("expected failure to wrap a storage error, got %v", report.FirstFailure.Err)
	}
	if len(pendingIDs(t, q)) != 2 {
		t.Errorf("expected both entries still pending, got %v", pendingIDs(t, q))
	}
}

func TestQueue_ClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{})

	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{})
	q.ReplayAll(ctx)
	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{})

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("expected empty queue, got %+v", stats)
	}
}

func TestQueue_ClearStorageError(t *testing.T) {
	fs := &failingStore{Store: newTestStore(t), clearErr: errors.New("locked")}
	q := offsync.NewQueue(fs, &mockDispatcher{})

	if err := q.Clear(context.Background()); !errors.Is(err, offsync.ErrStorage) {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestQueue_SyncedEntriesAreRetained(t *testing.T) {
	ctx := context.Background()
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{})

	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{})
	q.ReplayAll(ctx)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 1 || stats.Synced != 1 || stats.Pending != 0 {
		t.Errorf("expected synced entry retained, got %+v", stats)
	}
}

func TestQueue_PruneOnlyRemovesOldSyncedEntries(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := offsync.NewQueue(newTestStore(t), &mockDispatcher{}, offsync.WithClock(func() time.Time { return clock }))

	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{})
	q.ReplayAll(ctx)
	mustEnqueue(t, q, offsync.ActionCreateRecord, map[string]string{})

	n, err := q.Prune(ctx, clock.Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned entry, got %d", n)
	}
	if len(pendingIDs(t, q)) != 1 {
		t.Error("expected pending entry to survive prune")
	}
}

func TestQueue_ObserverSeesEvents(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	d := &mockDispatcher{failIDs: map[int64]error{}}
	q := offsync.NewQueue(newTestStore(t), d, offsync.WithObserver(obs))

	mustEnqueue(t, q, offsync.ActionCreateOrder, map[string]string{})
	id2 := mustEnqueue(t, q, offsync.ActionFileComplaint, map[string]string{})
	d.failIDs[id2] = errors.New("boom")
	q.ReplayAll(ctx)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.enqueued) != 2 {
		t.Errorf("expected 2 enqueue events, got %d", len(obs.enqueued))
	}
	if obs.dispatchs != 2 || obs.failures != 1 {
		t.Errorf("expected 2 dispatches with 1 failure, got %d/%d", obs.dispatchs, obs.failures)
	}
	if len(obs.reports) != 1 || obs.reports[0].Clean() {
		t.Errorf("expected one failed report, got %+v", obs.reports)
	}
}

func TestReplayFailure_MarshalJSON(t *testing.T) {
	report := offsync.ReplayReport{
		Succeeded:    []int64{1},
		FirstFailure: &offsync.ReplayFailure{ID: 2, Action: offsync.ActionUpdateRecord, Err: errors.New("timeout")},
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"succeeded":[1],"first_failure":{"id":2,"action":"updateRecord","error":"timeout"}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
