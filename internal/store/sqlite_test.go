package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

// newTestStore creates a fresh SQLiteStore with in-memory database for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEntry(t *testing.T, s *SQLiteStore, key string, action offsync.Action, payload string) int64 {
	t.Helper()
	id, err := s.Append(context.Background(), &offsync.Entry{
		Key:        key,
		Action:     action,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return id
}

func TestSQLiteStore_AppendAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)

	id1 := appendEntry(t, s, "k1", offsync.ActionCreateRecord, `{"name":"A"}`)
	id2 := appendEntry(t, s, "k2", offsync.ActionUpdateRecord, `{"name":"A2"}`)

	if id1 != 1 || id2 != 2 {
		t.Errorf("expected ids 1 and 2, got %d and %d", id1, id2)
	}
}

func TestSQLiteStore_UnsyncedInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Given: Three entries, the middle one synced
	id1 := appendEntry(t, s, "k1", offsync.ActionCreateRecord, `{}`)
	id2 := appendEntry(t, s, "k2", offsync.ActionUpdateRecord, `{}`)
	id3 := appendEntry(t, s, "k3", offsync.ActionFileReport, `{}`)
	if err := s.MarkSynced(ctx, id2, time.Now()); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	// When: Reading unsynced
	pending, err := s.Unsynced(ctx)
	if err != nil {
		t.Fatalf("Unsynced failed: %v", err)
	}

	// Then: Only pending entries, ascending
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != id1 || pending[1].ID != id3 {
		t.Errorf("expected [%d %d], got [%d %d]", id1, id3, pending[0].ID, pending[1].ID)
	}
	if pending[0].Action != offsync.ActionCreateRecord {
		t.Errorf("expected action createRecord, got %s", pending[0].Action)
	}
}

func TestSQLiteStore_MarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := appendEntry(t, s, "k1", offsync.ActionCreateRecord, `{}`)

	first := time.UnixMilli(1_700_000_000_000)
	second := first.Add(time.Hour)
	if err := s.MarkSynced(ctx, id, first); err != nil {
		t.Fatalf("first MarkSynced failed: %v", err)
	}
	if err := s.MarkSynced(ctx, id, second); err != nil {
		t.Fatalf("second MarkSynced failed: %v", err)
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !entries[0].Synced {
		t.Fatal("expected entry to be synced")
	}
	// The first flip wins; synced_at is not rewritten.
	if entries[0].SyncedAt == nil || !entries[0].SyncedAt.Equal(first) {
		t.Errorf("expected synced_at %v, got %v", first, entries[0].SyncedAt)
	}
}

func TestSQLiteStore_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	// Given: An entry appended and the store closed
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	enqueuedAt := time.UnixMilli(1_700_000_000_123).UTC()
	id, err := s.Append(ctx, &offsync.Entry{
		Key:        "k1",
		Action:     offsync.ActionCreateRecord,
		Payload:    json.RawMessage(`{"name":"A"}`),
		EnqueuedAt: enqueuedAt,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// When: The store is reopened
	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	// Then: The entry is still pending with its fields intact
	pending, err := reopened.Unsynced(ctx)
	if err != nil {
		t.Fatalf("Unsynced failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}
	e := pending[0]
	if e.ID != id || e.Key != "k1" || e.Synced {
		t.Errorf("unexpected entry after reopen: %+v", e)
	}
	if string(e.Payload) != `{"name":"A"}` {
		t.Errorf("payload mismatch: %s", e.Payload)
	}
	if !e.EnqueuedAt.Equal(enqueuedAt) {
		t.Errorf("expected enqueued_at %v, got %v", enqueuedAt, e.EnqueuedAt)
	}
}

func TestSQLiteStore_ClearDoesNotReuseIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	appendEntry(t, s, "k1", offsync.ActionCreateRecord, `{}`)
	last := appendEntry(t, s, "k2", offsync.ActionCreateRecord, `{}`)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	entries, _ := s.List(ctx)
	if len(entries) != 0 {
		t.Fatalf("expected empty queue after Clear, got %d", len(entries))
	}

	next := appendEntry(t, s, "k3", offsync.ActionCreateRecord, `{}`)
	if next <= last {
		t.Errorf("expected id greater than %d after Clear, got %d", last, next)
	}
}

func TestSQLiteStore_PruneSyncedKeepsPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour).UTC()
	syncedID, _ := s.Append(ctx, &offsync.Entry{Key: "a", Action: offsync.ActionCreateRecord, Payload: json.RawMessage(`{}`), EnqueuedAt: old})
	pendingID, _ := s.Append(ctx, &offsync.Entry{Key: "b", Action: offsync.ActionCreateRecord, Payload: json.RawMessage(`{}`), EnqueuedAt: old})
	if err := s.MarkSynced(ctx, syncedID, old); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	n, err := s.PruneSynced(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSynced failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}

	entries, _ := s.List(ctx)
	if len(entries) != 1 || entries[0].ID != pendingID {
		t.Errorf("expected only pending entry %d to remain, got %+v", pendingID, entries)
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Empty store
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 || stats.Pending != 0 || stats.OldestPending != nil {
		t.Errorf("unexpected empty stats: %+v", stats)
	}

	id1 := appendEntry(t, s, "k1", offsync.ActionCreateRecord, `{}`)
	appendEntry(t, s, "k2", offsync.ActionCreateRecord, `{}`)
	appendEntry(t, s, "k3", offsync.ActionCreateRecord, `{}`)
	s.MarkSynced(ctx, id1, time.Now())

	stats, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Synced != 1 {
		t.Errorf("expected 3/2/1, got %+v", stats)
	}
	if stats.OldestPending == nil {
		t.Error("expected OldestPending to be set")
	}
}

func TestSQLiteStore_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Given: A cached product
	err := s.PutRecord(ctx, Record{Collection: "products", ID: "p1", Data: json.RawMessage(`{"price":10}`)})
	if err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	// When: It is overwritten
	err = s.PutRecord(ctx, Record{Collection: "products", ID: "p1", Data: json.RawMessage(`{"price":12}`)})
	if err != nil {
		t.Fatalf("PutRecord overwrite failed: %v", err)
	}

	// Then: The latest data is returned
	rec, err := s.GetRecord(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if string(rec.Data) != `{"price":12}` {
		t.Errorf("expected updated data, got %s", rec.Data)
	}
	if rec.UpdatedAt == 0 {
		t.Error("expected updated_at to be set")
	}
}

func TestSQLiteStore_ListRecordsScopedToCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.PutRecord(ctx, Record{Collection: "orders", ID: "o2", Data: json.RawMessage(`{}`)})
	s.PutRecord(ctx, Record{Collection: "orders", ID: "o1", Data: json.RawMessage(`{}`)})
	s.PutRecord(ctx, Record{Collection: "complaints", ID: "c1", Data: json.RawMessage(`{}`)})

	records, err := s.ListRecords(ctx, "orders")
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "o1" || records[1].ID != "o2" {
		t.Errorf("expected [o1 o2], got %+v", records)
	}
}

func TestSQLiteStore_MissingRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetRecord(ctx, "products", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from GetRecord, got %v", err)
	}
	if err := s.DeleteRecord(ctx, "products", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from DeleteRecord, got %v", err)
	}
}

func TestSQLiteStore_ClosedDatabaseFails(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	s.Close()

	_, err = s.Append(context.Background(), &offsync.Entry{Key: "k", Action: offsync.ActionCreateRecord, Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error appending to closed store")
	}
}

func TestSQLiteStore_ReplayLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ttl := time.Minute

	claim := func(owner string, now time.Time) bool {
		t.Helper()
		ok, err := s.ClaimReplayLease(ctx, owner, now, now.Add(ttl))
		if err != nil {
			t.Fatalf("ClaimReplayLease(%s) failed: %v", owner, err)
		}
		return ok
	}

	// Free lease is claimed
	if !claim("a", t0) {
		t.Fatal("expected free lease to be claimed")
	}
	// Held lease rejects other owners
	if claim("b", t0.Add(10*time.Second)) {
		t.Fatal("expected live lease to reject another owner")
	}
	// Holder renews
	if !claim("a", t0.Add(50*time.Second)) {
		t.Fatal("expected holder to renew its lease")
	}
	// Renewal extended expiry past the original deadline
	if claim("b", t0.Add(90*time.Second)) {
		t.Fatal("expected renewed lease to still be live")
	}
	// Expired lease is taken over
	if !claim("b", t0.Add(111*time.Second)) {
		t.Fatal("expected expired lease to be taken over")
	}

	// Release by a former holder is a no-op
	if err := s.ReleaseReplayLease(ctx, "a"); err != nil {
		t.Fatalf("ReleaseReplayLease failed: %v", err)
	}
	if claim("c", t0.Add(120*time.Second)) {
		t.Fatal("expected release by non-holder to leave the lease in place")
	}

	// Release by the holder frees it immediately
	if err := s.ReleaseReplayLease(ctx, "b"); err != nil {
		t.Fatalf("ReleaseReplayLease failed: %v", err)
	}
	if !claim("c", t0.Add(120*time.Second)) {
		t.Fatal("expected released lease to be claimable")
	}
}

func TestSQLiteStore_ReplayLeaseSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	open := func() *SQLiteStore {
		s, err := NewSQLiteStore(dbPath)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	agent, cli := open(), open()
	now := time.Now().UTC()

	if ok, err := agent.ClaimReplayLease(ctx, "agent", now, now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("agent claim = %v, %v", ok, err)
	}
	if ok, err := cli.ClaimReplayLease(ctx, "cli", now, now.Add(time.Minute)); err != nil || ok {
		t.Fatalf("cli claim on another handle = %v, %v, want false", ok, err)
	}
}
