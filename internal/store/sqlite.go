package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/offsync/pkg/offsync"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store for the sync queue and the
// offline record cache.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	applied, err := RunMigrations(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if len(applied) > 0 {
		slog.Info("schema migrated", "component", "store", "path", dbPath, "versions", applied)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrency.
// synchronous=FULL so an acknowledged enqueue survives power loss.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append inserts a pending entry and returns its assigned ID.
func (s *SQLiteStore) Append(ctx context.Context, e *offsync.Entry) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (entry_key, action, payload, enqueued_at, synced)
		VALUES (?, ?, ?, ?, 0)
	`, e.Key, string(e.Action), string(e.Payload), e.EnqueuedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert sync queue entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

const selectEntrySQL = `
	SELECT id, entry_key, action, payload, enqueued_at, synced, synced_at
	FROM sync_queue`

// List returns every entry in ascending ID order.
func (s *SQLiteStore) List(ctx context.Context) ([]offsync.Entry, error) {
	return s.queryEntries(ctx, selectEntrySQL+` ORDER BY id ASC`)
}

// Unsynced returns pending entries in ascending ID order.
func (s *SQLiteStore) Unsynced(ctx context.Context) ([]offsync.Entry, error) {
	return s.queryEntries(ctx, selectEntrySQL+` WHERE synced = 0 ORDER BY id ASC`)
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]offsync.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync queue: %w", err)
	}
	defer rows.Close()

	entries := make([]offsync.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

func scanEntry(scanner interface{ Scan(...any) error }) (*offsync.Entry, error) {
	var (
		e          offsync.Entry
		action     string
		payload    string
		enqueuedAt int64
		synced     int
		syncedAt   sql.NullInt64
	)
	if err := scanner.Scan(&e.ID, &e.Key, &action, &payload, &enqueuedAt, &synced, &syncedAt); err != nil {
		return nil, err
	}

	e.Action = offsync.Action(action)
	e.Payload = []byte(payload)
	e.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	e.Synced = synced == 1
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		e.SyncedAt = &t
	}
	return &e, nil
}

// MarkSynced flips a pending entry to synced. Already synced or missing
// entries are left untouched.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET synced = 1, synced_at = ?
		WHERE id = ? AND synced = 0
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark entry %d synced: %w", id, err)
	}
	return nil
}

// Clear deletes every queue entry. The AUTOINCREMENT sequence is kept, so
// IDs are not reused afterwards.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("clear sync queue: %w", err)
	}
	return nil
}

// PruneSynced deletes entries synced before the cutoff.
func (s *SQLiteStore) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE synced = 1 AND synced_at < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune synced entries: %w", err)
	}
	return result.RowsAffected()
}

// ClaimReplayLease takes the replay lease for owner until the given time. It
// succeeds when the lease is free, expired at now, or already held by owner
// (a renewal). Claims from other connections or processes are serialized by
// SQLite's write lock.
func (s *SQLiteStore) ClaimReplayLease(ctx context.Context, owner string, now, until time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_lease (id, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE replay_lease.owner = excluded.owner OR replay_lease.expires_at <= ?
	`, owner, until.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim replay lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseReplayLease drops the lease if owner still holds it.
func (s *SQLiteStore) ReleaseReplayLease(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM replay_lease WHERE id = 1 AND owner = ?
	`, owner); err != nil {
		return fmt.Errorf("release replay lease: %w", err)
	}
	return nil
}

// Stats returns queue counters.
func (s *SQLiteStore) Stats(ctx context.Context) (offsync.Stats, error) {
	var (
		stats   offsync.Stats
		pending sql.NullInt64
		oldest  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END),
		       MIN(CASE WHEN synced = 0 THEN enqueued_at END)
		FROM sync_queue
	`).Scan(&stats.Total, &pending, &oldest)
	if err != nil {
		return offsync.Stats{}, fmt.Errorf("query stats: %w", err)
	}

	stats.Pending = int(pending.Int64)
	stats.Synced = stats.Total - stats.Pending
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		stats.OldestPending = &t
	}
	return stats, nil
}

// PutRecord inserts or replaces a cached record.
func (s *SQLiteStore) PutRecord(ctx context.Context, rec Record) error {
	updatedAt := rec.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_records (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, rec.Collection, rec.ID, string(rec.Data), updatedAt)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// GetRecord returns a cached record or ErrNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	rec := Record{Collection: collection, ID: id}
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM offline_records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&data, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", collection, id, err)
	}
	rec.Data = []byte(data)
	return &rec, nil
}

// ListRecords returns all cached records of a collection ordered by ID.
func (s *SQLiteStore) ListRecords(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, updated_at FROM offline_records
		WHERE collection = ?
		ORDER BY id ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec := Record{Collection: collection}
		var data string
		if err := rows.Scan(&rec.ID, &data, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = []byte(data)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRecord removes a cached record. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM offline_records WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", collection, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
