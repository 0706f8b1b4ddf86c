package store

import (
	"context"
	"encoding/json"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

// Record is an entry in the offline read cache.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  int64           `json:"updated_at"`
}

// RecordStore caches remote records locally so they can be read offline.
type RecordStore interface {
	PutRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, collection, id string) (*Record, error)
	ListRecords(ctx context.Context, collection string) ([]Record, error)
	DeleteRecord(ctx context.Context, collection, id string) error
}

// Store is everything the agent needs from local persistence.
type Store interface {
	offsync.Store
	RecordStore
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
