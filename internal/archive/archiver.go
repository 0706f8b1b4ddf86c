package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

// Source lists queue entries in enqueue order.
type Source interface {
	Entries(ctx context.Context, pendingOnly bool) ([]offsync.Entry, error)
}

// Result describes one completed export.
type Result struct {
	ExportID string    `json:"export_id"`
	Object   string    `json:"object"`
	Entries  int       `json:"entries"`
	Synced   int       `json:"synced"`
	URL      string    `json:"url,omitempty"`
	Expiry   time.Time `json:"expiry"`
	// Cutoff is the instant the export started. Entries synced before it
	// appear as synced in the export.
	Cutoff time.Time `json:"cutoff"`
}

// Archiver uploads the full queue (synced and pending entries) as JSON lines.
type Archiver struct {
	source   Source
	uploader Uploader
	clientID string
	now      func() time.Time
}

// New creates an Archiver.
func New(source Source, uploader Uploader, clientID string) *Archiver {
	return &Archiver{
		source:   source,
		uploader: uploader,
		clientID: clientID,
		now:      time.Now,
	}
}

// WriteJSONL writes entries to w, one JSON object per line.
func WriteJSONL(w io.Writer, entries []offsync.Entry) error {
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("encode entry %d: %w", entries[i].ID, err)
		}
	}
	return nil
}

// Export uploads the queue and returns where it went. A missing pre-signed URL
// is not an error.
func (a *Archiver) Export(ctx context.Context) (*Result, error) {
	cutoff := a.now().UTC()

	entries, err := a.source.Entries(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, entries); err != nil {
		return nil, err
	}

	exportID := ulid.MustNew(ulid.Timestamp(cutoff), ulid.DefaultEntropy()).String()
	res := &Result{
		ExportID: exportID,
		Object:   ObjectKey(a.clientID, exportID),
		Entries:  len(entries),
		Cutoff:   cutoff,
	}
	for _, e := range entries {
		if e.Synced {
			res.Synced++
		}
	}

	if err := a.uploader.Upload(ctx, res.Object, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return nil, err
	}

	url, expiry, err := a.uploader.PresignedURL(ctx, res.Object)
	switch {
	case err == nil:
		res.URL, res.Expiry = url, expiry
	case errors.Is(err, ErrNotConfigured):
	default:
		slog.Warn("audit export uploaded without download URL",
			"component", "archive",
			"object", res.Object,
			"error", err,
		)
	}

	slog.Info("audit export uploaded",
		"component", "archive",
		"object", res.Object,
		"entries", res.Entries,
		"synced", res.Synced,
		"bytes", buf.Len(),
	)
	return res, nil
}
