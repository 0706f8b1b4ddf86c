package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/offsync/internal/archive"
)

// Exporter uploads the queue as an audit log.
type Exporter interface {
	Export(ctx context.Context) (*archive.Result, error)
}

// Pruner removes synced entries older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveWorker exports the queue to archive storage on a fixed interval.
// When a pruner is set, synced entries covered by a successful export are
// removed afterwards. Pending entries are never pruned.
type ArchiveWorker struct {
	exporter Exporter
	pruner   Pruner
	interval time.Duration
}

// NewArchiveWorker creates an archive worker. pruner may be nil to keep
// synced entries after export.
func NewArchiveWorker(exporter Exporter, pruner Pruner, interval time.Duration) *ArchiveWorker {
	return &ArchiveWorker{
		exporter: exporter,
		pruner:   pruner,
		interval: interval,
	}
}

// Run starts the worker loop. The first export happens one interval after
// start. Blocks until ctx is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *ArchiveWorker) cycle(ctx context.Context) {
	res, err := w.exporter.Export(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("scheduled export failed",
			"component", "worker",
			"worker", "archive",
			"error", err,
		)
		return
	}

	if w.pruner == nil {
		return
	}

	pruned, err := w.pruner.Prune(ctx, res.Cutoff)
	if err != nil {
		slog.Warn("prune after export failed",
			"component", "worker",
			"worker", "archive",
			"export_id", res.ExportID,
			"error", err,
		)
		return
	}

	slog.Info("export cycle completed",
		"component", "worker",
		"worker", "archive",
		"export_id", res.ExportID,
		"entries", res.Entries,
		"pruned", pruned,
	)
}
