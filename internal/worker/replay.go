package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

// Replayer is the queue operation the worker drives.
type Replayer interface {
	ReplayAll(ctx context.Context) (*offsync.ReplayReport, error)
}

// Prober checks whether the remote API is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// ReplayWorker replays the queue whenever the remote is reachable. It probes on
// start, on every tick, and on each connectivity event delivered via Notify.
type ReplayWorker struct {
	queue        Replayer
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	onStatus     func(online bool)

	online atomic.Bool
	events chan struct{}

	// head-of-line failure tracking, only touched by the Run goroutine
	failingID   int64
	failedCount int
}

// NewReplayWorker creates a replay worker. onStatus may be nil.
func NewReplayWorker(q Replayer, p Prober, interval, probeTimeout time.Duration, onStatus func(online bool)) *ReplayWorker {
	if onStatus == nil {
		onStatus = func(bool) {}
	}
	return &ReplayWorker{
		queue:        q,
		prober:       p,
		interval:     interval,
		probeTimeout: probeTimeout,
		onStatus:     onStatus,
		events:       make(chan struct{}, 1),
	}
}

// Online reports the result of the last connectivity probe.
func (w *ReplayWorker) Online() bool {
	return w.online.Load()
}

// Notify signals that connectivity may have been restored. It never blocks;
// signals arriving while one is pending are coalesced.
func (w *ReplayWorker) Notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// MarkOffline records a connectivity-lost event reported by the application.
func (w *ReplayWorker) MarkOffline() {
	w.setOnline(false)
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *ReplayWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Replay immediately on start, then on each tick or event
	w.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		case <-w.events:
			w.cycle(ctx)
		}
	}
}

func (w *ReplayWorker) cycle(ctx context.Context) {
	if !w.probe(ctx) {
		return
	}

	report, err := w.queue.ReplayAll(ctx)
	if err != nil {
		if errors.Is(err, offsync.ErrReplayInProgress) {
			slog.Debug("replay skipped, another run in progress",
				"component", "worker",
				"worker", "replay",
			)
			return
		}
		slog.Error("replay failed to start",
			"component", "worker",
			"worker", "replay",
			"error", err,
		)
		return
	}

	w.trackHead(report)
}

// probe updates the online flag and reports whether the remote is reachable.
func (w *ReplayWorker) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	err := w.prober.Ping(probeCtx)
	w.setOnline(err == nil)
	if err != nil {
		slog.Debug("remote unreachable",
			"component", "worker",
			"worker", "replay",
			"error", err,
		)
		return false
	}
	return true
}

func (w *ReplayWorker) setOnline(online bool) {
	if w.online.Swap(online) != online {
		slog.Info("connectivity changed",
			"component", "worker",
			"worker", "replay",
			"online", online,
		)
	}
	w.onStatus(online)
}

// trackHead counts consecutive failures of the same head entry. Entries are
// never dropped; the count only feeds logs.
func (w *ReplayWorker) trackHead(report *offsync.ReplayReport) {
	if report.FirstFailure == nil {
		w.failingID, w.failedCount = 0, 0
		return
	}

	if report.FirstFailure.ID == w.failingID {
		w.failedCount++
	} else {
		w.failingID, w.failedCount = report.FirstFailure.ID, 1
	}

	slog.Warn("queue head still failing",
		"component", "worker",
		"worker", "replay",
		"entry_id", w.failingID,
		"consecutive_failures", w.failedCount,
	)
}
