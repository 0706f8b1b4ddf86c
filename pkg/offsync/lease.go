package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultLeaseTTL is how long a replay lease lasts without renewal. It bounds
// how long a crashed process keeps others from replaying the same store.
const DefaultLeaseTTL = 2 * time.Minute

// replayLease admits one replay or clear at a time: the semaphore within this
// Queue, the store lease across every Queue sharing the store.
type replayLease struct {
	q         *Queue
	owner     string
	claimedAt time.Time
}

func (q *Queue) acquire(ctx context.Context) (*replayLease, error) {
	if !q.replaying.TryAcquire(1) {
		return nil, ErrReplayInProgress
	}
	l := &replayLease{q: q, owner: ulid.Make().String()}
	if err := l.claim(ctx); err != nil {
		q.replaying.Release(1)
		return nil, err
	}
	return l, nil
}

func (l *replayLease) claim(ctx context.Context) error {
	now := l.q.now().UTC()
	ok, err := l.q.store.ClaimReplayLease(ctx, l.owner, now, now.Add(l.q.leaseTTL))
	if err != nil {
		return &StorageError{Op: "claim replay lease", Err: err}
	}
	if !ok {
		return ErrReplayInProgress
	}
	l.claimedAt = now
	return nil
}

// keep renews the lease once half its TTL has passed. A lease taken over by
// another owner after expiry reports ErrReplayInProgress.
func (l *replayLease) keep(ctx context.Context) error {
	if l.q.now().UTC().Sub(l.claimedAt) < l.q.leaseTTL/2 {
		return nil
	}
	if err := l.claim(ctx); err != nil {
		if errors.Is(err, ErrReplayInProgress) {
			return fmt.Errorf("%w: replay lease lost", ErrReplayInProgress)
		}
		return err
	}
	return nil
}

func (l *replayLease) release(ctx context.Context) {
	if err := l.q.store.ReleaseReplayLease(context.WithoutCancel(ctx), l.owner); err != nil {
		slog.Warn("release replay lease failed",
			"component", "queue",
			"error", err,
		)
	}
	l.q.replaying.Release(1)
}
