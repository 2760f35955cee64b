// Package storage persists job records. The store is the source of truth
// for job status; queues only carry ids.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/etlq/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: job not found")

	// ErrNotPending is returned by MarkRunning when the job is already
	// running or terminal; the caller must treat the dequeue as a no-op.
	ErrNotPending = errors.New("storage: job not pending")

	// ErrNotDue is returned by MarkRunning when the job is pending but its
	// AvailableAt has not passed. A duplicate queue entry can surface a
	// retried id before its backoff elapses; the caller must push the id
	// back with the job's real AvailableAt instead of running it early.
	ErrNotDue = errors.New("storage: job not due")

	// ErrDuplicateDedupe is returned by Create when a non-terminal job with
	// the same queue and dedupe key already exists.
	ErrDuplicateDedupe = errors.New("storage: active job with dedupe key exists")
)

// maxErrorLen bounds stored failure text.
const maxErrorLen = 500

// Store records jobs and guards their lifecycle. Every transition method is
// conditional on the current status, so a duplicate delivery of the same id
// cannot move a job twice: transitions are monotonic and idempotent at this
// layer.
type Store interface {
	// Create inserts a new job record. Returns ErrDuplicateDedupe when the
	// job carries a dedupe key already held by an active job in its queue.
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)

	// MarkRunning transitions pending -> running and stamps StartedAt.
	// Returns ErrNotPending when the job is not pending, ErrNotDue when it
	// is pending but AvailableAt is still in the future.
	MarkRunning(ctx context.Context, id string, now time.Time) (*domain.Job, error)

	// MarkSucceeded transitions running -> succeeded, records the result and
	// clears LastError. Reports false when the job was not running.
	MarkSucceeded(ctx context.Context, id string, result []byte, now time.Time) (bool, error)

	// MarkRetry transitions running -> pending for another attempt,
	// incrementing Attempt and recording the failure. Reports false when the
	// job was not running.
	MarkRetry(ctx context.Context, id string, errMsg string, availableAt time.Time, now time.Time) (bool, error)

	// MarkDead transitions pending|running -> dead. Reports false when the
	// job was already terminal.
	MarkDead(ctx context.Context, id string, errMsg string, now time.Time) (bool, error)

	// RequeueStale resets jobs left running since before staleBefore back to
	// pending and returns them, so the caller can push them onto their
	// queues again (crash recovery).
	RequeueStale(ctx context.Context, staleBefore time.Time, now time.Time) ([]*domain.Job, error)

	// FindOverduePending returns pending jobs whose AvailableAt passed before
	// overdueBefore. These are records whose queue entry was lost (a crash
	// between the status write and the queue push); the caller pushes them
	// again. A duplicate push is harmless: the second claim fails ErrNotPending.
	FindOverduePending(ctx context.Context, overdueBefore time.Time) ([]*domain.Job, error)

	// FindActiveByDedupeKey returns the newest non-terminal job in queue
	// carrying key, or nil.
	FindActiveByDedupeKey(ctx context.Context, queue domain.QueueName, key string) (*domain.Job, error)

	Stats(ctx context.Context) (*Stats, error)
}

// Stats counts jobs per lifecycle state.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
