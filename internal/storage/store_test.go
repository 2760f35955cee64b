package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/etlq/internal/domain"
)

func newTestJob(queue domain.QueueName, kind domain.Kind) *domain.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Kind:        kind,
		Payload:     []byte(`{"source":"db"}`),
		MaxAttempts: 3,
		Status:      domain.Pending,
		EnqueuedAt:  now,
		AvailableAt: now,
		UpdatedAt:   now,
	}
}

// runStoreSuite asserts the lifecycle contract every Store must satisfy.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindExtract)
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.Pending, got.Status)
		assert.Equal(t, 0, got.Attempt)
		assert.JSONEq(t, `{"source":"db"}`, string(got.Payload))
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark running claims exactly once", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindExtract)
		require.NoError(t, s.Create(ctx, job))

		now := time.Now().UTC()
		claimed, err := s.MarkRunning(ctx, job.ID, now)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, claimed.Status)
		require.NotNil(t, claimed.StartedAt)

		_, err = s.MarkRunning(ctx, job.ID, now)
		assert.ErrorIs(t, err, ErrNotPending)
	})

	t.Run("succeed only from running", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindExtract)
		require.NoError(t, s.Create(ctx, job))

		ok, err := s.MarkSucceeded(ctx, job.ID, []byte(`{"extracted":true}`), time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok, "pending job cannot jump to succeeded")

		_, err = s.MarkRunning(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)
		ok, err = s.MarkSucceeded(ctx, job.ID, []byte(`{"extracted":true}`), time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Succeeded, got.Status)
		assert.Empty(t, got.LastError)
		assert.NotNil(t, got.FinishedAt)

		// Terminal states are sticky.
		ok, err = s.MarkSucceeded(ctx, job.ID, []byte(`{}`), time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.MarkDead(ctx, job.ID, "late failure", time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("retry increments attempt and resets to pending", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindLoad)
		require.NoError(t, s.Create(ctx, job))

		_, err := s.MarkRunning(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)

		availableAt := time.Now().UTC().Add(time.Second)
		ok, err := s.MarkRetry(ctx, job.ID, "connection refused", availableAt, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Pending, got.Status)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, "connection refused", got.LastError)
		assert.Nil(t, got.StartedAt)

		// Not running anymore, so a second retry is a no-op.
		ok, err = s.MarkRetry(ctx, job.ID, "again", availableAt, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("dead letter from running", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindLoad)
		require.NoError(t, s.Create(ctx, job))
		_, err := s.MarkRunning(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)

		ok, err := s.MarkDead(ctx, job.ID, "exhausted", time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Dead, got.Status)
		assert.Equal(t, "exhausted", got.LastError)

		ok, err = s.MarkDead(ctx, job.ID, "again", time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok, "dead is terminal")
	})

	t.Run("stored error text is truncated", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindLoad)
		require.NoError(t, s.Create(ctx, job))
		_, err := s.MarkRunning(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)

		long := make([]byte, 1000)
		for i := range long {
			long[i] = 'x'
		}
		ok, err := s.MarkDead(ctx, job.ID, string(long), time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, got.LastError, maxErrorLen)
	})

	t.Run("requeue stale running jobs", func(t *testing.T) {
		s := newStore(t)
		stale := newTestJob(domain.QueueETL, domain.KindExtract)
		stale.AvailableAt = time.Now().UTC().Add(-15 * time.Minute)
		fresh := newTestJob(domain.QueueETL, domain.KindExtract)
		require.NoError(t, s.Create(ctx, stale))
		require.NoError(t, s.Create(ctx, fresh))

		_, err := s.MarkRunning(ctx, stale.ID, time.Now().UTC().Add(-10*time.Minute))
		require.NoError(t, err)
		_, err = s.MarkRunning(ctx, fresh.ID, time.Now().UTC())
		require.NoError(t, err)

		requeued, err := s.RequeueStale(ctx, time.Now().UTC().Add(-5*time.Minute), time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, requeued, 1)
		assert.Equal(t, stale.ID, requeued[0].ID)
		assert.Equal(t, domain.Pending, requeued[0].Status)

		got, err := s.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, got.Status)
	})

	t.Run("claim honors availableAt", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueETL, domain.KindExtract)
		job.AvailableAt = time.Now().UTC().Add(time.Hour)
		require.NoError(t, s.Create(ctx, job))

		// A duplicate queue entry must not run a backed-off job early.
		_, err := s.MarkRunning(ctx, job.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ErrNotDue)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Pending, got.Status)

		claimed, err := s.MarkRunning(ctx, job.ID, job.AvailableAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.Running, claimed.Status)
	})

	t.Run("active dedupe key is unique", func(t *testing.T) {
		s := newStore(t)
		first := newTestJob(domain.QueueReport, domain.KindDailyReport)
		first.DedupeKey = "daily:2025-08-28"
		require.NoError(t, s.Create(ctx, first))

		dup := newTestJob(domain.QueueReport, domain.KindDailyReport)
		dup.DedupeKey = "daily:2025-08-28"
		assert.ErrorIs(t, s.Create(ctx, dup), ErrDuplicateDedupe)

		now := time.Now().UTC()
		_, err := s.MarkRunning(ctx, first.ID, now)
		require.NoError(t, err)
		ok, err := s.MarkSucceeded(ctx, first.ID, nil, now)
		require.NoError(t, err)
		require.True(t, ok)

		again := newTestJob(domain.QueueReport, domain.KindDailyReport)
		again.DedupeKey = "daily:2025-08-28"
		assert.NoError(t, s.Create(ctx, again), "terminal jobs release the key")
	})

	t.Run("overdue pending jobs are found", func(t *testing.T) {
		s := newStore(t)
		overdue := newTestJob(domain.QueueETL, domain.KindExtract)
		overdue.AvailableAt = time.Now().UTC().Add(-10 * time.Minute)
		require.NoError(t, s.Create(ctx, overdue))

		fresh := newTestJob(domain.QueueETL, domain.KindExtract)
		require.NoError(t, s.Create(ctx, fresh))

		running := newTestJob(domain.QueueETL, domain.KindExtract)
		running.AvailableAt = time.Now().UTC().Add(-10 * time.Minute)
		require.NoError(t, s.Create(ctx, running))
		_, err := s.MarkRunning(ctx, running.ID, time.Now().UTC())
		require.NoError(t, err)

		found, err := s.FindOverduePending(ctx, time.Now().UTC().Add(-5*time.Minute))
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, overdue.ID, found[0].ID)
	})

	t.Run("dedupe lookup sees only active jobs", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob(domain.QueueReport, domain.KindDailyReport)
		job.DedupeKey = "report:2025-08-27"
		require.NoError(t, s.Create(ctx, job))

		found, err := s.FindActiveByDedupeKey(ctx, domain.QueueReport, "report:2025-08-27")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.ID, found.ID)

		none, err := s.FindActiveByDedupeKey(ctx, domain.QueueETL, "report:2025-08-27")
		require.NoError(t, err)
		assert.Nil(t, none, "dedupe keys are scoped per queue")

		_, err = s.MarkRunning(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)
		_, err = s.MarkSucceeded(ctx, job.ID, nil, time.Now().UTC())
		require.NoError(t, err)

		none, err = s.FindActiveByDedupeKey(ctx, domain.QueueReport, "report:2025-08-27")
		require.NoError(t, err)
		assert.Nil(t, none, "terminal jobs do not block re-enqueue")
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		a := newTestJob(domain.QueueETL, domain.KindExtract)
		b := newTestJob(domain.QueueETL, domain.KindExtract)
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, b))
		_, err := s.MarkRunning(ctx, b.ID, time.Now().UTC())
		require.NoError(t, err)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Pending)
		assert.Equal(t, int64(1), st.Running)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
