package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/etlq/internal/domain"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []struct {
		queue domain.QueueName
		kind  domain.Kind
		opts  domain.EnqueueOptions
	}
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, queue domain.QueueName, kind domain.Kind, _ json.RawMessage, opts domain.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		queue domain.QueueName
		kind  domain.Kind
		opts  domain.EnqueueOptions
	}{queue, kind, opts})
	return "scheduled-id", nil
}

func TestAddRejectsInvalidExpression(t *testing.T) {
	s := New(&fakeEnqueuer{}, zap.NewNop())

	assert.Error(t, s.Add("not a cron expr", domain.QueueReport, domain.KindDailyReport))
	assert.Error(t, s.Add("* * * * * *", domain.QueueReport, domain.KindDailyReport),
		"six fields rejected, entries use the five-field form")
	assert.NoError(t, s.Add("0 6 * * *", domain.QueueReport, domain.KindDailyReport))
}

func TestScheduledEnqueueCarriesDedupeKey(t *testing.T) {
	fake := &fakeEnqueuer{}
	s := New(fake, zap.NewNop())
	require.NoError(t, s.Add("* * * * *", domain.QueueEmail, domain.KindSendDailyDigest))

	// Fire the entry directly instead of waiting for a minute boundary.
	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, domain.QueueEmail, call.queue)
	assert.Equal(t, domain.KindSendDailyDigest, call.kind)
	assert.Contains(t, call.opts.DedupeKey, "cron:sendDailyDigest:",
		"same-minute reruns collapse onto one job")
}
