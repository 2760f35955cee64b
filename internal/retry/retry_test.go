package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/you/etlq/internal/domain"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{-1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(30))
}

func TestOnFailureRequeuesUntilBudgetSpent(t *testing.T) {
	p := DefaultPolicy()
	job := &domain.Job{Attempt: 0, MaxAttempts: 3}

	d := p.OnFailure(job, errors.New("boom"))
	assert.True(t, d.Requeue)
	assert.Equal(t, DefaultBase, d.Delay)

	job.Attempt = 1
	d = p.OnFailure(job, errors.New("boom"))
	assert.True(t, d.Requeue)
	assert.Equal(t, 2*DefaultBase, d.Delay)

	job.Attempt = 2
	d = p.OnFailure(job, errors.New("boom"))
	assert.False(t, d.Requeue)
}

func TestOnFailureDeadLettersPermanentErrors(t *testing.T) {
	p := DefaultPolicy()
	job := &domain.Job{Attempt: 0, MaxAttempts: 3}

	d := p.OnFailure(job, Permanentf("malformed payload"))
	assert.False(t, d.Requeue)
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	err := Permanent(errors.New("bad input"))
	wrapped := errors.Wrap(err, "handler")

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsPermanent(errors.New("transient")))
	assert.Nil(t, Permanent(nil))
	assert.Equal(t, "bad input", err.Error())
}
