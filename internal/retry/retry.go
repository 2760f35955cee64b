// Package retry decides what happens to a failed job: requeue with backoff
// or route to the dead-letter path.
package retry

import (
	"time"

	"github.com/pkg/errors"

	"github.com/you/etlq/internal/domain"
)

// Decision is the outcome of a single failure. When Requeue is false the job
// is dead-lettered and never attempted again.
type Decision struct {
	Requeue bool
	Delay   time.Duration
}

// Policy computes exponential backoff off the job's own attempt counter so
// concurrent redeliveries of one job id cannot race past MaxAttempts.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

const (
	DefaultBase = 500 * time.Millisecond
	DefaultMax  = time.Minute
)

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// OnFailure returns DeadLetter when the error is permanent or the retry
// budget is spent, otherwise Requeue with delay = base * 2^attempt capped
// at Max.
func (p Policy) OnFailure(job *domain.Job, err error) Decision {
	if IsPermanent(err) {
		return Decision{}
	}
	if job.Attempt+1 >= job.MaxAttempts {
		return Decision{}
	}
	return Decision{Requeue: true, Delay: p.Backoff(job.Attempt)}
}

func (p Policy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: validation failures, malformed
// payloads and the like, where retrying cannot succeed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is shorthand for Permanent(errors.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &permanentError{err: errors.Errorf(format, args...)}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
