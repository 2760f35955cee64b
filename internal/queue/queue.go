// Package queue holds ordered pending job ids for one pipeline family,
// decoupled from the workers that consume them.
package queue

import (
	"context"
	"time"
)

// Queue orders pending job ids. An id pushed with a future availableAt is
// invisible to Pop until that instant passes; among eligible ids the oldest
// availableAt is served first (for zero-delay pushes that is enqueue order).
// A popped id is gone from the pending view until explicitly pushed again.
type Queue interface {
	// Push makes id eligible for Pop at availableAt (immediately when
	// availableAt is not in the future).
	Push(ctx context.Context, id string, availableAt time.Time) error

	// Pop returns the next eligible id, blocking up to wait for one to
	// appear. It returns "" with a nil error when nothing became eligible;
	// an empty queue is not an error.
	Pop(ctx context.Context, wait time.Duration) (string, error)

	// Size counts ids pending or delayed.
	Size(ctx context.Context) (int, error)
}
