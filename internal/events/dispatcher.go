// Package events fans terminal job outcomes out to registered listeners
// (notification delivery, report assembly).
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/you/etlq/internal/domain"
)

// Listener receives one Outcome per terminal transition. Listeners must be
// idempotent on Outcome.JobID.
type Listener func(domain.Outcome)

// Dispatcher is read-mostly: Subscribe happens at wiring time, Emit runs on
// executor goroutines. A listener failure never reaches the caller and never
// rolls back the job's terminal state.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

func (d *Dispatcher) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Emit invokes every listener with out. Callers invoke Emit exactly once per
// terminal transition; the transition itself is guarded by the store's
// conditional updates.
func (d *Dispatcher) Emit(out domain.Outcome) {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, l := range listeners {
		d.call(l, out)
	}
}

func (d *Dispatcher) call(l Listener, out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("terminal event listener panicked",
				zap.String("job_id", out.JobID),
				zap.String("kind", string(out.Kind)),
				zap.Any("panic", r))
		}
	}()
	l(out)
}
