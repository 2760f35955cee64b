// Package worker runs bounded pools of executors, one pool per queue.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/etlq/internal/domain"
	"github.com/you/etlq/internal/events"
	"github.com/you/etlq/internal/queue"
	"github.com/you/etlq/internal/retry"
	"github.com/you/etlq/internal/storage"
)

// Handler executes one job attempt and returns its result. Returned errors
// are routed through the retry policy; wrap with retry.Permanent to skip
// retries.
type Handler func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// FollowUp enqueues derived work after a success. It runs after the job is
// already marked succeeded, so a follow-up failure is logged and surfaced
// through the returned error only — the pipeline link is at-least-once.
type FollowUp func(ctx context.Context, job *domain.Job, result json.RawMessage) error

// Registration binds one job kind to its handler.
type Registration struct {
	Handler  Handler
	Timeout  time.Duration
	FollowUp FollowUp
}

type Config struct {
	Queue        domain.QueueName
	Concurrency  int
	PollInterval time.Duration
}

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 250 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
)

// Pool consumes one queue with Config.Concurrency executors. Each executor
// pulls one job at a time, resolves the handler by kind and reports the
// outcome; handler errors never escape the executor boundary.
type Pool struct {
	cfg      Config
	queue    queue.Queue
	store    storage.Store
	policy   retry.Policy
	dispatch *events.Dispatcher
	handlers map[domain.Kind]Registration
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func NewPool(cfg Config, q queue.Queue, store storage.Store, policy retry.Policy,
	dispatch *events.Dispatcher, handlers map[domain.Kind]Registration, log *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		policy:   policy,
		dispatch: dispatch,
		handlers: handlers,
		log:      log.With(zap.String("queue", string(cfg.Queue))),
	}
}

// Start launches the executors. It returns immediately; call Stop to drain.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	popCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	g, _ := errgroup.WithContext(popCtx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.runExecutor(popCtx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(p.done)
	}()

	p.log.Info("worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Stop stops dequeuing and waits for in-flight jobs to finish. When ctx
// expires first the remaining jobs are abandoned; the stale-run sweep will
// requeue them once they pass the liveness deadline.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop grace period expired, abandoning in-flight jobs")
	}
}

func (p *Pool) runExecutor(popCtx context.Context) {
	for {
		id, err := p.queue.Pop(popCtx, p.cfg.PollInterval)
		if popCtx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Error("dequeue failed", zap.Error(err))
			continue
		}
		if id == "" {
			continue
		}
		p.runOne(id)
	}
}

func (p *Pool) runOne(id string) {
	now := time.Now().UTC()
	job, err := p.store.MarkRunning(context.Background(), id, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotDue):
			// A duplicate queue entry surfaced a retried id before its
			// backoff elapsed; put it back where it belongs.
			p.reschedule(id)
		case errors.Is(err, storage.ErrNotPending):
			// Duplicate delivery of an id already running or terminal.
		default:
			p.log.Error("claim failed", zap.String("job_id", id), zap.Error(err))
		}
		return
	}

	reg, ok := p.handlers[job.Kind]
	if !ok {
		p.deadLetter(job, "unknown job kind: "+string(job.Kind))
		return
	}

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hctx, cancel := context.WithTimeout(context.Background(), timeout)
	result, herr := p.execute(hctx, reg.Handler, job)
	cancel()

	if herr != nil {
		p.onFailure(job, herr)
		return
	}
	p.onSuccess(job, result, reg.FollowUp)
}

func (p *Pool) reschedule(id string) {
	job, err := p.store.Get(context.Background(), id)
	if err != nil {
		p.log.Error("reschedule lookup failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := p.queue.Push(context.Background(), id, job.AvailableAt); err != nil {
		p.log.Error("reschedule push failed", zap.String("job_id", id), zap.Error(err))
	}
}

// execute converts a handler panic into an ordinary error so one bad job
// cannot take the executor down.
func (p *Pool) execute(ctx context.Context, h Handler, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) onSuccess(job *domain.Job, result json.RawMessage, followUp FollowUp) {
	ok, err := p.store.MarkSucceeded(context.Background(), job.ID, result, time.Now().UTC())
	if err != nil {
		p.log.Error("mark succeeded failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	p.processed.Add(1)
	p.succeeded.Add(1)
	p.log.Debug("job succeeded",
		zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt))

	p.dispatch.Emit(domain.Outcome{
		JobID:  job.ID,
		Queue:  job.Queue,
		Kind:   job.Kind,
		Status: domain.Succeeded,
		Result: result,
	})

	if followUp != nil {
		if err := followUp(context.Background(), job, result); err != nil {
			// The original job stays succeeded; the chain is at-least-once.
			p.log.Error("follow-on enqueue failed",
				zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)), zap.Error(err))
		}
	}
}

func (p *Pool) onFailure(job *domain.Job, herr error) {
	decision := p.policy.OnFailure(job, herr)
	if !decision.Requeue {
		p.deadLetter(job, herr.Error())
		return
	}

	now := time.Now().UTC()
	availableAt := now.Add(decision.Delay)
	ok, err := p.store.MarkRetry(context.Background(), job.ID, herr.Error(), availableAt, now)
	if err != nil {
		p.log.Error("mark retry failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	p.processed.Add(1)
	p.failed.Add(1)
	p.log.Warn("job failed, requeued with backoff",
		zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt+1), zap.Duration("delay", decision.Delay),
		zap.String("error", herr.Error()))

	if err := p.queue.Push(context.Background(), job.ID, availableAt); err != nil {
		// The record is already pending in the store; the overdue-pending
		// sweep re-pushes it, so only log here.
		p.log.Error("requeue push failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Pool) deadLetter(job *domain.Job, reason string) {
	ok, err := p.store.MarkDead(context.Background(), job.ID, reason, time.Now().UTC())
	if err != nil {
		p.log.Error("mark dead failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	p.processed.Add(1)
	p.failed.Add(1)
	p.log.Error("job dead-lettered",
		zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt), zap.String("error", reason))

	p.dispatch.Emit(domain.Outcome{
		JobID:  job.ID,
		Queue:  job.Queue,
		Kind:   job.Kind,
		Status: domain.Dead,
		Err:    reason,
	})
}

// Metrics reports lifetime executor counters.
type Metrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

func (p *Pool) Metrics() Metrics {
	return Metrics{
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}
