// Package engine is the front door of the job orchestration layer: it owns
// the kind registry, the queues and their worker pools, and exposes the
// producer-facing enqueue/status/event surface.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/etlq/internal/domain"
	"github.com/you/etlq/internal/events"
	"github.com/you/etlq/internal/queue"
	"github.com/you/etlq/internal/retry"
	"github.com/you/etlq/internal/storage"
	"github.com/you/etlq/internal/worker"
)

var (
	ErrUnknownQueue = errors.New("engine: unknown queue")
	ErrStopped      = errors.New("engine: not running")
)

// KindSpec declares one job kind: which queue it runs on, its retry budget
// and timeout, its handler, and an optional follow-on enqueued after
// success. Kinds form a closed set validated before the engine starts.
type KindSpec struct {
	Kind        domain.Kind
	Queue       domain.QueueName
	MaxAttempts int
	Timeout     time.Duration
	Handler     worker.Handler
	FollowOn    *FollowOnSpec
}

// FollowOnSpec chains a new job onto another queue when a job of the parent
// kind succeeds. The link is at-least-once: the parent stays succeeded even
// when this enqueue fails.
type FollowOnSpec struct {
	Queue   domain.QueueName
	Kind    domain.Kind
	Payload func(parent *domain.Job, result json.RawMessage) json.RawMessage
}

type Config struct {
	Concurrency   map[domain.QueueName]int
	PollInterval  time.Duration
	Policy        retry.Policy
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Engine wires queues, store, pools and the dispatcher together. Queues are
// fully independent: each has its own pool and no lock is shared across
// them.
type Engine struct {
	cfg      Config
	store    storage.Store
	queues   map[domain.QueueName]queue.Queue
	kinds    map[domain.Kind]KindSpec
	dispatch *events.Dispatcher
	pools    map[domain.QueueName]*worker.Pool
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, store storage.Store, queues map[domain.QueueName]queue.Queue, log *zap.Logger) *Engine {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		queues:   queues,
		kinds:    make(map[domain.Kind]KindSpec),
		dispatch: events.NewDispatcher(log),
		pools:    make(map[domain.QueueName]*worker.Pool),
		log:      log,
	}
}

// Register adds a kind to the closed registry. It must be called before
// Start; registering an invalid spec is a configuration error.
func (e *Engine) Register(spec KindSpec) error {
	if spec.Kind == "" {
		return errors.New("engine: kind must not be empty")
	}
	if !spec.Queue.Valid() {
		return errors.Wrapf(ErrUnknownQueue, "kind %s on queue %s", spec.Kind, spec.Queue)
	}
	if spec.Handler == nil {
		return errors.Errorf("engine: kind %s has no handler", spec.Kind)
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = domain.DefaultMaxAttempts
	}
	if spec.FollowOn != nil && !spec.FollowOn.Queue.Valid() {
		return errors.Wrapf(ErrUnknownQueue, "follow-on of kind %s", spec.Kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.kinds[spec.Kind]; dup {
		return errors.Errorf("engine: kind %s registered twice", spec.Kind)
	}
	e.kinds[spec.Kind] = spec
	return nil
}

// Start builds one worker pool per queue and launches them together with the
// crash-recovery sweep. Jobs left running by a previous process are requeued
// immediately when they already exceed the liveness deadline.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	for kind, spec := range e.kinds {
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = worker.DefaultTimeout
		}
		// A handler allowed to run past the stale threshold would be swept
		// back to pending mid-run and its eventual success dropped.
		if timeout >= e.cfg.StaleAfter {
			return errors.Errorf("engine: kind %s timeout %s reaches the stale threshold %s",
				kind, timeout, e.cfg.StaleAfter)
		}
	}
	e.running = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	for name, q := range e.queues {
		handlers := make(map[domain.Kind]worker.Registration)
		for kind, spec := range e.kinds {
			if spec.Queue != name {
				continue
			}
			handlers[kind] = worker.Registration{
				Handler:  spec.Handler,
				Timeout:  spec.Timeout,
				FollowUp: e.followUp(spec.FollowOn),
			}
		}
		pool := worker.NewPool(worker.Config{
			Queue:        name,
			Concurrency:  e.cfg.Concurrency[name],
			PollInterval: e.cfg.PollInterval,
		}, q, e.store, e.cfg.Policy, e.dispatch, handlers, e.log)
		e.pools[name] = pool
		pool.Start()
	}

	e.sweepOnce(ctx)
	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.log.Info("engine started", zap.Int("kinds", len(e.kinds)), zap.Int("queues", len(e.queues)))
	return nil
}

// Stop drains the pools within the grace allowed by ctx and halts the sweep.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	pools := make([]*worker.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mu.Unlock()

	cancel()
	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Stop(ctx)
		}(p)
	}
	wg.Wait()
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Enqueue creates a new job and returns its id immediately; outcomes are
// observable only through GetStatus and the terminal event interface. A job
// of an unregistered kind, or of a kind bound to a different queue, is
// recorded and dead-lettered right away rather than silently dropped.
func (e *Engine) Enqueue(ctx context.Context, queueName domain.QueueName, kind domain.Kind, payload json.RawMessage, opts domain.EnqueueOptions) (string, error) {
	if !queueName.Valid() {
		return "", errors.Wrapf(ErrUnknownQueue, "%s", queueName)
	}
	q, ok := e.queues[queueName]
	if !ok {
		return "", errors.Wrapf(ErrUnknownQueue, "%s", queueName)
	}

	if opts.DedupeKey != "" {
		existing, err := e.store.FindActiveByDedupeKey(ctx, queueName, opts.DedupeKey)
		if err != nil {
			return "", errors.Wrap(err, "dedupe lookup")
		}
		if existing != nil {
			e.log.Debug("enqueue deduplicated",
				zap.String("dedupe_key", opts.DedupeKey), zap.String("job_id", existing.ID))
			return existing.ID, nil
		}
	}

	spec, registered := e.kinds[kind]
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = spec.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Kind:        kind,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Status:      domain.Pending,
		DedupeKey:   opts.DedupeKey,
		EnqueuedAt:  now,
		AvailableAt: now.Add(opts.Delay),
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, job); err != nil {
		// Two concurrent enqueues can race the dedupe lookup above; the
		// store's uniqueness check is the arbiter, so surface the winner.
		if errors.Is(err, storage.ErrDuplicateDedupe) {
			existing, lookErr := e.store.FindActiveByDedupeKey(ctx, queueName, opts.DedupeKey)
			if lookErr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return "", errors.Wrap(err, "create job")
	}

	if !registered || spec.Queue != queueName {
		reason := "unknown job kind: " + string(kind)
		if registered {
			reason = "kind " + string(kind) + " is not served by queue " + string(queueName)
		}
		if _, err := e.store.MarkDead(ctx, job.ID, reason, now); err != nil {
			return "", errors.Wrap(err, "dead-letter unknown kind")
		}
		e.log.Error("enqueue of unroutable kind dead-lettered",
			zap.String("job_id", job.ID), zap.String("kind", string(kind)),
			zap.String("queue", string(queueName)))
		e.dispatch.Emit(domain.Outcome{
			JobID:  job.ID,
			Queue:  queueName,
			Kind:   kind,
			Status: domain.Dead,
			Err:    reason,
		})
		return job.ID, nil
	}

	if err := q.Push(ctx, job.ID, job.AvailableAt); err != nil {
		return "", errors.Wrap(err, "push job")
	}
	e.log.Debug("job enqueued",
		zap.String("job_id", job.ID), zap.String("queue", string(queueName)),
		zap.String("kind", string(kind)), zap.Duration("delay", opts.Delay))
	return job.ID, nil
}

// StatusView is the producer-facing snapshot of one job.
type StatusView struct {
	JobID     string          `json:"job_id"`
	Status    domain.Status   `json:"status"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// GetStatus reports the current state of a job. Dead-lettered jobs stay
// queryable until an external retention policy prunes the store.
func (e *Engine) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		JobID:     job.ID,
		Status:    job.Status,
		Attempt:   job.Attempt,
		LastError: job.LastError,
		Result:    job.Result,
	}, nil
}

// OnJobTerminal registers a listener invoked once per terminal transition.
func (e *Engine) OnJobTerminal(l events.Listener) {
	e.dispatch.Subscribe(l)
}

// Stats exposes the store's per-status counts.
func (e *Engine) Stats(ctx context.Context) (*storage.Stats, error) {
	return e.store.Stats(ctx)
}

// PoolMetrics returns lifetime executor counters per queue.
func (e *Engine) PoolMetrics() map[domain.QueueName]worker.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[domain.QueueName]worker.Metrics, len(e.pools))
	for name, p := range e.pools {
		out[name] = p.Metrics()
	}
	return out
}

func (e *Engine) followUp(spec *FollowOnSpec) worker.FollowUp {
	if spec == nil {
		return nil
	}
	return func(ctx context.Context, parent *domain.Job, result json.RawMessage) error {
		payload := result
		if spec.Payload != nil {
			payload = spec.Payload(parent, result)
		}
		_, err := e.Enqueue(ctx, spec.Queue, spec.Kind, payload, domain.EnqueueOptions{})
		return err
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce requeues jobs stuck running past the liveness deadline, the
// backstop for executors that died mid-job. It also re-pushes pending jobs
// long past their AvailableAt, whose queue entry was lost between the status
// write and the push; a duplicate push is absorbed by the pending-only claim.
func (e *Engine) sweepOnce(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-e.cfg.StaleAfter)

	jobs, err := e.store.RequeueStale(ctx, staleBefore, time.Now().UTC())
	if err != nil {
		e.log.Error("stale-run sweep failed", zap.Error(err))
		return
	}
	for _, j := range jobs {
		if e.push(ctx, j) {
			e.log.Warn("requeued stale running job",
				zap.String("job_id", j.ID), zap.String("kind", string(j.Kind)))
		}
	}

	overdue, err := e.store.FindOverduePending(ctx, staleBefore)
	if err != nil {
		e.log.Error("overdue-pending sweep failed", zap.Error(err))
		return
	}
	for _, j := range overdue {
		if e.push(ctx, j) {
			e.log.Warn("re-pushed overdue pending job",
				zap.String("job_id", j.ID), zap.String("kind", string(j.Kind)))
		}
	}
}

func (e *Engine) push(ctx context.Context, j *domain.Job) bool {
	q, ok := e.queues[j.Queue]
	if !ok {
		return false
	}
	if err := q.Push(ctx, j.ID, j.AvailableAt); err != nil {
		e.log.Error("sweep push failed", zap.String("job_id", j.ID), zap.Error(err))
		return false
	}
	return true
}
