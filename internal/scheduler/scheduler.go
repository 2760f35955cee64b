// Package scheduler enqueues the periodic report and digest jobs from cron
// expressions. One-shot follow-on work never goes through cron; it rides the
// jobs' own delay mechanism.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/etlq/internal/domain"
)

// Enqueuer is the slice of the engine the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue domain.QueueName, kind domain.Kind, payload json.RawMessage, opts domain.EnqueueOptions) (string, error)
}

type Scheduler struct {
	cron *cron.Cron
	eng  Enqueuer
	log  *zap.Logger
}

// New creates a stopped scheduler; call Start after adding entries.
func New(eng Enqueuer, log *zap.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c, eng: eng, log: log}
}

// Add schedules an enqueue of kind on queue at every tick of expr. The
// dedupe key pins one job per kind per tick time, so an overlapping restart
// cannot double-enqueue the same period.
func (s *Scheduler) Add(expr string, queue domain.QueueName, kind domain.Kind) error {
	_, err := s.cron.AddFunc(expr, func() {
		now := time.Now().UTC()
		payload := json.RawMessage(fmt.Sprintf(`{"date":%q}`, now.Format("2006-01-02")))
		id, err := s.eng.Enqueue(context.Background(), queue, kind, payload, domain.EnqueueOptions{
			DedupeKey: fmt.Sprintf("cron:%s:%s", kind, now.Format("2006-01-02T15:04")),
		})
		if err != nil {
			s.log.Error("scheduled enqueue failed",
				zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		s.log.Info("scheduled job enqueued",
			zap.String("kind", string(kind)), zap.String("job_id", id))
	})
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for in-flight enqueues to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
