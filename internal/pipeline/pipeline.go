// Package pipeline implements the stage handlers for the three pipeline
// families: ETL stages, report generation, and digest dispatch.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/you/etlq/internal/cache"
	"github.com/you/etlq/internal/domain"
	"github.com/you/etlq/internal/email"
	"github.com/you/etlq/internal/engine"
	"github.com/you/etlq/internal/retry"
)

type ExtractPayload struct {
	Source string          `json:"source"`
	Params json.RawMessage `json:"params,omitempty"`
}

type TransformPayload struct {
	Rules json.RawMessage `json:"rules,omitempty"`
}

type LoadPayload struct {
	Target string `json:"target"`
}

type ReportPayload struct {
	Date string `json:"date,omitempty"`
}

type DigestPayload struct {
	Recipient string `json:"recipient,omitempty"`
	Date      string `json:"date,omitempty"`
}

// ETL holds the extract/transform/load stage handlers. Extract is the only
// cache-eligible stage: results are memoized by a fingerprint of the source
// and its parameters, so a fresh hit skips the upstream call entirely.
type ETL struct {
	cache *cache.Cache
	log   *zap.Logger

	// DoExtract performs the real upstream read on a cache miss; DoLoad
	// writes to the destination store. Both are swappable for other sources
	// and destinations.
	DoExtract func(ctx context.Context, p ExtractPayload) (json.RawMessage, error)
	DoLoad    func(ctx context.Context, p LoadPayload) (json.RawMessage, error)
}

func NewETL(c *cache.Cache, log *zap.Logger) *ETL {
	return &ETL{
		cache: c,
		log:   log,
		DoExtract: func(_ context.Context, _ ExtractPayload) (json.RawMessage, error) {
			return json.RawMessage(`{"extracted":true}`), nil
		},
		DoLoad: func(_ context.Context, _ LoadPayload) (json.RawMessage, error) {
			return json.RawMessage(`{"loaded":true}`), nil
		},
	}
}

func (e *ETL) Extract(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p ExtractPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, retry.Permanentf("malformed extract payload: %v", err)
	}
	if p.Source == "" {
		return nil, retry.Permanentf("extract payload missing source")
	}

	key := cache.Fingerprint(p.Source, p.Params)
	if v, ok := e.cache.Get(key); ok {
		if cached, ok := v.(json.RawMessage); ok {
			e.log.Debug("extract cache hit",
				zap.String("source", p.Source), zap.String("fingerprint", key))
			return cached, nil
		}
	}

	result, err := e.DoExtract(ctx, p)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, result, 0)
	return result, nil
}

func (e *ETL) Transform(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p TransformPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, retry.Permanentf("malformed transform payload: %v", err)
		}
	}
	return json.RawMessage(`{"transformed":true}`), nil
}

func (e *ETL) Load(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p LoadPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, retry.Permanentf("malformed load payload: %v", err)
	}
	if p.Target == "" {
		return nil, retry.Permanentf("load payload missing target")
	}
	return e.DoLoad(ctx, p)
}

// Reports generates periodic reports from loaded data.
type Reports struct {
	log *zap.Logger
}

func NewReports(log *zap.Logger) *Reports { return &Reports{log: log} }

func (r *Reports) Daily(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return r.generate(job, "daily")
}

func (r *Reports) Monthly(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return r.generate(job, "monthly")
}

func (r *Reports) Weekly(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return r.generate(job, "weekly")
}

func (r *Reports) generate(job *domain.Job, period string) (json.RawMessage, error) {
	var p ReportPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, retry.Permanentf("malformed report payload: %v", err)
		}
	}
	r.log.Debug("report generated", zap.String("period", period), zap.String("date", p.Date))
	return json.RawMessage(fmt.Sprintf(`{"report":%q}`, period)), nil
}

// Digest sends the daily digest email.
type Digest struct {
	sender    email.Sender
	recipient string
	log       *zap.Logger
}

func NewDigest(sender email.Sender, defaultRecipient string, log *zap.Logger) *Digest {
	return &Digest{sender: sender, recipient: defaultRecipient, log: log}
}

func (d *Digest) Send(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p DigestPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, retry.Permanentf("malformed digest payload: %v", err)
		}
	}
	to := p.Recipient
	if to == "" {
		to = d.recipient
	}
	date := p.Date
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	subject := "Daily digest " + date
	body := "Your pipeline digest for " + date + "."
	if to != "" {
		if err := d.sender.Send(ctx, to, subject, body); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"sent":true,"type":"daily"}`), nil
}

// Register binds every pipeline kind to its queue and handler on the engine.
// Load chains a daily report job on success; the other stages do not fan out.
func Register(e *engine.Engine, etl *ETL, reports *Reports, digest *Digest) error {
	specs := []engine.KindSpec{
		{Kind: domain.KindExtract, Queue: domain.QueueETL, Handler: etl.Extract},
		{Kind: domain.KindTransform, Queue: domain.QueueETL, Handler: etl.Transform},
		{Kind: domain.KindLoad, Queue: domain.QueueETL, Handler: etl.Load, FollowOn: &engine.FollowOnSpec{
			Queue: domain.QueueReport,
			Kind:  domain.KindDailyReport,
			Payload: func(_ *domain.Job, _ json.RawMessage) json.RawMessage {
				return json.RawMessage(fmt.Sprintf(`{"date":%q}`, time.Now().UTC().Format("2006-01-02")))
			},
		}},
		{Kind: domain.KindDailyReport, Queue: domain.QueueReport, Handler: reports.Daily},
		{Kind: domain.KindMonthlyReport, Queue: domain.QueueReport, Handler: reports.Monthly},
		{Kind: domain.KindWeeklyReport, Queue: domain.QueueReport, Handler: reports.Weekly},
		{Kind: domain.KindSendDailyDigest, Queue: domain.QueueEmail, Handler: digest.Send},
	}
	for _, spec := range specs {
		if err := e.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
