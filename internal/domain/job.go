package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Dead      Status = "dead"
)

// Terminal reports whether a job in this status may never change status
// again. Failed is not terminal: it marks a job scheduled for another attempt.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Dead
}

type QueueName string

const (
	QueueETL    QueueName = "etl"
	QueueReport QueueName = "report"
	QueueEmail  QueueName = "email"
)

var Queues = []QueueName{QueueETL, QueueReport, QueueEmail}

func (q QueueName) Valid() bool {
	for _, n := range Queues {
		if q == n {
			return true
		}
	}
	return false
}

type Kind string

const (
	KindExtract         Kind = "extract"
	KindTransform       Kind = "transform"
	KindLoad            Kind = "load"
	KindDailyReport     Kind = "generateDailyReport"
	KindMonthlyReport   Kind = "generateMonthlyReport"
	KindWeeklyReport    Kind = "weeklyReport"
	KindSendDailyDigest Kind = "sendDailyDigest"
)

const DefaultMaxAttempts = 3

type Job struct {
	ID          string          `json:"id"`
	Queue       QueueName       `json:"queue"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Status      Status          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	AvailableAt time.Time       `json:"available_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep enough copy for handing jobs across goroutine
// boundaries without sharing mutable state.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	return &c
}

// EnqueueOptions tune a single enqueue call. While a non-terminal job with
// the same DedupeKey exists in the target queue, enqueueing returns that
// job's id instead of creating a duplicate.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	DedupeKey   string
}

// Outcome describes one terminal transition. Status is always Succeeded or
// Dead; consumers are expected to be idempotent on JobID.
type Outcome struct {
	JobID  string          `json:"job_id"`
	Queue  QueueName       `json:"queue"`
	Kind   Kind            `json:"kind"`
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}
