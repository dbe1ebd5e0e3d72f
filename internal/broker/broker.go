// Package broker implements the durable queue layer on Redis. Each queue
// keeps its jobs as hashes and its per-state membership as sorted sets, so
// waiting order, delayed promotion, stall detection and grace-period cleaning
// are all score range operations.
package broker

import (
	"time"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// State identifies the lifecycle bucket a job currently sits in.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// States lists every lifecycle bucket, in the order progress scans use.
var States = []State{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}

// Job is the broker-owned record wrapping one JobData payload. The
// orchestrator only reads it.
type Job struct {
	ID           string           `json:"id"`
	Queue        string           `json:"queue"`
	Data         pipeline.JobData `json:"data"`
	State        State            `json:"state"`
	AttemptsMade int              `json:"attemptsMade"`
	MaxAttempts  int              `json:"maxAttempts"`
	Priority     int              `json:"priority"`
	Progress     int              `json:"progress"`
	FailedReason string           `json:"failedReason,omitempty"`
	ReturnValue  map[string]any   `json:"returnValue,omitempty"`
	EnqueuedAt   time.Time        `json:"enqueuedAt"`
	ProcessedOn  *time.Time       `json:"processedOn,omitempty"`
	FinishedOn   *time.Time       `json:"finishedOn,omitempty"`
}

// Options control a single enqueue.
type Options struct {
	Priority int
	Delay    time.Duration
}

// QueueConfig holds the per-queue defaults fixed at registration time.
type QueueConfig struct {
	// Attempts is the total processing budget, including the first attempt.
	Attempts int
	// InitialBackoff is the base of the exponential retry delay.
	InitialBackoff time.Duration
	// RemoveOnComplete bounds how many completed jobs are retained.
	RemoveOnComplete int
	// RemoveOnFail bounds how many failed jobs are retained.
	RemoveOnFail int
	// StallTimeout is how long an active job may go without progress before
	// it is considered stalled.
	StallTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.RemoveOnComplete <= 0 {
		c.RemoveOnComplete = 100
	}
	if c.RemoveOnFail <= 0 {
		c.RemoveOnFail = 50
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	return c
}
