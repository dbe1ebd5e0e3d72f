package pipeline

import (
	"context"
	"time"
)

// JobData identifies one unit of work: one candidate at one stage within
// one batch. It is immutable once enqueued; retries reuse the same JobData.
type JobData struct {
	CandidateID  string `json:"candidateId"`
	JobProfileID string `json:"jobProfileId"`
	BatchID      string `json:"batchId"`
	Stage        Stage  `json:"stage"`
	Priority     int    `json:"priority,omitempty"`
}

// Processor is the opaque stage business logic: it receives one JobData
// and returns a result map on success or an error on failure. The broker's
// retry configuration handles transient failures; processors must tolerate
// duplicate execution of the same JobData.
type Processor func(ctx context.Context, job JobData) (map[string]any, error)

// BatchStatus is the lifecycle state of a ProcessingBatch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusPaused     BatchStatus = "paused"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// ProcessingBatch tracks a set of candidates submitted together against one
// job profile. It is created once per orchestration request and mutated by
// stage-completion callbacks until every candidate reaches a terminal state.
type ProcessingBatch struct {
	ID                  string      `json:"id"`
	JobProfileID        string      `json:"jobProfileId"`
	CandidateIDs        []string    `json:"candidateIds"`
	TotalCandidates     int         `json:"totalCandidates"`
	ProcessedCandidates int         `json:"processedCandidates"`
	FailedCandidates    int         `json:"failedCandidates"`
	Status              BatchStatus `json:"status"`
	StartedAt           time.Time   `json:"startedAt"`
	CompletedAt         *time.Time  `json:"completedAt,omitempty"`
}

// QueueStats is a per-queue snapshot of job counts. It is derived on demand
// and never persisted.
type QueueStats struct {
	QueueName string `json:"queueName"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
}

// StageProgress is the per-stage slice of a batch progress aggregate.
type StageProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Progress  int `json:"progress"`
}

// BatchProgress aggregates every job carrying one batchId across all queues
// and states.
type BatchProgress struct {
	BatchID       string                   `json:"batchId"`
	TotalJobs     int                      `json:"totalJobs"`
	CompletedJobs int                      `json:"completedJobs"`
	FailedJobs    int                      `json:"failedJobs"`
	ActiveJobs    int                      `json:"activeJobs"`
	Progress      int                      `json:"progress"`
	Stages        map[Stage]*StageProgress `json:"stages"`
}

// JobProgress is the externally visible view of one job's state.
type JobProgress struct {
	JobID       string         `json:"jobId"`
	CandidateID string         `json:"candidateId"`
	Stage       Stage          `json:"stage"`
	Progress    int            `json:"progress"`
	Status      string         `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}
