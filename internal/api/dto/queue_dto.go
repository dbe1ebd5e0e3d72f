package dto

// ProcessBatchRequest is the body of POST /api/v1/queues/batch/process.
type ProcessBatchRequest struct {
	CandidateIDs []string `json:"candidateIds" binding:"required,min=1"`
	JobProfileID string   `json:"jobProfileId" binding:"required"`
}

// ProcessCandidateRequest is the body of POST /api/v1/queues/batch/candidate.
// StartFrom is optional and defaults to the resume stage.
type ProcessCandidateRequest struct {
	CandidateID  string `json:"candidateId" binding:"required"`
	JobProfileID string `json:"jobProfileId" binding:"required"`
	StartFrom    string `json:"startFrom"`
}

// QueueTargetRequest selects one queue for pause/resume/retry operations.
// An empty QueueName targets every pipeline queue.
type QueueTargetRequest struct {
	QueueName string `json:"queueName"`
}

// CleanRequest is the body of POST /api/v1/queues/clean.
type CleanRequest struct {
	GracePeriodMs int64 `json:"gracePeriodMs"`
}

// ServiceLimitDTO is the per-service slice of the metrics response.
type ServiceLimitDTO struct {
	Service   string `json:"service"`
	MaxCalls  int    `json:"maxCalls"`
	WindowMs  int64  `json:"windowMs"`
	Remaining int    `json:"remaining"`
	ResetsAt  string `json:"resetsAt,omitempty"`
}
