package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hirepipe/screening-core/internal/api/dto"
	"github.com/hirepipe/screening-core/internal/health"
	"github.com/hirepipe/screening-core/internal/pipeline"
)

// GetAllQueueStats handles GET /api/v1/queues/stats
func (h *QueueHandler) GetAllQueueStats(c *gin.Context) {
	stats, err := h.manager.GetAllQueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue stats", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to read queue stats", err.Error())
		return
	}
	respondOK(c, stats)
}

// GetQueueStats handles GET /api/v1/queues/stats/:queueName
func (h *QueueHandler) GetQueueStats(c *gin.Context) {
	queueName := c.Param("queueName")

	stats, err := h.manager.GetQueueStats(c.Request.Context(), queueName)
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueNotFound) {
			respondError(c, http.StatusNotFound, "Queue not found", queueName)
			return
		}
		h.logger.Error("Failed to read queue stats",
			slog.String("queue", queueName), slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to read queue stats", err.Error())
		return
	}
	respondOK(c, stats)
}

// GetBatchProgress handles GET /api/v1/queues/batch/:batchId/progress
func (h *QueueHandler) GetBatchProgress(c *gin.Context) {
	batchID := c.Param("batchId")

	progress, err := h.manager.GetBatchProgress(c.Request.Context(), batchID)
	if err != nil {
		h.logger.Error("Failed to read batch progress",
			slog.String("batch_id", batchID), slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to read batch progress", err.Error())
		return
	}
	if progress == nil {
		respondError(c, http.StatusNotFound, "Batch not found", batchID)
		return
	}
	respondOK(c, progress)
}

// GetJobProgress handles GET /api/v1/queues/job/:queueName/:jobId/progress
func (h *QueueHandler) GetJobProgress(c *gin.Context) {
	queueName := c.Param("queueName")
	jobID := c.Param("jobId")

	progress, err := h.manager.GetJobProgress(c.Request.Context(), queueName, jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueNotFound) {
			respondError(c, http.StatusNotFound, "Queue not found", queueName)
			return
		}
		h.logger.Error("Failed to read job progress",
			slog.String("queue", queueName), slog.String("job_id", jobID), slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to read job progress", err.Error())
		return
	}
	if progress == nil {
		respondError(c, http.StatusNotFound, "Job not found", jobID)
		return
	}
	respondOK(c, progress)
}

// ProcessBatch handles POST /api/v1/queues/batch/process
func (h *QueueHandler) ProcessBatch(c *gin.Context) {
	var req dto.ProcessBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	batch, err := h.orchestrator.ProcessCandidateBatch(c.Request.Context(), req.CandidateIDs, req.JobProfileID)
	if err != nil {
		h.logger.Error("Failed to start candidate batch", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to start candidate batch", err.Error())
		return
	}
	respondOK(c, batch)
}

// ProcessCandidate handles POST /api/v1/queues/batch/candidate
func (h *QueueHandler) ProcessCandidate(c *gin.Context) {
	var req dto.ProcessCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	startFrom := pipeline.Stage(req.StartFrom)
	if req.StartFrom != "" && !startFrom.Valid() {
		respondError(c, http.StatusBadRequest, "Invalid stage", req.StartFrom)
		return
	}

	batchID, err := h.orchestrator.ProcessIndividualCandidate(c.Request.Context(), req.CandidateID, req.JobProfileID, startFrom)
	if err != nil {
		h.logger.Error("Failed to start candidate processing", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to start candidate processing", err.Error())
		return
	}
	respondOK(c, gin.H{"batchId": batchID})
}

// PauseQueues handles POST /api/v1/queues/pause
func (h *QueueHandler) PauseQueues(c *gin.Context) {
	h.pauseOrResume(c, true)
}

// ResumeQueues handles POST /api/v1/queues/resume
func (h *QueueHandler) ResumeQueues(c *gin.Context) {
	h.pauseOrResume(c, false)
}

func (h *QueueHandler) pauseOrResume(c *gin.Context, pause bool) {
	var req dto.QueueTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	ctx := c.Request.Context()
	var err error
	switch {
	case req.QueueName != "" && pause:
		err = h.manager.PauseQueue(ctx, req.QueueName)
	case req.QueueName != "":
		err = h.manager.ResumeQueue(ctx, req.QueueName)
	case pause:
		err = h.orchestrator.PauseProcessing(ctx)
	default:
		err = h.orchestrator.ResumeProcessing(ctx)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueNotFound) {
			respondError(c, http.StatusNotFound, "Queue not found", req.QueueName)
			return
		}
		h.logger.Error("Failed to change queue state", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to change queue state", err.Error())
		return
	}

	state := "resumed"
	if pause {
		state = "paused"
	}
	target := req.QueueName
	if target == "" {
		target = "all"
	}
	respondOK(c, gin.H{"queue": target, "state": state})
}

// RetryFailed handles POST /api/v1/queues/retry-failed
func (h *QueueHandler) RetryFailed(c *gin.Context) {
	var req dto.QueueTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	ctx := c.Request.Context()
	if req.QueueName != "" {
		count, err := h.manager.RetryFailedJobs(ctx, req.QueueName)
		if err != nil {
			if errors.Is(err, pipeline.ErrQueueNotFound) {
				respondError(c, http.StatusNotFound, "Queue not found", req.QueueName)
				return
			}
			h.logger.Error("Failed to retry failed jobs",
				slog.String("queue", req.QueueName), slog.Any("error", err))
			respondError(c, http.StatusInternalServerError, "Failed to retry failed jobs", err.Error())
			return
		}
		respondOK(c, gin.H{"retried": gin.H{req.QueueName: count}})
		return
	}

	counts, err := h.orchestrator.RetryAllFailedJobs(ctx)
	if err != nil {
		h.logger.Error("Failed to retry failed jobs", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to retry failed jobs", err.Error())
		return
	}
	respondOK(c, gin.H{"retried": counts})
}

// CleanQueues handles POST /api/v1/queues/clean
func (h *QueueHandler) CleanQueues(c *gin.Context) {
	var req dto.CleanRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.GracePeriodMs < 0 {
		respondError(c, http.StatusBadRequest, "gracePeriodMs must not be negative")
		return
	}

	grace := time.Duration(req.GracePeriodMs) * time.Millisecond
	removed, err := h.orchestrator.CleanupOldJobs(c.Request.Context(), grace)
	if err != nil {
		h.logger.Error("Failed to clean queues", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to clean queues", err.Error())
		return
	}
	respondOK(c, gin.H{"removed": removed})
}

// GetSystemStatus handles GET /api/v1/queues/system/status
func (h *QueueHandler) GetSystemStatus(c *gin.Context) {
	status, err := h.orchestrator.GetSystemStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read system status", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "Failed to read system status", err.Error())
		return
	}
	respondOK(c, status)
}

// GetMetrics handles GET /api/v1/queues/metrics
func (h *QueueHandler) GetMetrics(c *gin.Context) {
	limits := make([]dto.ServiceLimitDTO, 0)
	for service, budget := range h.limiter.Budgets() {
		entry := dto.ServiceLimitDTO{
			Service:   service,
			MaxCalls:  budget.MaxCalls,
			WindowMs:  budget.Window.Milliseconds(),
			Remaining: h.limiter.RemainingCalls(service, budget.MaxCalls),
		}
		if resetAt, ok := h.limiter.ResetTime(service); ok {
			entry.ResetsAt = resetAt.UTC().Format(time.RFC3339)
		}
		limits = append(limits, entry)
	}

	respondOK(c, gin.H{
		"rateLimits": limits,
		"recovery":   h.recovery.GetRecoveryStatus(),
	})
}

// GetHealth handles GET /api/v1/queues/health
func (h *QueueHandler) GetHealth(c *gin.Context) {
	report := h.health.GenerateHealthReport(c.Request.Context())

	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success": report.Status != health.StatusCritical,
		"data":    report,
	})
}
