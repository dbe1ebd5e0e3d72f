package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirepipe/screening-core/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Liveness endpoint; the detailed report lives under /api/v1/queues/health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "orchestrator-service",
		})
	})

	queueHandler := handler.NewQueueHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		queues := v1.Group("/queues")
		{
			// GET /api/v1/queues/stats - All queue counters
			queues.GET("/stats", queueHandler.GetAllQueueStats)

			// GET /api/v1/queues/stats/:queueName - One queue's counters
			queues.GET("/stats/:queueName", queueHandler.GetQueueStats)

			// GET /api/v1/queues/batch/:batchId/progress - Batch progress rollup
			queues.GET("/batch/:batchId/progress", queueHandler.GetBatchProgress)

			// GET /api/v1/queues/job/:queueName/:jobId/progress - Single job progress
			queues.GET("/job/:queueName/:jobId/progress", queueHandler.GetJobProgress)

			// POST /api/v1/queues/batch/process - Screen a batch of candidates
			queues.POST("/batch/process", queueHandler.ProcessBatch)

			// POST /api/v1/queues/batch/candidate - Screen a single candidate
			queues.POST("/batch/candidate", queueHandler.ProcessCandidate)

			// POST /api/v1/queues/pause - Pause one queue or all of them
			queues.POST("/pause", queueHandler.PauseQueues)

			// POST /api/v1/queues/resume - Resume one queue or all of them
			queues.POST("/resume", queueHandler.ResumeQueues)

			// POST /api/v1/queues/retry-failed - Resubmit failed jobs
			queues.POST("/retry-failed", queueHandler.RetryFailed)

			// POST /api/v1/queues/clean - Drop old completed/failed jobs
			queues.POST("/clean", queueHandler.CleanQueues)

			// GET /api/v1/queues/system/status - Queue counters + batch rollup
			queues.GET("/system/status", queueHandler.GetSystemStatus)

			// GET /api/v1/queues/metrics - Rate-limit windows + recovery state
			queues.GET("/metrics", queueHandler.GetMetrics)

			// GET /api/v1/queues/health - Full health report, 503 when critical
			queues.GET("/health", queueHandler.GetHealth)
		}
	}

	return r
}
