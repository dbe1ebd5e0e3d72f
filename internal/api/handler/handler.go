package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirepipe/screening-core/internal/health"
	"github.com/hirepipe/screening-core/internal/orchestrator"
	"github.com/hirepipe/screening-core/internal/queue"
	"github.com/hirepipe/screening-core/internal/ratelimit"
	"github.com/hirepipe/screening-core/internal/recovery"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Manager      *queue.Manager
	Orchestrator *orchestrator.Orchestrator
	Recovery     *recovery.Engine
	Limiter      *ratelimit.Limiter
	Health       *health.Monitor
}

// QueueHandler handles pipeline queue HTTP requests
type QueueHandler struct {
	logger       *slog.Logger
	manager      *queue.Manager
	orchestrator *orchestrator.Orchestrator
	recovery     *recovery.Engine
	limiter      *ratelimit.Limiter
	health       *health.Monitor
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	return &QueueHandler{
		logger:       deps.Logger,
		manager:      deps.Manager,
		orchestrator: deps.Orchestrator,
		recovery:     deps.Recovery,
		limiter:      deps.Limiter,
		health:       deps.Health,
	}
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, msg string, details ...string) {
	body := gin.H{
		"success": false,
		"error":   msg,
	}
	if len(details) > 0 {
		body["details"] = details[0]
	}
	c.JSON(status, body)
}
