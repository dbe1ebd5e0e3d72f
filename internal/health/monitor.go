// Package health periodically synthesizes queue and broker state into an
// actionable report for operators.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// Overall health statuses.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Check thresholds: the periodic check warns early, the report flags a
// queue unhealthy only past the wider limits.
const (
	checkFailureRate  = 0.10
	checkBacklog      = 100
	reportFailureRate = 0.20
	reportBacklog     = 200
)

// StatsSource provides the per-queue snapshots the monitor evaluates.
type StatsSource interface {
	GetAllQueueStats(ctx context.Context) ([]pipeline.QueueStats, error)
	Ping(ctx context.Context) error
}

// QueueHealth is the per-queue slice of a health report.
type QueueHealth struct {
	QueueName string              `json:"queueName"`
	Healthy   bool                `json:"healthy"`
	Issues    []string            `json:"issues,omitempty"`
	Stats     pipeline.QueueStats `json:"stats"`
}

// Report is one synthesized health snapshot.
type Report struct {
	Status          string        `json:"status"`
	BrokerConnected bool          `json:"brokerConnected"`
	Queues          []QueueHealth `json:"queues"`
	CheckedAt       time.Time     `json:"checkedAt"`
}

// Config holds monitor dependencies and tuning.
type Config struct {
	Logger   *slog.Logger
	Source   StatsSource
	Interval time.Duration // default 30s
}

// Monitor polls queue and broker health on an interval and caches the last
// report.
type Monitor struct {
	logger   *slog.Logger
	source   StatsSource
	interval time.Duration

	mu         sync.Mutex
	lastReport *Report

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor. Start launches the poll loop.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Monitor{
		logger:   cfg.Logger,
		source:   cfg.Source,
		interval: cfg.Interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic health check loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PerformHealthCheck(ctx)
			}
		}
	}()
}

// Stop cancels the poll loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// PerformHealthCheck pings the broker and logs early-warning conditions:
// a failure rate above 10% or a backlog above 100 jobs on any queue.
func (m *Monitor) PerformHealthCheck(ctx context.Context) {
	if err := m.source.Ping(ctx); err != nil {
		// go-redis reconnects on the next command by itself; the ping both
		// detects the outage and drives that reconnect.
		m.logger.Error("Broker connectivity check failed", slog.Any("error", err))
	}

	stats, err := m.source.GetAllQueueStats(ctx)
	if err != nil {
		m.logger.Error("Failed to read queue stats", slog.Any("error", err))
	}
	for _, s := range stats {
		if rate := failureRate(s); rate > checkFailureRate {
			m.logger.Warn("Queue failure rate is high",
				slog.String("queue", s.QueueName),
				slog.Float64("failure_rate", rate),
			)
		}
		if s.Waiting > checkBacklog {
			m.logger.Warn("Queue backlog is large",
				slog.String("queue", s.QueueName),
				slog.Int64("waiting", s.Waiting),
			)
		}
	}

	report := m.GenerateHealthReport(ctx)
	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()
}

// GenerateHealthReport computes the current health report: a queue is
// healthy while its failure rate stays at or under 20% and its backlog at or
// under 200; overall status degrades with the fraction of unhealthy queues
// and is critical whenever the broker is unreachable.
func (m *Monitor) GenerateHealthReport(ctx context.Context) *Report {
	report := &Report{CheckedAt: time.Now().UTC()}

	brokerErr := m.source.Ping(ctx)
	report.BrokerConnected = brokerErr == nil

	stats, err := m.source.GetAllQueueStats(ctx)
	if err != nil {
		m.logger.Error("Failed to read queue stats for report", slog.Any("error", err))
	}

	healthyCount := 0
	for _, s := range stats {
		qh := QueueHealth{QueueName: s.QueueName, Healthy: true, Stats: s}

		if rate := failureRate(s); rate > reportFailureRate {
			qh.Healthy = false
			qh.Issues = append(qh.Issues, fmt.Sprintf("failure rate %.0f%% exceeds %.0f%%", rate*100, reportFailureRate*100))
		}
		if s.Waiting > reportBacklog {
			qh.Healthy = false
			qh.Issues = append(qh.Issues, fmt.Sprintf("waiting backlog %d exceeds %d", s.Waiting, reportBacklog))
		}
		if qh.Healthy {
			healthyCount++
		}
		report.Queues = append(report.Queues, qh)
	}

	switch {
	case !report.BrokerConnected:
		report.Status = StatusCritical
	case len(report.Queues) == 0 || healthyCount == len(report.Queues):
		report.Status = StatusHealthy
	case float64(healthyCount)/float64(len(report.Queues)) < 0.5:
		report.Status = StatusCritical
	default:
		report.Status = StatusWarning
	}

	return report
}

// LastReport returns the most recent cached report, or nil before the first
// check ran.
func (m *Monitor) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

func failureRate(s pipeline.QueueStats) float64 {
	finished := s.Failed + s.Completed
	if finished == 0 {
		return 0
	}
	return float64(s.Failed) / float64(finished)
}
