// Package queue owns the six named stage queues and their worker pools.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hirepipe/screening-core/internal/broker"
	"github.com/hirepipe/screening-core/internal/pipeline"
)

// Default per-stage worker pool sizes. Interview runs strictly serial;
// linkedin is the tightest external budget.
var defaultConcurrency = map[pipeline.Stage]int{
	pipeline.StageResume:     5,
	pipeline.StageAIAnalysis: 3,
	pipeline.StageLinkedIn:   2,
	pipeline.StageGitHub:     3,
	pipeline.StageInterview:  1,
	pipeline.StageScoring:    5,
}

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 2 * time.Second
	defaultFetchInterval  = 100 * time.Millisecond
	defaultJobTimeout     = 5 * time.Minute
	defaultStallTimeout   = 30 * time.Second
	defaultCleanGrace     = 5 * time.Second

	// Health heuristic ceilings, see HealthStatus.
	healthMaxFailed = 100
)

// CompletionHandler observes terminal job outcomes. The orchestrator
// registers itself here to advance candidates through the pipeline.
type CompletionHandler interface {
	HandleJobCompleted(ctx context.Context, queueName string, job *broker.Job)
	HandleJobFailed(ctx context.Context, queueName string, job *broker.Job)
}

// Config holds queue manager configuration.
type Config struct {
	Logger     *slog.Logger
	Broker     *broker.Redis
	Processors map[pipeline.Stage]pipeline.Processor

	MaxRetries     int
	InitialBackoff time.Duration
	FetchInterval  time.Duration
	JobTimeout     time.Duration
	StallTimeout   time.Duration
	// Concurrency overrides the default per-stage pool sizes.
	Concurrency map[pipeline.Stage]int
}

// Manager owns one durable queue per pipeline stage, each with a bound
// worker pool pulling jobs from the broker.
type Manager struct {
	logger *slog.Logger
	broker *broker.Redis
	cfg    Config

	mu            sync.Mutex
	queues        map[string]*stageQueue
	handler       CompletionHandler
	isInitialized bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type stageQueue struct {
	name        string
	stage       pipeline.Stage
	concurrency int
	processor   pipeline.Processor
}

// NewManager creates a queue manager. Initialize must be called before any
// job operation.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = defaultFetchInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}

	return &Manager{
		logger: cfg.Logger,
		broker: cfg.Broker,
		cfg:    cfg,
		queues: make(map[string]*stageQueue),
	}
}

// SetCompletionHandler registers the stage-sequencing callback. Must be
// called before Initialize so no completion is missed.
func (m *Manager) SetCompletionHandler(h CompletionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Initialize connects to the broker, registers the six stage queues and
// spawns their worker pools. Calling it again without Shutdown is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isInitialized {
		m.logger.Warn("Queue manager already initialized, skipping")
		return nil
	}

	if err := m.broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}

	m.stopChan = make(chan struct{})

	for _, stage := range pipeline.StageOrder {
		processor, ok := m.cfg.Processors[stage]
		if !ok {
			return fmt.Errorf("no processor registered for stage %q", stage)
		}

		concurrency := defaultConcurrency[stage]
		if override, ok := m.cfg.Concurrency[stage]; ok && override > 0 {
			concurrency = override
		}

		queueName := stage.QueueName()
		m.broker.RegisterQueue(queueName, broker.QueueConfig{
			Attempts:         m.cfg.MaxRetries,
			InitialBackoff:   m.cfg.InitialBackoff,
			RemoveOnComplete: 100,
			RemoveOnFail:     50,
			StallTimeout:     m.cfg.StallTimeout,
		})

		q := &stageQueue{
			name:        queueName,
			stage:       stage,
			concurrency: concurrency,
			processor:   processor,
		}
		m.queues[queueName] = q
		m.spawnPool(q)
	}

	m.isInitialized = true
	m.logger.Info("Queue manager initialized",
		slog.Int("queues", len(m.queues)),
		slog.Int("max_retries", m.cfg.MaxRetries),
	)
	return nil
}

func (m *Manager) queue(name string) (*stageQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isInitialized {
		return nil, pipeline.ErrNotInitialized
	}
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", name, pipeline.ErrQueueNotFound)
	}
	return q, nil
}

func (m *Manager) queueNames() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isInitialized {
		return nil, pipeline.ErrNotInitialized
	}
	names := make([]string, 0, len(m.queues))
	for _, stage := range pipeline.StageOrder {
		if _, ok := m.queues[stage.QueueName()]; ok {
			names = append(names, stage.QueueName())
		}
	}
	return names, nil
}

// AddJob enqueues one job. The job's own priority is used unless options
// override it.
func (m *Manager) AddJob(ctx context.Context, queueName string, data pipeline.JobData, opts *broker.Options) (string, error) {
	if _, err := m.queue(queueName); err != nil {
		return "", err
	}

	options := broker.Options{Priority: data.Priority}
	if opts != nil {
		options = *opts
	}

	jobID, err := m.broker.Enqueue(ctx, queueName, data, options)
	if err != nil {
		return "", fmt.Errorf("failed to add job to %s: %w", queueName, err)
	}

	m.logger.Debug("Job added",
		slog.String("queue", queueName),
		slog.String("job_id", jobID),
		slog.String("candidate_id", data.CandidateID),
		slog.String("batch_id", data.BatchID),
	)
	return jobID, nil
}

// AddBatchJobs enqueues jobs sequentially. On any failure it aborts and
// propagates the error; jobs already enqueued stay in place (at-least-once
// semantics, the caller observes the partial batch via progress).
func (m *Manager) AddBatchJobs(ctx context.Context, jobs []pipeline.JobData) error {
	for i, data := range jobs {
		queueName := data.Stage.QueueName()
		if queueName == "" {
			return fmt.Errorf("job %d has unknown stage %q: %w", i, data.Stage, pipeline.ErrQueueNotFound)
		}
		if _, err := m.AddJob(ctx, queueName, data, nil); err != nil {
			return fmt.Errorf("batch add aborted at job %d of %d: %w", i+1, len(jobs), err)
		}
	}
	return nil
}

// GetJobProgress returns the progress view of one job, or nil when the queue
// or job is unknown.
func (m *Manager) GetJobProgress(ctx context.Context, queueName, jobID string) (*pipeline.JobProgress, error) {
	if _, err := m.queue(queueName); err != nil {
		if errors.Is(err, pipeline.ErrNotInitialized) {
			return nil, err
		}
		return nil, nil
	}

	job, err := m.broker.GetJob(ctx, queueName, jobID)
	if err != nil {
		// Only true absence reads as "no progress"; a broker failure must
		// surface to the caller, not masquerade as a missing job.
		if errors.Is(err, pipeline.ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &pipeline.JobProgress{
		JobID:       job.ID,
		CandidateID: job.Data.CandidateID,
		Stage:       job.Data.Stage,
		Progress:    job.Progress,
		Status:      string(job.State),
		StartedAt:   job.ProcessedOn,
		CompletedAt: job.FinishedOn,
		Error:       job.FailedReason,
		Result:      job.ReturnValue,
	}, nil
}

// GetBatchProgress scans every queue and state for jobs carrying batchID and
// aggregates them. Returns nil when no jobs match.
func (m *Manager) GetBatchProgress(ctx context.Context, batchID string) (*pipeline.BatchProgress, error) {
	names, err := m.queueNames()
	if err != nil {
		return nil, err
	}

	progress := &pipeline.BatchProgress{
		BatchID: batchID,
		Stages:  make(map[pipeline.Stage]*pipeline.StageProgress),
	}

	for _, queueName := range names {
		for _, state := range broker.States {
			jobs, err := m.broker.JobsByState(ctx, queueName, state)
			if err != nil {
				return nil, fmt.Errorf("failed to scan %s/%s: %w", queueName, state, err)
			}
			for _, job := range jobs {
				if job.Data.BatchID != batchID {
					continue
				}
				sp, ok := progress.Stages[job.Data.Stage]
				if !ok {
					sp = &pipeline.StageProgress{}
					progress.Stages[job.Data.Stage] = sp
				}
				progress.TotalJobs++
				sp.Total++
				switch state {
				case broker.StateCompleted:
					progress.CompletedJobs++
					sp.Completed++
				case broker.StateFailed:
					progress.FailedJobs++
					sp.Failed++
				case broker.StateActive:
					progress.ActiveJobs++
				}
			}
		}
	}

	if progress.TotalJobs == 0 {
		return nil, nil
	}

	progress.Progress = percent(progress.CompletedJobs+progress.FailedJobs, progress.TotalJobs)
	for _, sp := range progress.Stages {
		sp.Progress = percent(sp.Completed+sp.Failed, sp.Total)
	}
	return progress, nil
}

func percent(done, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

// GetQueueStats returns the current per-state counts of one queue.
func (m *Manager) GetQueueStats(ctx context.Context, queueName string) (*pipeline.QueueStats, error) {
	if _, err := m.queue(queueName); err != nil {
		return nil, err
	}

	counts, err := m.broker.Counts(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats of %s: %w", queueName, err)
	}
	paused, err := m.broker.IsPaused(ctx, queueName)
	if err != nil {
		return nil, err
	}

	return &pipeline.QueueStats{
		QueueName: queueName,
		Waiting:   counts[broker.StateWaiting],
		Active:    counts[broker.StateActive],
		Completed: counts[broker.StateCompleted],
		Failed:    counts[broker.StateFailed],
		Delayed:   counts[broker.StateDelayed],
		Paused:    paused,
	}, nil
}

// GetAllQueueStats snapshots every queue in stage order.
func (m *Manager) GetAllQueueStats(ctx context.Context) ([]pipeline.QueueStats, error) {
	names, err := m.queueNames()
	if err != nil {
		return nil, err
	}

	stats := make([]pipeline.QueueStats, 0, len(names))
	for _, name := range names {
		s, err := m.GetQueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *s)
	}
	return stats, nil
}

// PauseQueue stops job dispatch for one queue. In-flight jobs finish.
func (m *Manager) PauseQueue(ctx context.Context, queueName string) error {
	if _, err := m.queue(queueName); err != nil {
		return err
	}
	if err := m.broker.Pause(ctx, queueName); err != nil {
		return err
	}
	m.logger.Info("Queue paused", slog.String("queue", queueName))
	return nil
}

// ResumeQueue restarts job dispatch for one queue.
func (m *Manager) ResumeQueue(ctx context.Context, queueName string) error {
	if _, err := m.queue(queueName); err != nil {
		return err
	}
	if err := m.broker.Resume(ctx, queueName); err != nil {
		return err
	}
	m.logger.Info("Queue resumed", slog.String("queue", queueName))
	return nil
}

// RetryFailedJobs resubmits every failed job of one queue and returns the
// count of jobs resubmitted.
func (m *Manager) RetryFailedJobs(ctx context.Context, queueName string) (int, error) {
	if _, err := m.queue(queueName); err != nil {
		return 0, err
	}

	count, err := m.broker.RetryFailed(ctx, queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to retry jobs of %s: %w", queueName, err)
	}
	if count > 0 {
		m.logger.Info("Failed jobs resubmitted",
			slog.String("queue", queueName),
			slog.Int("count", count),
		)
	}
	return count, nil
}

// RetryAllFailedJobs resubmits failed jobs across every queue and returns
// per-queue counts. Per-queue failures are logged and skipped.
func (m *Manager) RetryAllFailedJobs(ctx context.Context) (map[string]int, error) {
	names, err := m.queueNames()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(names))
	for _, name := range names {
		count, err := m.RetryFailedJobs(ctx, name)
		if err != nil {
			m.logger.Error("Failed to retry queue, skipping",
				slog.String("queue", name),
				slog.Any("error", err),
			)
			continue
		}
		counts[name] = count
	}
	return counts, nil
}

// RestartStalledJobs requeues active jobs whose workers stopped reporting
// progress, across every queue.
func (m *Manager) RestartStalledJobs(ctx context.Context) (map[string]int, error) {
	names, err := m.queueNames()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(names))
	for _, name := range names {
		count, err := m.broker.RequeueStalled(ctx, name)
		if err != nil {
			return counts, fmt.Errorf("failed to restart stalled jobs of %s: %w", name, err)
		}
		counts[name] = count
	}
	return counts, nil
}

// CleanQueue purges completed/failed jobs older than the grace period.
func (m *Manager) CleanQueue(ctx context.Context, queueName string, grace time.Duration) (int, error) {
	if _, err := m.queue(queueName); err != nil {
		return 0, err
	}
	if grace <= 0 {
		grace = defaultCleanGrace
	}

	removed, err := m.broker.Clean(ctx, queueName, grace)
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s: %w", queueName, err)
	}
	if removed > 0 {
		m.logger.Info("Queue cleaned",
			slog.String("queue", queueName),
			slog.Int("removed", removed),
			slog.Duration("grace", grace),
		)
	}
	return removed, nil
}

// HealthStatus is the manager's quick deadlock/backlog heuristic.
type HealthStatus struct {
	Healthy      bool  `json:"healthy"`
	TotalWaiting int64 `json:"totalWaiting"`
	TotalActive  int64 `json:"totalActive"`
	TotalFailed  int64 `json:"totalFailed"`
}

// GetHealthStatus reports unhealthy when failures crossed an absolute
// ceiling, or when a waiting backlog exists with zero active workers (a
// stuck pipeline).
func (m *Manager) GetHealthStatus(ctx context.Context) (*HealthStatus, error) {
	stats, err := m.GetAllQueueStats(ctx)
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{}
	for _, s := range stats {
		status.TotalWaiting += s.Waiting
		status.TotalActive += s.Active
		status.TotalFailed += s.Failed
	}
	status.Healthy = status.TotalFailed < healthMaxFailed &&
		(status.TotalActive > 0 || status.TotalWaiting == 0)
	return status, nil
}

// Ping verifies broker connectivity on behalf of the health monitor.
func (m *Manager) Ping(ctx context.Context) error {
	return m.broker.Ping(ctx)
}

// Shutdown stops every worker pool, closes the broker connection and clears
// the registry. In-flight jobs are allowed to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.isInitialized {
		m.mu.Unlock()
		return nil
	}
	close(m.stopChan)
	m.isInitialized = false
	m.queues = make(map[string]*stageQueue)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown timeout exceeded while waiting for workers")
	}

	if err := m.broker.Close(); err != nil {
		return fmt.Errorf("failed to close broker: %w", err)
	}
	m.logger.Info("Queue manager shut down")
	return nil
}
