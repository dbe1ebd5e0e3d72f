package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// spawnPool starts the worker goroutines for one stage queue. Caller holds
// the manager lock.
func (m *Manager) spawnPool(q *stageQueue) {
	m.logger.Info("Spawning worker pool",
		slog.String("queue", q.name),
		slog.Int("concurrency", q.concurrency),
	)

	for i := 0; i < q.concurrency; i++ {
		m.wg.Add(1)
		go m.workerLoop(q, i)
	}
}

// workerLoop polls the broker for jobs until the manager shuts down. The
// broker returns nothing while the queue is paused, so pausing stops
// dispatch without touching the pool.
func (m *Manager) workerLoop(q *stageQueue, workerNum int) {
	defer m.wg.Done()

	workerName := fmt.Sprintf("%s-%d", q.name, workerNum)
	ticker := time.NewTicker(m.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			m.logger.Debug("Worker stopping",
				slog.String("worker_name", workerName),
			)
			return

		case <-ticker.C:
			m.fetchAndProcess(q, workerName)
		}
	}
}

// fetchAndProcess pulls at most one job and runs it to a terminal outcome.
func (m *Manager) fetchAndProcess(q *stageQueue, workerName string) {
	ctx := context.Background()

	job, err := m.broker.Fetch(ctx, q.name)
	if err != nil {
		m.logger.Error("Failed to fetch job",
			slog.String("worker_name", workerName),
			slog.Any("error", err),
		)
		return
	}
	if job == nil {
		return
	}

	m.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("candidate_id", job.Data.CandidateID),
		slog.Int("attempt", job.AttemptsMade),
	)

	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	result, procErr := q.processor(jobCtx, job.Data)
	cancel()

	if procErr != nil {
		m.logger.Error("Job processing failed",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.String("error_kind", pipeline.ErrorKind(procErr)),
			slog.String("error", procErr.Error()),
		)

		terminal, failErr := m.broker.Fail(ctx, q.name, job.ID, procErr.Error())
		if failErr != nil {
			m.logger.Error("Failed to record job failure",
				slog.String("job_id", job.ID),
				slog.Any("error", failErr),
			)
			return
		}
		if terminal {
			m.notifyFailed(ctx, q.name, job.ID)
		}
		return
	}

	if err := m.broker.Complete(ctx, q.name, job.ID, result); err != nil {
		m.logger.Error("Failed to record job completion",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	m.logger.Info("Job completed",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("candidate_id", job.Data.CandidateID),
	)
	m.notifyCompleted(ctx, q.name, job.ID)
}

func (m *Manager) completionHandler() CompletionHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *Manager) notifyCompleted(ctx context.Context, queueName, jobID string) {
	handler := m.completionHandler()
	if handler == nil {
		return
	}
	job, err := m.broker.GetJob(ctx, queueName, jobID)
	if err != nil {
		m.logger.Error("Failed to load completed job for handler",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	handler.HandleJobCompleted(ctx, queueName, job)
}

func (m *Manager) notifyFailed(ctx context.Context, queueName, jobID string) {
	handler := m.completionHandler()
	if handler == nil {
		return
	}
	job, err := m.broker.GetJob(ctx, queueName, jobID)
	if err != nil {
		m.logger.Error("Failed to load failed job for handler",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	handler.HandleJobFailed(ctx, queueName, job)
}
