package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirepipe/screening-core/internal/broker"
	"github.com/hirepipe/screening-core/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// succeedAll builds a processor map where every stage completes immediately.
func succeedAll() map[pipeline.Stage]pipeline.Processor {
	processors := make(map[pipeline.Stage]pipeline.Processor, len(pipeline.StageOrder))
	for _, stage := range pipeline.StageOrder {
		processors[stage] = func(ctx context.Context, data pipeline.JobData) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}
	}
	return processors
}

func newTestManager(t *testing.T, processors map[pipeline.Stage]pipeline.Processor, maxRetries int) *Manager {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := discardLogger()
	return NewManager(Config{
		Logger:        logger,
		Broker:        broker.NewRedis(client, logger, "test"),
		Processors:    processors,
		MaxRetries:    maxRetries,
		FetchInterval: 10 * time.Millisecond,
		JobTimeout:    time.Second,
	})
}

func resumeJob(candidateID, batchID string) pipeline.JobData {
	return pipeline.JobData{
		CandidateID:  candidateID,
		JobProfileID: "job-1",
		BatchID:      batchID,
		Stage:        pipeline.StageResume,
	}
}

// recordingHandler collects terminal job notifications.
type recordingHandler struct {
	mu        sync.Mutex
	completed []*broker.Job
	failed    []*broker.Job
}

func (h *recordingHandler) HandleJobCompleted(ctx context.Context, queueName string, job *broker.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, job)
}

func (h *recordingHandler) HandleJobFailed(ctx context.Context, queueName string, job *broker.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, job)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed), len(h.failed)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()

	_, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	assert.ErrorIs(t, err, pipeline.ErrNotInitialized)

	_, err = m.GetQueueStats(ctx, pipeline.QueueResumeProcessing)
	assert.ErrorIs(t, err, pipeline.ErrNotInitialized)

	err = m.PauseQueue(ctx, pipeline.QueueResumeProcessing)
	assert.ErrorIs(t, err, pipeline.ErrNotInitialized)

	_, err = m.GetAllQueueStats(ctx)
	assert.ErrorIs(t, err, pipeline.ErrNotInitialized)
}

func TestInitializeIsIdempotent(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx))

	stats, err := m.GetAllQueueStats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats, 6)
}

func TestInitializeRequiresAllProcessors(t *testing.T) {
	processors := succeedAll()
	delete(processors, pipeline.StageScoring)

	m := newTestManager(t, processors, 3)
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no processor registered")
}

func TestUnknownQueueAfterInitialize(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	_, err := m.GetQueueStats(ctx, "no-such-queue")
	assert.ErrorIs(t, err, pipeline.ErrQueueNotFound)

	_, err = m.AddJob(ctx, "no-such-queue", resumeJob("c1", "b1"), nil)
	assert.ErrorIs(t, err, pipeline.ErrQueueNotFound)
}

func TestJobRunsToCompletion(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	jobID, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		progress, err := m.GetJobProgress(ctx, pipeline.QueueResumeProcessing, jobID)
		return err == nil && progress != nil && progress.Status == string(broker.StateCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	progress, err := m.GetJobProgress(ctx, pipeline.QueueResumeProcessing, jobID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Progress)
	assert.Equal(t, "c1", progress.CandidateID)
	assert.Equal(t, true, progress.Result["ok"])
}

func TestCompletionHandlerIsNotified(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	handler := &recordingHandler{}
	m.SetCompletionHandler(handler)

	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	_, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		completed, _ := handler.counts()
		return completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "c1", handler.completed[0].Data.CandidateID)
	assert.Equal(t, broker.StateCompleted, handler.completed[0].State)
}

func TestFailedJobExhaustsAttemptsAndNotifies(t *testing.T) {
	processors := succeedAll()
	processors[pipeline.StageResume] = func(ctx context.Context, data pipeline.JobData) (map[string]any, error) {
		return nil, errors.New("parser exploded")
	}

	m := newTestManager(t, processors, 1)
	handler := &recordingHandler{}
	m.SetCompletionHandler(handler)

	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	jobID, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, failed := handler.counts()
		return failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	progress, err := m.GetJobProgress(ctx, pipeline.QueueResumeProcessing, jobID)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, string(broker.StateFailed), progress.Status)
	assert.Contains(t, progress.Error, "parser exploded")
}

func TestRetryFailedJobsResubmits(t *testing.T) {
	processors := succeedAll()
	processors[pipeline.StageResume] = func(ctx context.Context, data pipeline.JobData) (map[string]any, error) {
		return nil, errors.New("boom")
	}

	m := newTestManager(t, processors, 1)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	_, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := m.GetQueueStats(ctx, pipeline.QueueResumeProcessing)
		return err == nil && stats.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Hold dispatch so the resubmitted job stays observable.
	require.NoError(t, m.PauseQueue(ctx, pipeline.QueueResumeProcessing))

	count, err := m.RetryFailedJobs(ctx, pipeline.QueueResumeProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := m.GetQueueStats(ctx, pipeline.QueueResumeProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestBatchProgressAggregation(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	// Pause dispatch so the snapshot observes all five jobs waiting.
	require.NoError(t, m.PauseQueue(ctx, pipeline.QueueResumeProcessing))

	jobs := make([]pipeline.JobData, 0, 5)
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		jobs = append(jobs, resumeJob(id, "batch-7"))
	}
	require.NoError(t, m.AddBatchJobs(ctx, jobs))

	progress, err := m.GetBatchProgress(ctx, "batch-7")
	require.NoError(t, err)
	require.NotNil(t, progress)

	assert.Equal(t, "batch-7", progress.BatchID)
	assert.Equal(t, 5, progress.TotalJobs)
	assert.Equal(t, 0, progress.CompletedJobs)
	assert.Equal(t, 0, progress.Progress)
	require.Contains(t, progress.Stages, pipeline.StageResume)
	assert.Equal(t, 5, progress.Stages[pipeline.StageResume].Total)

	// Unknown batches yield no progress at all.
	none, err := m.GetBatchProgress(ctx, "batch-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBatchProgressReflectsCompletion(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	require.NoError(t, m.AddBatchJobs(ctx, []pipeline.JobData{
		resumeJob("c1", "batch-8"),
		resumeJob("c2", "batch-8"),
	}))

	require.Eventually(t, func() bool {
		progress, err := m.GetBatchProgress(ctx, "batch-8")
		return err == nil && progress != nil && progress.CompletedJobs == 2
	}, 2*time.Second, 10*time.Millisecond)

	progress, err := m.GetBatchProgress(ctx, "batch-8")
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Progress)
	assert.Equal(t, 100, progress.Stages[pipeline.StageResume].Progress)
}

func TestPauseStopsDispatchUntilResume(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	require.NoError(t, m.PauseQueue(ctx, pipeline.QueueResumeProcessing))

	_, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	stats, err := m.GetQueueStats(ctx, pipeline.QueueResumeProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.True(t, stats.Paused)

	require.NoError(t, m.ResumeQueue(ctx, pipeline.QueueResumeProcessing))

	require.Eventually(t, func() bool {
		stats, err := m.GetQueueStats(ctx, pipeline.QueueResumeProcessing)
		return err == nil && stats.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetQueueStatsIsIdempotent(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	first, err := m.GetQueueStats(ctx, pipeline.QueueAIAnalysis)
	require.NoError(t, err)
	second, err := m.GetQueueStats(ctx, pipeline.QueueAIAnalysis)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetHealthStatus(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	status, err := m.GetHealthStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, int64(0), status.TotalWaiting)
}

func TestCleanQueueRemovesFinishedJobs(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	_, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := m.GetQueueStats(ctx, pipeline.QueueResumeProcessing)
		return err == nil && stats.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	removed, err := m.CleanQueue(ctx, pipeline.QueueResumeProcessing, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestShutdownResetsManager(t *testing.T) {
	m := newTestManager(t, succeedAll(), 3)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	_, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	assert.ErrorIs(t, err, pipeline.ErrNotInitialized)

	// A second shutdown is a no-op.
	require.NoError(t, m.Shutdown(shutdownCtx))
}

func TestGetJobProgressDistinguishesAbsenceFromBrokerFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := discardLogger()
	m := NewManager(Config{
		Logger:        logger,
		Broker:        broker.NewRedis(client, logger, "test"),
		Processors:    succeedAll(),
		FetchInterval: 10 * time.Millisecond,
		JobTimeout:    time.Second,
	})
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.PauseQueue(ctx, pipeline.QueueResumeProcessing))

	jobID, err := m.AddJob(ctx, pipeline.QueueResumeProcessing, resumeJob("c1", "b1"), nil)
	require.NoError(t, err)

	// An unknown job id reads as "no progress".
	progress, err := m.GetJobProgress(ctx, pipeline.QueueResumeProcessing, "missing-job")
	require.NoError(t, err)
	assert.Nil(t, progress)

	// A broker outage is an error, not a missing job.
	mr.Close()
	_, err = m.GetJobProgress(ctx, pipeline.QueueResumeProcessing, jobID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, pipeline.ErrJobNotFound)
}
