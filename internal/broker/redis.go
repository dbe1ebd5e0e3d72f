package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// priorityBand separates priority classes in the waiting set score: jobs are
// ordered by priority first (lower number first), insertion order second.
const priorityBand = 1e12

// promoteBatch bounds how many due delayed jobs a single fetch promotes.
const promoteBatch = 100

// Redis is the Redis-backed broker. Job state transitions are plain
// command sequences, not transactions: the orchestrator is the single
// writer, and delivery is at-least-once by contract.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string

	mu     sync.RWMutex
	queues map[string]QueueConfig

	now func() time.Time
}

// NewRedis creates a broker on an established Redis client. The prefix
// namespaces every key so multiple deployments can share one Redis.
func NewRedis(client *redis.Client, logger *slog.Logger, prefix string) *Redis {
	if prefix == "" {
		prefix = "screening"
	}
	return &Redis{
		client: client,
		logger: logger,
		prefix: prefix,
		queues: make(map[string]QueueConfig),
		now:    time.Now,
	}
}

// RegisterQueue declares a queue and fixes its retry/retention defaults.
func (b *Redis) RegisterQueue(name string, cfg QueueConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = cfg.withDefaults()
}

func (b *Redis) queueConfig(name string) (QueueConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.queues[name]
	return cfg, ok
}

func (b *Redis) key(queue string, parts ...string) string {
	k := b.prefix + ":" + queue
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *Redis) jobKey(queue, jobID string) string {
	return b.key(queue, "job", jobID)
}

func (b *Redis) stateKey(queue string, state State) string {
	return b.key(queue, string(state))
}

// Enqueue adds one job to a queue. Delayed jobs park in the delayed set
// until their ready time passes.
func (b *Redis) Enqueue(ctx context.Context, queue string, data pipeline.JobData, opts Options) (string, error) {
	if _, ok := b.queueConfig(queue); !ok {
		return "", fmt.Errorf("enqueue on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	seq, err := b.client.Incr(ctx, b.key(queue, "id")).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate job id: %w", err)
	}
	jobID := strconv.FormatInt(seq, 10)

	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data: %w", err)
	}

	cfg, _ := b.queueConfig(queue)
	now := b.now()
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	fields := map[string]any{
		"data":          string(payload),
		"state":         string(state),
		"attempts_made": 0,
		"max_attempts":  cfg.Attempts,
		"priority":      opts.Priority,
		"progress":      0,
		"enqueued_at":   now.UnixMilli(),
	}
	if err := b.client.HSet(ctx, b.jobKey(queue, jobID), fields).Err(); err != nil {
		return "", fmt.Errorf("failed to store job record: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := now.Add(opts.Delay).UnixMilli()
		if err := b.client.ZAdd(ctx, b.stateKey(queue, StateDelayed), redis.Z{Score: float64(readyAt), Member: jobID}).Err(); err != nil {
			return "", fmt.Errorf("failed to delay job: %w", err)
		}
	} else if err := b.pushWaiting(ctx, queue, jobID, opts.Priority); err != nil {
		return "", err
	}

	b.logger.Debug("Job enqueued",
		slog.String("queue", queue),
		slog.String("job_id", jobID),
		slog.String("batch_id", data.BatchID),
		slog.String("candidate_id", data.CandidateID),
	)

	return jobID, nil
}

// pushWaiting places a job into the waiting set ordered by priority, then
// insertion order among equal priorities.
func (b *Redis) pushWaiting(ctx context.Context, queue, jobID string, priority int) error {
	seq, err := b.client.Incr(ctx, b.key(queue, "seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate waiting sequence: %w", err)
	}
	score := float64(priority)*priorityBand + float64(seq)
	if err := b.client.ZAdd(ctx, b.stateKey(queue, StateWaiting), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("failed to push job to waiting: %w", err)
	}
	if err := b.client.HSet(ctx, b.jobKey(queue, jobID), "state", string(StateWaiting)).Err(); err != nil {
		return fmt.Errorf("failed to mark job waiting: %w", err)
	}
	return nil
}

// Fetch pops the next runnable job and marks it active with a stall
// deadline. It returns (nil, nil) when the queue is paused or empty.
func (b *Redis) Fetch(ctx context.Context, queue string) (*Job, error) {
	cfg, ok := b.queueConfig(queue)
	if !ok {
		return nil, fmt.Errorf("fetch on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	paused, err := b.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	if err := b.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	popped, err := b.client.ZPopMin(ctx, b.stateKey(queue, StateWaiting), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop waiting job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID := fmt.Sprint(popped[0].Member)
	now := b.now()
	deadline := now.Add(cfg.StallTimeout).UnixMilli()

	pipe := b.client.Pipeline()
	pipe.ZAdd(ctx, b.stateKey(queue, StateActive), redis.Z{Score: float64(deadline), Member: jobID})
	pipe.HSet(ctx, b.jobKey(queue, jobID),
		"state", string(StateActive),
		"processed_on", now.UnixMilli(),
	)
	pipe.HIncrBy(ctx, b.jobKey(queue, jobID), "attempts_made", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", jobID, err)
	}

	return b.GetJob(ctx, queue, jobID)
}

// promoteDelayed moves due delayed jobs back into waiting.
func (b *Redis) promoteDelayed(ctx context.Context, queue string) error {
	now := b.now().UnixMilli()
	due, err := b.client.ZRangeByScore(ctx, b.stateKey(queue, StateDelayed), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	for _, jobID := range due {
		if err := b.client.ZRem(ctx, b.stateKey(queue, StateDelayed), jobID).Err(); err != nil {
			return fmt.Errorf("failed to promote delayed job %s: %w", jobID, err)
		}
		priority, err := b.client.HGet(ctx, b.jobKey(queue, jobID), "priority").Int()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read priority of job %s: %w", jobID, err)
		}
		if err := b.pushWaiting(ctx, queue, jobID, priority); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks an active job done and records its return value.
func (b *Redis) Complete(ctx context.Context, queue, jobID string, returnValue map[string]any) error {
	cfg, ok := b.queueConfig(queue)
	if !ok {
		return fmt.Errorf("complete on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	now := b.now().UnixMilli()
	fields := []any{
		"state", string(StateCompleted),
		"finished_on", now,
		"progress", 100,
	}
	if returnValue != nil {
		encoded, err := json.Marshal(returnValue)
		if err != nil {
			return fmt.Errorf("failed to marshal return value: %w", err)
		}
		fields = append(fields, "return_value", string(encoded))
	}

	pipe := b.client.Pipeline()
	pipe.ZRem(ctx, b.stateKey(queue, StateActive), jobID)
	pipe.HSet(ctx, b.jobKey(queue, jobID), fields...)
	pipe.ZAdd(ctx, b.stateKey(queue, StateCompleted), redis.Z{Score: float64(now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	return b.trimSet(ctx, queue, StateCompleted, cfg.RemoveOnComplete)
}

// Fail records a failed attempt. While the attempt budget lasts the job is
// parked in the delayed set with exponential backoff; once exhausted it
// lands in failed. Returns true when the failure is terminal.
func (b *Redis) Fail(ctx context.Context, queue, jobID, reason string) (bool, error) {
	cfg, ok := b.queueConfig(queue)
	if !ok {
		return false, fmt.Errorf("fail on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	job, err := b.GetJob(ctx, queue, jobID)
	if err != nil {
		return false, err
	}

	if err := b.client.ZRem(ctx, b.stateKey(queue, StateActive), jobID).Err(); err != nil {
		return false, fmt.Errorf("failed to deactivate job %s: %w", jobID, err)
	}
	if err := b.client.HSet(ctx, b.jobKey(queue, jobID), "failed_reason", reason).Err(); err != nil {
		return false, fmt.Errorf("failed to record failure reason: %w", err)
	}

	if job.AttemptsMade < job.MaxAttempts {
		backoff := backoffDelay(cfg.InitialBackoff, job.AttemptsMade)
		readyAt := b.now().Add(backoff).UnixMilli()
		pipe := b.client.Pipeline()
		pipe.HSet(ctx, b.jobKey(queue, jobID), "state", string(StateDelayed))
		pipe.ZAdd(ctx, b.stateKey(queue, StateDelayed), redis.Z{Score: float64(readyAt), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to schedule retry for job %s: %w", jobID, err)
		}
		b.logger.Warn("Job attempt failed, retry scheduled",
			slog.String("queue", queue),
			slog.String("job_id", jobID),
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Duration("backoff", backoff),
		)
		return false, nil
	}

	now := b.now().UnixMilli()
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.jobKey(queue, jobID), "state", string(StateFailed), "finished_on", now)
	pipe.ZAdd(ctx, b.stateKey(queue, StateFailed), redis.Z{Score: float64(now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}

	if err := b.trimSet(ctx, queue, StateFailed, cfg.RemoveOnFail); err != nil {
		return true, err
	}

	b.logger.Error("Job failed permanently",
		slog.String("queue", queue),
		slog.String("job_id", jobID),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.String("reason", reason),
	)
	return true, nil
}

// backoffDelay grows exponentially with the number of attempts already made.
func backoffDelay(initial time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return initial * time.Duration(1<<uint(attemptsMade-1))
}

// UpdateProgress records stage progress (0-100) and renews the stall
// deadline, since a progressing worker is a live worker.
func (b *Redis) UpdateProgress(ctx context.Context, queue, jobID string, progress int) error {
	cfg, ok := b.queueConfig(queue)
	if !ok {
		return fmt.Errorf("progress on %q: %w", queue, pipeline.ErrQueueNotFound)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	deadline := b.now().Add(cfg.StallTimeout).UnixMilli()
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.jobKey(queue, jobID), "progress", progress)
	pipe.ZAddXX(ctx, b.stateKey(queue, StateActive), redis.Z{Score: float64(deadline), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", jobID, err)
	}
	return nil
}

// GetJob loads one job record. Returns pipeline.ErrJobNotFound when the
// record does not exist (or has been cleaned).
func (b *Redis) GetJob(ctx context.Context, queue, jobID string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(queue, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s in %s: %w", jobID, queue, pipeline.ErrJobNotFound)
	}
	return decodeJob(queue, jobID, fields)
}

func decodeJob(queue, jobID string, fields map[string]string) (*Job, error) {
	job := &Job{ID: jobID, Queue: queue, State: State(fields["state"])}

	if raw, ok := fields["data"]; ok {
		if err := json.Unmarshal([]byte(raw), &job.Data); err != nil {
			return nil, fmt.Errorf("failed to decode data of job %s: %w", jobID, err)
		}
	}
	if raw, ok := fields["return_value"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.ReturnValue); err != nil {
			return nil, fmt.Errorf("failed to decode return value of job %s: %w", jobID, err)
		}
	}

	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.FailedReason = fields["failed_reason"]

	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["processed_on"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		job.ProcessedOn = &t
	}
	if ms, err := strconv.ParseInt(fields["finished_on"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		job.FinishedOn = &t
	}

	return job, nil
}

// JobsByState lists the jobs currently in one lifecycle bucket. Records that
// disappear mid-scan (cleaned concurrently) are skipped.
func (b *Redis) JobsByState(ctx context.Context, queue string, state State) ([]*Job, error) {
	if _, ok := b.queueConfig(queue); !ok {
		return nil, fmt.Errorf("scan on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	ids, err := b.client.ZRange(ctx, b.stateKey(queue, state), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		fields, err := b.client.HGetAll(ctx, b.jobKey(queue, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load job %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(queue, id, fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts returns the per-state job counts for one queue.
func (b *Redis) Counts(ctx context.Context, queue string) (map[State]int64, error) {
	if _, ok := b.queueConfig(queue); !ok {
		return nil, fmt.Errorf("counts on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	counts := make(map[State]int64, len(States))
	for _, state := range States {
		n, err := b.client.ZCard(ctx, b.stateKey(queue, state)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", state, err)
		}
		counts[state] = n
	}
	return counts, nil
}

// RetryFailed resubmits every failed job with a fresh attempt budget.
// Per-job errors are logged and skipped; the returned count covers the jobs
// actually resubmitted.
func (b *Redis) RetryFailed(ctx context.Context, queue string) (int, error) {
	if _, ok := b.queueConfig(queue); !ok {
		return 0, fmt.Errorf("retry on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	ids, err := b.client.ZRange(ctx, b.stateKey(queue, StateFailed), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan failed jobs: %w", err)
	}

	retried := 0
	for _, id := range ids {
		if err := b.client.ZRem(ctx, b.stateKey(queue, StateFailed), id).Err(); err != nil {
			b.logger.Error("Failed to remove job from failed set",
				slog.String("queue", queue),
				slog.String("job_id", id),
				slog.Any("error", err),
			)
			continue
		}
		priority, _ := b.client.HGet(ctx, b.jobKey(queue, id), "priority").Int()
		if err := b.client.HSet(ctx, b.jobKey(queue, id),
			"attempts_made", 0,
			"failed_reason", "",
			"progress", 0,
		).Err(); err != nil {
			b.logger.Error("Failed to reset job for retry",
				slog.String("queue", queue),
				slog.String("job_id", id),
				slog.Any("error", err),
			)
			continue
		}
		if err := b.pushWaiting(ctx, queue, id, priority); err != nil {
			b.logger.Error("Failed to requeue job for retry",
				slog.String("queue", queue),
				slog.String("job_id", id),
				slog.Any("error", err),
			)
			continue
		}
		retried++
	}
	return retried, nil
}

// RequeueStalled moves active jobs whose stall deadline has passed back to
// waiting. The worker that held them is assumed dead, so the jobs keep their
// attempt counts.
func (b *Redis) RequeueStalled(ctx context.Context, queue string) (int, error) {
	if _, ok := b.queueConfig(queue); !ok {
		return 0, fmt.Errorf("requeue on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	now := b.now().UnixMilli()
	stalled, err := b.client.ZRangeByScore(ctx, b.stateKey(queue, StateActive), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan stalled jobs: %w", err)
	}

	requeued := 0
	for _, id := range stalled {
		if err := b.client.ZRem(ctx, b.stateKey(queue, StateActive), id).Err(); err != nil {
			return requeued, fmt.Errorf("failed to remove stalled job %s: %w", id, err)
		}
		priority, _ := b.client.HGet(ctx, b.jobKey(queue, id), "priority").Int()
		if err := b.pushWaiting(ctx, queue, id, priority); err != nil {
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		b.logger.Warn("Requeued stalled jobs",
			slog.String("queue", queue),
			slog.Int("count", requeued),
		)
	}
	return requeued, nil
}

// Clean purges completed and failed jobs older than the grace period and
// deletes their records. Returns the number of jobs removed.
func (b *Redis) Clean(ctx context.Context, queue string, grace time.Duration) (int, error) {
	if _, ok := b.queueConfig(queue); !ok {
		return 0, fmt.Errorf("clean on %q: %w", queue, pipeline.ErrQueueNotFound)
	}

	cutoff := b.now().Add(-grace).UnixMilli()
	removed := 0
	for _, state := range []State{StateCompleted, StateFailed} {
		ids, err := b.client.ZRangeByScore(ctx, b.stateKey(queue, state), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan %s jobs for cleaning: %w", state, err)
		}
		for _, id := range ids {
			pipe := b.client.Pipeline()
			pipe.ZRem(ctx, b.stateKey(queue, state), id)
			pipe.Del(ctx, b.jobKey(queue, id))
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("failed to clean job %s: %w", id, err)
			}
			removed++
		}
	}
	return removed, nil
}

// trimSet drops the oldest members beyond limit and deletes their records.
func (b *Redis) trimSet(ctx context.Context, queue string, state State, limit int) error {
	count, err := b.client.ZCard(ctx, b.stateKey(queue, state)).Result()
	if err != nil {
		return fmt.Errorf("failed to size %s set: %w", state, err)
	}
	excess := count - int64(limit)
	if excess <= 0 {
		return nil
	}
	if excess > math.MaxInt32 {
		excess = math.MaxInt32
	}

	oldest, err := b.client.ZRange(ctx, b.stateKey(queue, state), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("failed to list oldest %s jobs: %w", state, err)
	}
	for _, id := range oldest {
		pipe := b.client.Pipeline()
		pipe.ZRem(ctx, b.stateKey(queue, state), id)
		pipe.Del(ctx, b.jobKey(queue, id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to trim job %s: %w", id, err)
		}
	}
	return nil
}

// Pause stops dispatch for one queue without losing queued jobs.
func (b *Redis) Pause(ctx context.Context, queue string) error {
	if _, ok := b.queueConfig(queue); !ok {
		return fmt.Errorf("pause on %q: %w", queue, pipeline.ErrQueueNotFound)
	}
	if err := b.client.Set(ctx, b.key(queue, "paused"), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue %s: %w", queue, err)
	}
	return nil
}

// Resume restarts dispatch for one queue.
func (b *Redis) Resume(ctx context.Context, queue string) error {
	if _, ok := b.queueConfig(queue); !ok {
		return fmt.Errorf("resume on %q: %w", queue, pipeline.ErrQueueNotFound)
	}
	if err := b.client.Del(ctx, b.key(queue, "paused")).Err(); err != nil {
		return fmt.Errorf("failed to resume queue %s: %w", queue, err)
	}
	return nil
}

// IsPaused reports whether dispatch for a queue is currently paused.
func (b *Redis) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(queue, "paused")).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read pause flag of %s: %w", queue, err)
	}
	return n > 0, nil
}

// Ping verifies broker connectivity.
func (b *Redis) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return pipeline.Classify(pipeline.ErrKindConnection, fmt.Errorf("redis ping failed: %w", err))
	}
	return nil
}

// Close releases the underlying Redis connection.
func (b *Redis) Close() error {
	return b.client.Close()
}
