// Package orchestrator drives candidates through the screening stages in
// order: it enqueues the first stage of a batch, advances each candidate one
// stage on success, and tracks aggregate batch progress.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hirepipe/screening-core/internal/broker"
	"github.com/hirepipe/screening-core/internal/events"
	"github.com/hirepipe/screening-core/internal/pipeline"
	"github.com/hirepipe/screening-core/internal/queue"
)

// BatchStore persists batch records. The sqlx implementation lives in
// internal/batchstore; a nil store keeps batches memory-only.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *pipeline.ProcessingBatch) error
	UpdateBatch(ctx context.Context, batch *pipeline.ProcessingBatch) error
	GetBatch(ctx context.Context, batchID string) (*pipeline.ProcessingBatch, error)
}

// EventFeed publishes batch lifecycle events. *events.Publisher implements
// it; a nil feed publishes nothing.
type EventFeed interface {
	Publish(ctx context.Context, event events.BatchEvent) error
}

// Config holds orchestrator dependencies.
type Config struct {
	Logger  *slog.Logger
	Manager *queue.Manager
	Store   BatchStore // optional
	Events  EventFeed  // optional, nil-safe
}

// Orchestrator is the stage-sequencing state machine over the queue manager.
// It implements queue.CompletionHandler.
type Orchestrator struct {
	logger  *slog.Logger
	manager *queue.Manager
	store   BatchStore
	events  EventFeed

	mu      sync.Mutex
	batches map[string]*pipeline.ProcessingBatch
}

// New creates an orchestrator and registers it as the queue manager's
// completion handler.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		logger:  cfg.Logger,
		manager: cfg.Manager,
		store:   cfg.Store,
		events:  cfg.Events,
		batches: make(map[string]*pipeline.ProcessingBatch),
	}
	cfg.Manager.SetCompletionHandler(o)
	return o
}

// ProcessCandidateBatch creates a batch and enqueues a resume-stage job per
// candidate. It returns immediately; completion is observed via batch
// progress. A partial enqueue failure propagates, already-enqueued jobs stay.
func (o *Orchestrator) ProcessCandidateBatch(ctx context.Context, candidateIDs []string, jobProfileID string) (*pipeline.ProcessingBatch, error) {
	if len(candidateIDs) == 0 {
		return nil, fmt.Errorf("candidate list is empty")
	}

	batch := &pipeline.ProcessingBatch{
		ID:              uuid.New().String(),
		JobProfileID:    jobProfileID,
		CandidateIDs:    candidateIDs,
		TotalCandidates: len(candidateIDs),
		Status:          pipeline.BatchStatusProcessing,
		StartedAt:       time.Now().UTC(),
	}
	o.registerBatch(ctx, batch)

	jobs := make([]pipeline.JobData, 0, len(candidateIDs))
	for _, candidateID := range candidateIDs {
		jobs = append(jobs, pipeline.JobData{
			CandidateID:  candidateID,
			JobProfileID: jobProfileID,
			BatchID:      batch.ID,
			Stage:        pipeline.StageResume,
		})
	}
	if err := o.manager.AddBatchJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to enqueue batch %s: %w", batch.ID, err)
	}

	o.logger.Info("Candidate batch submitted",
		slog.String("batch_id", batch.ID),
		slog.String("job_profile_id", jobProfileID),
		slog.Int("candidates", len(candidateIDs)),
	)

	o.publish(ctx, events.BatchEvent{
		Type:         events.TypeBatchCreated,
		BatchID:      batch.ID,
		JobProfileID: jobProfileID,
		Status:       string(batch.Status),
	})
	return batch, nil
}

// ProcessIndividualCandidate runs one candidate through the pipeline in its
// own single-candidate batch, optionally entering at a later stage (used to
// resume after a manual fix). Returns the generated batch id.
func (o *Orchestrator) ProcessIndividualCandidate(ctx context.Context, candidateID, jobProfileID string, startFrom pipeline.Stage) (string, error) {
	if startFrom == "" {
		startFrom = pipeline.StageResume
	}
	if !startFrom.Valid() {
		return "", fmt.Errorf("unknown pipeline stage: %q", startFrom)
	}

	batch := &pipeline.ProcessingBatch{
		ID:              uuid.New().String(),
		JobProfileID:    jobProfileID,
		CandidateIDs:    []string{candidateID},
		TotalCandidates: 1,
		Status:          pipeline.BatchStatusProcessing,
		StartedAt:       time.Now().UTC(),
	}
	o.registerBatch(ctx, batch)

	data := pipeline.JobData{
		CandidateID:  candidateID,
		JobProfileID: jobProfileID,
		BatchID:      batch.ID,
		Stage:        startFrom,
	}
	if _, err := o.manager.AddJob(ctx, startFrom.QueueName(), data, nil); err != nil {
		return "", fmt.Errorf("failed to enqueue candidate %s: %w", candidateID, err)
	}

	o.logger.Info("Individual candidate submitted",
		slog.String("batch_id", batch.ID),
		slog.String("candidate_id", candidateID),
		slog.String("start_stage", string(startFrom)),
	)
	return batch.ID, nil
}

// RetryFailedCandidateStage re-enqueues exactly one stage job for one
// candidate under a fresh batch id, so progress tracking does not conflate
// the retry with the original batch.
func (o *Orchestrator) RetryFailedCandidateStage(ctx context.Context, candidateID, jobProfileID string, stage pipeline.Stage) (string, error) {
	if !stage.Valid() {
		return "", fmt.Errorf("unknown pipeline stage: %q", stage)
	}

	batch := &pipeline.ProcessingBatch{
		ID:              uuid.New().String(),
		JobProfileID:    jobProfileID,
		CandidateIDs:    []string{candidateID},
		TotalCandidates: 1,
		Status:          pipeline.BatchStatusProcessing,
		StartedAt:       time.Now().UTC(),
	}
	o.registerBatch(ctx, batch)

	data := pipeline.JobData{
		CandidateID:  candidateID,
		JobProfileID: jobProfileID,
		BatchID:      batch.ID,
		Stage:        stage,
	}
	if _, err := o.manager.AddJob(ctx, stage.QueueName(), data, nil); err != nil {
		return "", fmt.Errorf("failed to re-enqueue candidate %s at %s: %w", candidateID, stage, err)
	}

	o.logger.Info("Failed candidate stage resubmitted",
		slog.String("batch_id", batch.ID),
		slog.String("candidate_id", candidateID),
		slog.String("stage", string(stage)),
	)
	return batch.ID, nil
}

// PauseProcessing pauses every named queue. In-flight jobs finish.
func (o *Orchestrator) PauseProcessing(ctx context.Context) error {
	for _, name := range pipeline.QueueNames() {
		if err := o.manager.PauseQueue(ctx, name); err != nil {
			return fmt.Errorf("failed to pause %s: %w", name, err)
		}
	}
	o.logger.Info("Pipeline processing paused")
	return nil
}

// ResumeProcessing resumes every named queue.
func (o *Orchestrator) ResumeProcessing(ctx context.Context) error {
	for _, name := range pipeline.QueueNames() {
		if err := o.manager.ResumeQueue(ctx, name); err != nil {
			return fmt.Errorf("failed to resume %s: %w", name, err)
		}
	}
	o.logger.Info("Pipeline processing resumed")
	return nil
}

// RetryAllFailedJobs resubmits failed jobs across all queues.
func (o *Orchestrator) RetryAllFailedJobs(ctx context.Context) (map[string]int, error) {
	return o.manager.RetryAllFailedJobs(ctx)
}

// CleanupOldJobs purges completed/failed jobs older than the grace period
// from every queue. Returns the total number removed.
func (o *Orchestrator) CleanupOldJobs(ctx context.Context, grace time.Duration) (int, error) {
	total := 0
	for _, name := range pipeline.QueueNames() {
		removed, err := o.manager.CleanQueue(ctx, name, grace)
		if err != nil {
			return total, fmt.Errorf("failed to clean %s: %w", name, err)
		}
		total += removed
	}
	return total, nil
}

// SystemStatus is the queue-level rollup exposed to operators.
type SystemStatus struct {
	Queues    []pipeline.QueueStats `json:"queues"`
	TotalJobs int64                 `json:"totalJobs"`
}

// GetSystemStatus aggregates stats across every queue.
func (o *Orchestrator) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	stats, err := o.manager.GetAllQueueStats(ctx)
	if err != nil {
		return nil, err
	}

	status := &SystemStatus{Queues: stats}
	for _, s := range stats {
		status.TotalJobs += s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	}
	return status, nil
}

// GetBatch returns a batch record from memory, falling back to the store
// for batches from a previous process lifetime.
func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*pipeline.ProcessingBatch, error) {
	o.mu.Lock()
	batch, ok := o.batches[batchID]
	o.mu.Unlock()
	if ok {
		return batch, nil
	}
	if o.store == nil {
		return nil, fmt.Errorf("batch %s not found", batchID)
	}
	return o.store.GetBatch(ctx, batchID)
}

// HandleJobCompleted advances the candidate to the next stage, or marks it
// processed when the scoring stage finished.
func (o *Orchestrator) HandleJobCompleted(ctx context.Context, queueName string, job *broker.Job) {
	data := job.Data

	// Every finished stage is announced, the scoring stage included.
	o.publish(ctx, events.BatchEvent{
		Type:         events.TypeStageCompleted,
		BatchID:      data.BatchID,
		JobProfileID: data.JobProfileID,
		CandidateID:  data.CandidateID,
		Stage:        data.Stage,
	})

	next, ok := pipeline.NextStage(data.Stage)
	if !ok {
		// Scoring finished: the candidate is done.
		o.candidateFinished(ctx, data, true)
		return
	}

	nextData := pipeline.JobData{
		CandidateID:  data.CandidateID,
		JobProfileID: data.JobProfileID,
		BatchID:      data.BatchID,
		Stage:        next,
		Priority:     data.Priority,
	}
	if _, err := o.manager.AddJob(ctx, next.QueueName(), nextData, nil); err != nil {
		o.logger.Error("Failed to enqueue next stage",
			slog.String("batch_id", data.BatchID),
			slog.String("candidate_id", data.CandidateID),
			slog.String("next_stage", string(next)),
			slog.Any("error", err),
		)
		// The candidate cannot advance; count it failed so the batch can
		// still terminate.
		o.candidateFinished(ctx, data, false)
		return
	}
}

// HandleJobFailed marks the candidate failed for its batch. The pipeline
// does not advance past a terminally failed stage.
func (o *Orchestrator) HandleJobFailed(ctx context.Context, queueName string, job *broker.Job) {
	data := job.Data
	o.logger.Warn("Candidate failed stage permanently",
		slog.String("batch_id", data.BatchID),
		slog.String("candidate_id", data.CandidateID),
		slog.String("stage", string(data.Stage)),
		slog.String("reason", job.FailedReason),
	)

	o.publish(ctx, events.BatchEvent{
		Type:         events.TypeCandidateFailed,
		BatchID:      data.BatchID,
		JobProfileID: data.JobProfileID,
		CandidateID:  data.CandidateID,
		Stage:        data.Stage,
	})
	o.candidateFinished(ctx, data, false)
}

// candidateFinished updates batch counters and finalizes the batch once
// every candidate reached a terminal state.
func (o *Orchestrator) candidateFinished(ctx context.Context, data pipeline.JobData, succeeded bool) {
	o.mu.Lock()
	batch, ok := o.batches[data.BatchID]
	if !ok {
		o.mu.Unlock()
		// Batch from a previous process lifetime; nothing to sequence.
		o.logger.Debug("Terminal job for unknown batch",
			slog.String("batch_id", data.BatchID),
			slog.String("candidate_id", data.CandidateID),
		)
		return
	}

	if batch.CompletedAt != nil {
		o.mu.Unlock()
		// A manually retried job finishing after its batch was finalized.
		// The counters are settled; recounting the candidate would push
		// processed+failed past the batch total.
		o.logger.Debug("Terminal job for finalized batch",
			slog.String("batch_id", data.BatchID),
			slog.String("candidate_id", data.CandidateID),
		)
		return
	}

	if succeeded {
		batch.ProcessedCandidates++
	} else {
		batch.FailedCandidates++
	}

	finished := batch.ProcessedCandidates+batch.FailedCandidates >= batch.TotalCandidates
	if finished {
		now := time.Now().UTC()
		batch.CompletedAt = &now
		if batch.ProcessedCandidates > 0 {
			batch.Status = pipeline.BatchStatusCompleted
		} else {
			batch.Status = pipeline.BatchStatusFailed
		}
	}
	snapshot := *batch
	o.mu.Unlock()

	o.persistBatch(ctx, &snapshot)

	if finished {
		o.logger.Info("Batch finished",
			slog.String("batch_id", snapshot.ID),
			slog.String("status", string(snapshot.Status)),
			slog.Int("processed", snapshot.ProcessedCandidates),
			slog.Int("failed", snapshot.FailedCandidates),
		)
		o.publish(ctx, events.BatchEvent{
			Type:         events.TypeBatchCompleted,
			BatchID:      snapshot.ID,
			JobProfileID: snapshot.JobProfileID,
			Status:       string(snapshot.Status),
		})
	}
}

func (o *Orchestrator) registerBatch(ctx context.Context, batch *pipeline.ProcessingBatch) {
	o.mu.Lock()
	o.batches[batch.ID] = batch
	o.mu.Unlock()

	if o.store == nil {
		return
	}
	if err := o.store.CreateBatch(ctx, batch); err != nil {
		// Persistence is write-through history, not the sequencing source
		// of truth; a failed insert must not block the batch.
		o.logger.Error("Failed to persist batch",
			slog.String("batch_id", batch.ID),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) persistBatch(ctx context.Context, batch *pipeline.ProcessingBatch) {
	if o.store == nil {
		return
	}
	if err := o.store.UpdateBatch(ctx, batch); err != nil {
		o.logger.Error("Failed to update persisted batch",
			slog.String("batch_id", batch.ID),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, event events.BatchEvent) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("Failed to publish batch event",
			slog.String("type", event.Type),
			slog.String("batch_id", event.BatchID),
			slog.Any("error", err),
		)
	}
}
