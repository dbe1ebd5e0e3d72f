// Package batchstore persists ProcessingBatch records to PostgreSQL so batch
// history survives orchestrator restarts. The in-memory batch map stays the
// source of truth for sequencing; this is a write-through.
package batchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// ErrBatchNotFound is returned when a batch id has no persisted row.
var ErrBatchNotFound = errors.New("batch not found")

// Store handles all database operations for processing batches.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a batch store on an established database handle.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

type batchRow struct {
	BatchID             string         `db:"batch_id"`
	JobProfileID        string         `db:"job_profile_id"`
	CandidateIDs        pq.StringArray `db:"candidate_ids"`
	TotalCandidates     int            `db:"total_candidates"`
	ProcessedCandidates int            `db:"processed_candidates"`
	FailedCandidates    int            `db:"failed_candidates"`
	Status              string         `db:"status"`
	StartedAt           time.Time      `db:"started_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
}

// CreateBatch inserts a new batch row.
func (s *Store) CreateBatch(ctx context.Context, batch *pipeline.ProcessingBatch) error {
	query := `
		INSERT INTO processing_batches (
			batch_id, job_profile_id, candidate_ids, total_candidates,
			processed_candidates, failed_candidates, status, started_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		batch.ID,
		batch.JobProfileID,
		pq.StringArray(batch.CandidateIDs),
		batch.TotalCandidates,
		batch.ProcessedCandidates,
		batch.FailedCandidates,
		string(batch.Status),
		batch.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	s.logger.Debug("Batch persisted",
		slog.String("batch_id", batch.ID),
		slog.Int("total_candidates", batch.TotalCandidates),
	)
	return nil
}

// UpdateBatch writes the mutable batch fields back.
func (s *Store) UpdateBatch(ctx context.Context, batch *pipeline.ProcessingBatch) error {
	query := `
		UPDATE processing_batches
		SET processed_candidates = $1,
		    failed_candidates = $2,
		    status = $3,
		    completed_at = $4
		WHERE batch_id = $5
	`

	var completedAt sql.NullTime
	if batch.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *batch.CompletedAt, Valid: true}
	}

	result, err := s.db.ExecContext(
		ctx,
		query,
		batch.ProcessedCandidates,
		batch.FailedCandidates,
		string(batch.Status),
		completedAt,
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("batch %s: %w", batch.ID, ErrBatchNotFound)
	}
	return nil
}

// GetBatch loads one batch row by id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*pipeline.ProcessingBatch, error) {
	query := `
		SELECT batch_id, job_profile_id, candidate_ids, total_candidates,
		       processed_candidates, failed_candidates, status, started_at, completed_at
		FROM processing_batches
		WHERE batch_id = $1
	`

	var row batchRow
	if err := s.db.GetContext(ctx, &row, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	batch := &pipeline.ProcessingBatch{
		ID:                  row.BatchID,
		JobProfileID:        row.JobProfileID,
		CandidateIDs:        []string(row.CandidateIDs),
		TotalCandidates:     row.TotalCandidates,
		ProcessedCandidates: row.ProcessedCandidates,
		FailedCandidates:    row.FailedCandidates,
		Status:              pipeline.BatchStatus(row.Status),
		StartedAt:           row.StartedAt,
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		batch.CompletedAt = &t
	}
	return batch, nil
}
