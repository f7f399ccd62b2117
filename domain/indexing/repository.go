package indexing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/pkg/embedder"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
	"github.com/kbforge/kbforge/pkg/pgutils"
)

// Repository persists chunk embeddings and batch job records.
type Repository struct {
	db  *bun.DB
	log *slog.Logger
}

// NewRepository creates an indexing repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("indexing")),
	}
}

// ReplaceEmbeddings swaps a document's stored vectors for the given chunk
// set in one transaction. Re-indexing a document never leaves vectors from
// an earlier content version behind.
func (r *Repository) ReplaceEmbeddings(ctx context.Context, documentID, modelName string, chunks []embedder.Chunk) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*Embedding)(nil)).
			Where("document_id = ?", documentID).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete old embeddings: %w", err)
		}

		for i, chunk := range chunks {
			_, err := tx.NewRaw(`INSERT INTO embeddings
					(id, document_id, chunk_index, char_start, char_end, vector, model_name, created_at)
				VALUES (?, ?, ?, ?, ?, ?::vector, ?, now())`,
				ids.New(), documentID, i, chunk.CharStart, chunk.CharEnd,
				pgutils.FormatVector(chunk.Vector), modelName,
			).Exec(ctx)
			if err != nil {
				return fmt.Errorf("insert embedding %d: %w", i, err)
			}
		}
		return nil
	})
}

// DeleteEmbeddings removes all vectors for a document.
func (r *Repository) DeleteEmbeddings(ctx context.Context, documentID string) error {
	_, err := r.db.NewDelete().
		Model((*Embedding)(nil)).
		Where("document_id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// CountEmbeddings returns the stored chunk count for a document.
func (r *Repository) CountEmbeddings(ctx context.Context, documentID string) (int, error) {
	count, err := r.db.NewSelect().
		Model((*Embedding)(nil)).
		Where("document_id = ?", documentID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return count, nil
}

// CreateBatchJob inserts a new batch job record.
func (r *Repository) CreateBatchJob(ctx context.Context, db bun.IDB, job *BatchJob) error {
	if db == nil {
		db = r.db
	}
	if _, err := db.NewInsert().Model(job).Exec(ctx); err != nil {
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

// GetBatchJob returns a batch job by ID.
func (r *Repository) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	job := &BatchJob{}
	err := r.db.NewSelect().
		Model(job).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return job, nil
}

// ActiveBatchJobs returns jobs the monitor should still poll, oldest first.
func (r *Repository) ActiveBatchJobs(ctx context.Context) ([]*BatchJob, error) {
	var jobs []*BatchJob
	err := r.db.NewSelect().
		Model(&jobs).
		Where("status = ?", BatchJobSubmitted).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active batch jobs: %w", err)
	}
	return jobs, nil
}

// StaleBatchJobs returns jobs stuck in preparing since before the cutoff.
// These crashed between item assignment and provider submission.
func (r *Repository) StaleBatchJobs(ctx context.Context, cutoff time.Time) ([]*BatchJob, error) {
	var jobs []*BatchJob
	err := r.db.NewSelect().
		Model(&jobs).
		Where("status = ?", BatchJobPreparing).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stale batch jobs: %w", err)
	}
	return jobs, nil
}

// MarkBatchJobSubmitted records the provider job ARN and moves the job to
// submitted.
func (r *Repository) MarkBatchJobSubmitted(ctx context.Context, id, jobARN string) error {
	now := time.Now()
	_, err := r.db.NewUpdate().
		Model((*BatchJob)(nil)).
		Set("status = ?", BatchJobSubmitted).
		Set("provider_job_arn = ?", jobARN).
		Set("submitted_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark batch job submitted: %w", err)
	}
	return nil
}

// MarkBatchJobCompleted finishes a job after its output is ingested.
func (r *Repository) MarkBatchJobCompleted(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.NewUpdate().
		Model((*BatchJob)(nil)).
		Set("status = ?", BatchJobCompleted).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark batch job completed: %w", err)
	}
	return nil
}

// MarkBatchJobFailed records a terminal job failure.
func (r *Repository) MarkBatchJobFailed(ctx context.Context, id, message string) error {
	now := time.Now()
	_, err := r.db.NewUpdate().
		Model((*BatchJob)(nil)).
		Set("status = ?", BatchJobFailed).
		Set("error_message = ?", message).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark batch job failed: %w", err)
	}

	r.log.Warn("batch job failed",
		slog.String("batch_job_id", id),
		slog.String("error", message),
	)
	return nil
}

// ResetOrphanedBatchItems returns items stamped with a batch job that no
// longer exists to pending. A crash between the item update and the job
// insert can leave such rows behind.
func (r *Repository) ResetOrphanedBatchItems(ctx context.Context) (int, error) {
	result, err := r.db.NewRaw(`UPDATE embedding_queue q
		SET batch_job_id = NULL,
			status = 'pending',
			started_at = NULL,
			updated_at = now()
		WHERE q.batch_job_id IS NOT NULL
			AND q.status = 'processing'
			AND NOT EXISTS (
				SELECT 1 FROM embedding_batch_jobs j WHERE j.id = q.batch_job_id
			)`).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset orphaned batch items: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		r.log.Warn("reset orphaned batch items", slog.Int64("count", count))
	}
	return int(count), nil
}
