package indexing

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Embedding is one stored chunk vector. The vector column itself is pgvector
// and written through raw SQL; bun never scans it.
type Embedding struct {
	bun.BaseModel `bun:"table:embeddings"`

	ID         string `bun:"id,pk" json:"id"`
	DocumentID string `bun:"document_id" json:"documentId"`
	ChunkIndex int    `bun:"chunk_index" json:"chunkIndex"`

	// Span offsets into the document content, half-open [start, end)
	CharStart int `bun:"char_start" json:"charStart"`
	CharEnd   int `bun:"char_end" json:"charEnd"`

	ModelName string    `bun:"model_name" json:"modelName"`
	CreatedAt time.Time `bun:"created_at,nullzero,default:now()" json:"createdAt"`

	Vector []float32 `bun:"-" json:"-"`
}

// BatchJobStatus tracks a cloud batch job through its lifecycle.
type BatchJobStatus string

const (
	// BatchJobPreparing means input JSONL is being built; no provider job
	// exists yet.
	BatchJobPreparing BatchJobStatus = "preparing"
	BatchJobSubmitted BatchJobStatus = "submitted"
	BatchJobCompleted BatchJobStatus = "completed"
	BatchJobFailed    BatchJobStatus = "failed"
)

// BatchJob is one cloud batch-inference submission covering many queue
// items.
type BatchJob struct {
	bun.BaseModel `bun:"table:embedding_batch_jobs"`

	ID     string         `bun:"id,pk" json:"id"`
	Status BatchJobStatus `bun:"status" json:"status"`

	// ProviderJobARN identifies the job on the provider side once submitted
	ProviderJobARN *string `bun:"provider_job_arn" json:"providerJobArn,omitempty"`

	ModelName     string  `bun:"model_name" json:"modelName"`
	InputKey      string  `bun:"input_key" json:"inputKey"`
	OutputPrefix  string  `bun:"output_prefix" json:"outputPrefix"`
	DocumentCount int     `bun:"document_count" json:"documentCount"`
	RecordCount   int     `bun:"record_count" json:"recordCount"`
	ErrorMessage  *string `bun:"error_message" json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,default:now()" json:"updatedAt"`
	SubmittedAt *time.Time `bun:"submitted_at" json:"submittedAt,omitempty"`
	CompletedAt *time.Time `bun:"completed_at" json:"completedAt,omitempty"`
}

// MissingEmbeddingError reports a batch output that lacks records a
// submitted item expected. The item fails rather than being stored with a
// partial chunk set.
type MissingEmbeddingError struct {
	ItemID   string
	Expected int
	Got      int
}

func (e *MissingEmbeddingError) Error() string {
	if e.Got == 0 {
		return fmt.Sprintf("batch output has no embeddings for item %s", e.ItemID)
	}
	return fmt.Sprintf("batch output missing embeddings for item %s: expected %d chunks, got %d", e.ItemID, e.Expected, e.Got)
}
