package embedqueue

import (
	"time"

	"github.com/uptrace/bun"
)

// Status values for queue items. A failed item with retry_count below the
// configured maximum can be reset to pending by the dead-letter poller; at
// the maximum it is terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one unit of embedding work, tied to exactly one document.
type Item struct {
	bun.BaseModel `bun:"table:embedding_queue"`

	ID         string `bun:"id,pk" json:"id"`
	DocumentID string `bun:"document_id" json:"documentId"`
	Status     Status `bun:"status" json:"status"`

	// BatchJobID is set when a cloud batch job owns the item; claimed rows
	// with a batch job are never eligible for the online path.
	BatchJobID *string `bun:"batch_job_id" json:"batchJobId,omitempty"`

	RetryCount   int     `bun:"retry_count" json:"retryCount"`
	ErrorMessage *string `bun:"error_message" json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,default:now()" json:"updatedAt"`
	StartedAt   *time.Time `bun:"started_at" json:"startedAt,omitempty"`
	ProcessedAt *time.Time `bun:"processed_at" json:"processedAt,omitempty"`
}

// Stats holds queue counters by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"deadLetter"`
}
