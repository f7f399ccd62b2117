package documents

import (
	"time"

	"github.com/uptrace/bun"
)

// EmbeddingStatus tracks a document's progress through the indexing
// pipeline.
type EmbeddingStatus string

const (
	EmbeddingPending    EmbeddingStatus = "pending"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingCompleted  EmbeddingStatus = "completed"
	EmbeddingFailed     EmbeddingStatus = "failed"
)

// Permissions carries the permission tuples forwarded from the source. The
// pipeline never evaluates them; search does.
type Permissions struct {
	Public bool     `json:"public"`
	Users  []string `json:"users,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Document is the canonical record of an external entity. (source_id,
// external_id) is a unique key; ingest is idempotent on it.
type Document struct {
	bun.BaseModel `bun:"table:documents"`

	ID         string `bun:"id,pk" json:"id"`
	SourceID   string `bun:"source_id" json:"sourceId"`
	ExternalID string `bun:"external_id" json:"externalId"`

	Title       string `bun:"title" json:"title"`
	URL         string `bun:"url" json:"url,omitempty"`
	ContentID   string `bun:"content_id" json:"contentId,omitempty"`
	ContentType string `bun:"content_type" json:"contentType,omitempty"`

	Attributes  map[string]string `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
	Permissions Permissions       `bun:"permissions,type:jsonb" json:"permissions"`

	EmbeddingStatus EmbeddingStatus `bun:"embedding_status" json:"embeddingStatus"`

	// Source-side timestamps, distinct from our row bookkeeping
	SourceCreatedAt *time.Time `bun:"source_created_at" json:"sourceCreatedAt,omitempty"`
	SourceUpdatedAt *time.Time `bun:"source_updated_at" json:"sourceUpdatedAt,omitempty"`

	CreatedAt time.Time  `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,default:now()" json:"updatedAt"`
	DeletedAt *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`

	// Inserted reports whether the last upsert created the row. Populated
	// by RETURNING only, never stored.
	Inserted bool `bun:"inserted,scanonly" json:"-"`
}

// UpsertParams is the payload for idempotent ingest of one document.
type UpsertParams struct {
	SourceID        string
	ExternalID      string
	Title           string
	URL             string
	ContentID       string
	ContentType     string
	Attributes      map[string]string
	Permissions     Permissions
	SourceCreatedAt *time.Time
	SourceUpdatedAt *time.Time
}

// ListParams filters document listings.
type ListParams struct {
	SourceID        string
	EmbeddingStatus EmbeddingStatus
	Limit           int
	Offset          int
}
