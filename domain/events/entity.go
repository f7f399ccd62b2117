package events

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/domain/documents"
)

// Event types a connector can emit.
const (
	TypeDocumentCreated = "document_created"
	TypeDocumentUpdated = "document_updated"
	TypeDocumentDeleted = "document_deleted"
	TypeDocumentError   = "document_error"
)

// Status values for queued events.
const (
	StatusPending  = "pending"
	StatusConsumed = "consumed"
	StatusFailed   = "failed"
)

// Metadata carries the document fields of a created/updated event.
type Metadata struct {
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Event is a connector emission. DocumentID is the connector's external ID
// for the entity, stable within the source.
type Event struct {
	Type        string                 `json:"type"`
	DocumentID  string                 `json:"document_id"`
	ContentID   string                 `json:"content_id,omitempty"`
	Metadata    *Metadata              `json:"metadata,omitempty"`
	Permissions *documents.Permissions `json:"permissions,omitempty"`
	Attributes  map[string]string      `json:"attributes,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// QueuedEvent is the durable row form of an Event. Events stay queued until
// the indexing consumer commits them.
type QueuedEvent struct {
	bun.BaseModel `bun:"table:connector_events_queue"`

	ID        string `bun:"id,pk" json:"id"`
	SyncRunID string `bun:"sync_run_id" json:"syncRunId"`
	SourceID  string `bun:"source_id" json:"sourceId"`

	Type        string                 `bun:"type" json:"type"`
	DocumentID  string                 `bun:"document_id" json:"documentId"`
	ContentID   *string                `bun:"content_id" json:"contentId,omitempty"`
	Metadata    *Metadata              `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	Permissions *documents.Permissions `bun:"permissions,type:jsonb" json:"permissions,omitempty"`
	Attributes  map[string]string      `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
	Error       *string                `bun:"error" json:"error,omitempty"`

	Status       string  `bun:"status" json:"status"`
	ErrorMessage *string `bun:"error_message" json:"errorMessage,omitempty"`

	CreatedAt  time.Time  `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	ConsumedAt *time.Time `bun:"consumed_at" json:"consumedAt,omitempty"`
}
