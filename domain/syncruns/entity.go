package syncruns

import (
	"time"

	"github.com/uptrace/bun"
)

// Status values for a sync run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SyncRun is one invocation of a connector for a source. At most one run
// per source is ever in the running state; a partial unique index on
// (source_id) WHERE status = 'running' enforces it.
type SyncRun struct {
	bun.BaseModel `bun:"table:sync_runs"`

	ID       string `bun:"id,pk" json:"id"`
	SourceID string `bun:"source_id" json:"sourceId"`
	Status   Status `bun:"status" json:"status"`

	// SyncMode is full or incremental
	SyncMode string `bun:"sync_mode" json:"syncMode"`

	DocumentsScanned int     `bun:"documents_scanned" json:"documentsScanned"`
	DocumentsUpdated int     `bun:"documents_updated" json:"documentsUpdated"`
	ErrorMessage     *string `bun:"error_message" json:"errorMessage,omitempty"`

	// LastHeartbeatAt drives stale-sync reaping
	LastHeartbeatAt time.Time `bun:"last_heartbeat_at,nullzero,default:now()" json:"lastHeartbeatAt"`

	StartedAt   time.Time  `bun:"started_at,nullzero,default:now()" json:"startedAt"`
	CompletedAt *time.Time `bun:"completed_at" json:"completedAt,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,default:now()" json:"updatedAt"`
}

// CompleteParams is the connector's completion report.
type CompleteParams struct {
	DocumentsScanned int            `json:"documents_scanned"`
	DocumentsUpdated int            `json:"documents_updated"`
	NewState         map[string]any `json:"new_state,omitempty"`
}
