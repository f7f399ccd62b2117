package sources

import (
	"time"

	"github.com/uptrace/bun"
)

// Source is a connected tenant account for one connector type.
type Source struct {
	bun.BaseModel `bun:"table:sources"`

	ID   string `bun:"id,pk" json:"id"`
	Name string `bun:"name" json:"name"`

	// Type names the connector implementation, e.g. "github"
	Type string `bun:"type" json:"type"`

	// Config is per-connector configuration, opaque to the pipeline
	Config map[string]any `bun:"config,type:jsonb" json:"config,omitempty"`

	// State is the connector's replay cursor, written at checkpoints and
	// sync completion. Watermarks inside it only ever advance.
	State map[string]any `bun:"state,type:jsonb" json:"state,omitempty"`

	IsActive  bool   `bun:"is_active" json:"isActive"`
	CreatedBy string `bun:"created_by" json:"createdBy,omitempty"`

	CreatedAt time.Time  `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,default:now()" json:"updatedAt"`
	DeletedAt *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// Credential is the encrypted secret bundle bound to a source. The
// settings column holds pgcrypto ciphertext of the credential JSON.
type Credential struct {
	bun.BaseModel `bun:"table:service_credentials"`

	ID       string `bun:"id,pk" json:"id"`
	SourceID string `bun:"source_id" json:"sourceId"`

	EncryptedSettings string `bun:"encrypted_settings" json:"-"`

	CreatedAt time.Time `bun:"created_at,nullzero,default:now()" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,default:now()" json:"updatedAt"`
}

// CreateParams is the payload for creating a source.
type CreateParams struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	Credentials map[string]any `json:"credentials"`
	CreatedBy   string         `json:"-"`
}

// UpdateParams is the payload for mutating a source.
type UpdateParams struct {
	Name        *string        `json:"name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
	IsActive    *bool          `json:"isActive,omitempty"`
}

// SyncConfig is what a connector runtime fetches before running a sync.
type SyncConfig struct {
	Config         map[string]any `json:"config"`
	Credentials    map[string]any `json:"credentials"`
	ConnectorState map[string]any `json:"connector_state"`
}
