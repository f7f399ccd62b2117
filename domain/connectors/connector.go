// Package connectors hosts the connector runtime: the RPC surface a
// connector process exposes, the SDK handed to connector implementations,
// and the HTTP client they share for talking to the pipeline Manager.
package connectors

import (
	"context"
	"time"
)

// Document is the canonical shape a connector emits for one external
// entity.
type Document struct {
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	URL         string            `json:"url,omitempty"`
	ContentID   string            `json:"content_id,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Public      bool              `json:"public"`
	Users       []string          `json:"users,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
}

// ActionSpec declares one connector action in the manifest.
type ActionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Mode is "read" or "write"; read action results may be cached
	Mode string `json:"mode"`
}

// Manifest declares what a connector can do.
type Manifest struct {
	Name      string       `json:"name"`
	Version   string       `json:"version"`
	SyncModes []string     `json:"sync_modes"`
	Actions   []ActionSpec `json:"actions"`
}

// SyncRequest carries everything a connector needs for one sync run.
type SyncRequest struct {
	SyncRunID   string
	SourceID    string
	SyncMode    string
	Config      map[string]any
	Credentials map[string]any
	State       map[string]any
}

// ActionRequest invokes a declared action.
type ActionRequest struct {
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	Credentials map[string]any `json:"credentials"`
}

// Connector is the contract a connector implementation fulfills. Sync runs
// to completion or until ctx is cancelled; it reports its outcome through
// the SDK, not the return value, except for setup failures.
type Connector interface {
	Manifest() Manifest
	Sync(ctx context.Context, sdk *SDK, req SyncRequest) error
	Action(ctx context.Context, req ActionRequest) (any, error)
}
