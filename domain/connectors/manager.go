package connectors

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kbforge/kbforge/domain/events"
	"github.com/kbforge/kbforge/domain/sources"
	"github.com/kbforge/kbforge/domain/syncruns"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
)

// ManagerClient is the connector side of the pipeline's SDK surface. Every
// SDK call a connector makes ends up here as an HTTP request.
type ManagerClient struct {
	baseURL string
	client  *http.Client
}

// NewManagerClient creates a Manager client
func NewManagerClient(cfg *config.Config) *ManagerClient {
	return &ManagerClient{
		baseURL: cfg.Connector.ManagerURL,
		client: &http.Client{
			Timeout: cfg.Connector.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

// SyncConfig fetches source config, credentials, and prior state.
func (m *ManagerClient) SyncConfig(ctx context.Context, sourceID string) (*sources.SyncConfig, error) {
	var out sources.SyncConfig
	if err := m.do(ctx, http.MethodGet, "/sdk/source/"+sourceID+"/sync-config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEvent enqueues a document event.
func (m *ManagerClient) AppendEvent(ctx context.Context, syncRunID, sourceID string, ev events.Event) error {
	body := map[string]any{
		"sync_run_id": syncRunID,
		"source_id":   sourceID,
		"event":       ev,
	}
	return m.do(ctx, http.MethodPost, "/sdk/events", body, nil)
}

// SaveContent stores a content blob and returns its content ID. Binary
// bodies travel base64-encoded.
func (m *ManagerClient) SaveContent(ctx context.Context, syncRunID string, data []byte, contentType string) (string, error) {
	body := map[string]any{
		"sync_run_id":  syncRunID,
		"content":      base64.StdEncoding.EncodeToString(data),
		"content_type": contentType,
		"base64":       true,
	}

	var out struct {
		ContentID string `json:"content_id"`
	}
	if err := m.do(ctx, http.MethodPost, "/sdk/content", body, &out); err != nil {
		return "", err
	}
	return out.ContentID, nil
}

// SaveState checkpoints connector state for the source.
func (m *ManagerClient) SaveState(ctx context.Context, sourceID string, state map[string]any) error {
	return m.do(ctx, http.MethodPost, "/sdk/source/"+sourceID+"/state", map[string]any{"state": state}, nil)
}

// Heartbeat marks the sync run alive.
func (m *ManagerClient) Heartbeat(ctx context.Context, syncRunID string) error {
	return m.do(ctx, http.MethodPost, "/sdk/sync/"+syncRunID+"/heartbeat", nil, nil)
}

// IncrementScanned bumps the run's scanned counter.
func (m *ManagerClient) IncrementScanned(ctx context.Context, syncRunID string) error {
	return m.do(ctx, http.MethodPost, "/sdk/sync/"+syncRunID+"/scanned", nil, nil)
}

// Complete reports a successful run with its final state.
func (m *ManagerClient) Complete(ctx context.Context, syncRunID string, p syncruns.CompleteParams) error {
	return m.do(ctx, http.MethodPost, "/sdk/sync/"+syncRunID+"/complete", p, nil)
}

// Cancelled reports that a cancellation request took effect.
func (m *ManagerClient) Cancelled(ctx context.Context, syncRunID string) error {
	return m.do(ctx, http.MethodPost, "/sdk/sync/"+syncRunID+"/cancelled", nil, nil)
}

// Fail reports a failed run.
func (m *ManagerClient) Fail(ctx context.Context, syncRunID, message string) error {
	return m.do(ctx, http.MethodPost, "/sdk/sync/"+syncRunID+"/fail", map[string]string{"error": message}, nil)
}

func (m *ManagerClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperror.ErrCancelled.WithInternal(ctx.Err())
		}
		return apperror.ErrTransient.WithMessage("manager unreachable").WithInternal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperror.FromStatus(resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
