package github

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/domain/connectors"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
)

type capturedEvent struct {
	Type       string            `json:"type"`
	DocumentID string            `json:"document_id"`
	ContentID  string            `json:"content_id"`
	Error      string            `json:"error"`
	Attributes map[string]string `json:"attributes"`
}

// stubManager records every SDK call a connector makes during a sync.
type stubManager struct {
	mu       sync.Mutex
	events   []capturedEvent
	contents []string
	states   []map[string]any
	scanned  int
	complete map[string]any
	failed   string
	srv      *httptest.Server
}

func newStubManager(t *testing.T) *stubManager {
	m := &stubManager{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sdk/events", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event capturedEvent `json:"event"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		m.mu.Lock()
		m.events = append(m.events, body.Event)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /sdk/content", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		m.mu.Lock()
		m.contents = append(m.contents, body.Content)
		n := len(m.contents)
		m.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"content_id": "01J0000000000000000000000" + string(rune('A'+n))})
	})
	mux.HandleFunc("POST /sdk/source/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			State map[string]any `json:"state"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		m.mu.Lock()
		m.states = append(m.states, body.State)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /sdk/sync/", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/scanned"):
			m.scanned++
		case strings.HasSuffix(r.URL.Path, "/complete"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			m.complete = body
		case strings.HasSuffix(r.URL.Path, "/fail"):
			var body struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			m.failed = body.Error
		}
		w.WriteHeader(http.StatusOK)
	})

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *stubManager) eventsByType(eventType string) []capturedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []capturedEvent
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// stubGitHub serves a fixed repository with two issues (one of which is a
// pull request in the issues feed) and one pull request.
func stubGitHub(t *testing.T, token string) *httptest.Server {
	mux := http.NewServeMux()

	authed := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Bad credentials"}`))
			return false
		}
		return true
	}

	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		w.Write([]byte(`{"login":"octocat"}`))
	})
	mux.HandleFunc("GET /repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		w.Write([]byte(`{
			"full_name": "acme/widgets",
			"description": "Widget factory",
			"html_url": "https://github.example/acme/widgets",
			"private": false,
			"created_at": "2025-01-01T00:00:00Z",
			"updated_at": "2025-06-01T00:00:00Z"
		}`))
	})
	mux.HandleFunc("GET /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		since := r.URL.Query().Get("since")
		if since != "" && since >= "2025-06-02T00:00:00Z" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[
			{
				"number": 1,
				"title": "Widgets wobble",
				"body": "They should not wobble.",
				"state": "open",
				"html_url": "https://github.example/acme/widgets/issues/1",
				"created_at": "2025-05-01T00:00:00Z",
				"updated_at": "2025-06-01T12:00:00Z"
			},
			{
				"number": 2,
				"title": "Stop the wobble",
				"body": "Fixes #1",
				"state": "open",
				"html_url": "https://github.example/acme/widgets/pull/2",
				"created_at": "2025-05-02T00:00:00Z",
				"updated_at": "2025-06-02T00:00:00Z",
				"pull_request": {}
			}
		]`))
	})
	mux.HandleFunc("GET /repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		w.Write([]byte(`[
			{
				"number": 2,
				"title": "Stop the wobble",
				"body": "Fixes #1",
				"state": "open",
				"html_url": "https://github.example/acme/widgets/pull/2",
				"created_at": "2025-05-02T00:00:00Z",
				"updated_at": "2025-06-02T00:00:00Z"
			}
		]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(managerURL string) *config.Config {
	return &config.Config{
		Connector: config.ConnectorConfig{
			ManagerURL:     managerURL,
			RequestTimeout: 5 * time.Second,
			PageTimeout:    5 * time.Second,
		},
		Sync: config.SyncConfig{CheckpointInterval: 2},
	}
}

func testSDK(cfg *config.Config, cancelled *atomic.Bool) *connectors.SDK {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cancelled == nil {
		cancelled = &atomic.Bool{}
	}
	return connectors.NewSDK(connectors.NewManagerClient(cfg), "sr-1", "src-1", cancelled, log)
}

func TestSyncFull(t *testing.T) {
	manager := newStubManager(t)
	gh := stubGitHub(t, "good-token")
	cfg := testConfig(manager.srv.URL)

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := conn.Sync(context.Background(), testSDK(cfg, nil), connectors.SyncRequest{
		SyncRunID:   "sr-1",
		SourceID:    "src-1",
		SyncMode:    "full",
		Config:      map[string]any{"repos": []any{"acme/widgets"}, "api_base_url": gh.URL},
		Credentials: map[string]any{"token": "good-token"},
	})
	require.NoError(t, err)

	created := manager.eventsByType("document_created")
	require.Len(t, created, 3)

	ids := make([]string, 0, len(created))
	for _, ev := range created {
		ids = append(ids, ev.DocumentID)
	}
	assert.Contains(t, ids, "acme/widgets")
	assert.Contains(t, ids, "acme/widgets/issues/1")
	assert.Contains(t, ids, "acme/widgets/pulls/2")

	// Repo description plus two bodies were stored as content blobs.
	assert.Len(t, manager.contents, 3)
	assert.Equal(t, 3, manager.scanned)

	require.NotNil(t, manager.complete)
	state, ok := manager.complete["new_state"].(map[string]any)
	require.True(t, ok)
	repos, ok := state["repos"].(map[string]any)
	require.True(t, ok)
	rs, ok := repos["acme/widgets"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2025-06-01T00:00:00Z", rs["updated_at"])
	assert.Equal(t, "2025-06-01T12:00:00Z", rs["issues_updated_at"])
	assert.Equal(t, "2025-06-02T00:00:00Z", rs["pulls_updated_at"])
}

func TestSyncIncrementalSkipsUnchanged(t *testing.T) {
	manager := newStubManager(t)
	gh := stubGitHub(t, "good-token")
	cfg := testConfig(manager.srv.URL)

	state := map[string]any{
		"repos": map[string]any{
			"acme/widgets": map[string]any{
				"updated_at":        "2025-06-01T00:00:00Z",
				"issues_updated_at": "2025-06-02T00:00:00Z",
				"pulls_updated_at":  "2025-06-02T00:00:00Z",
			},
		},
	}

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := conn.Sync(context.Background(), testSDK(cfg, nil), connectors.SyncRequest{
		SyncRunID:   "sr-1",
		SourceID:    "src-1",
		SyncMode:    "incremental",
		Config:      map[string]any{"repos": []any{"acme/widgets"}, "api_base_url": gh.URL},
		Credentials: map[string]any{"token": "good-token"},
		State:       state,
	})
	require.NoError(t, err)

	// Repo, issues, and pulls are all at or behind the watermarks.
	assert.Empty(t, manager.events)
	require.NotNil(t, manager.complete)
}

func TestSyncIncrementalEmitsUpdated(t *testing.T) {
	manager := newStubManager(t)
	gh := stubGitHub(t, "good-token")
	cfg := testConfig(manager.srv.URL)

	// Watermark before the issue's last update, after its creation.
	state := map[string]any{
		"repos": map[string]any{
			"acme/widgets": map[string]any{
				"issues_updated_at": "2025-05-15T00:00:00Z",
			},
		},
	}

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := conn.Sync(context.Background(), testSDK(cfg, nil), connectors.SyncRequest{
		SyncRunID:   "sr-1",
		SourceID:    "src-1",
		SyncMode:    "incremental",
		Config:      map[string]any{"repos": []any{"acme/widgets"}, "api_base_url": gh.URL},
		Credentials: map[string]any{"token": "good-token"},
		State:       state,
	})
	require.NoError(t, err)

	updated := manager.eventsByType("document_updated")
	require.Len(t, updated, 1)
	assert.Equal(t, "acme/widgets/issues/1", updated[0].DocumentID)
	assert.Equal(t, "issue", updated[0].Attributes["type"])
}

func TestSyncBadToken(t *testing.T) {
	manager := newStubManager(t)
	gh := stubGitHub(t, "good-token")
	cfg := testConfig(manager.srv.URL)

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := conn.Sync(context.Background(), testSDK(cfg, nil), connectors.SyncRequest{
		SyncRunID:   "sr-1",
		SourceID:    "src-1",
		SyncMode:    "full",
		Config:      map[string]any{"repos": []any{"acme/widgets"}, "api_base_url": gh.URL},
		Credentials: map[string]any{"token": "wrong"},
	})
	require.Error(t, err)
	assert.True(t, apperror.IsAuth(err))
	assert.Empty(t, manager.events)
}

func TestSyncMissingToken(t *testing.T) {
	manager := newStubManager(t)
	cfg := testConfig(manager.srv.URL)

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := conn.Sync(context.Background(), testSDK(cfg, nil), connectors.SyncRequest{
		SyncRunID: "sr-1",
		SourceID:  "src-1",
		SyncMode:  "full",
		Config:    map[string]any{"repos": []any{"acme/widgets"}},
	})
	require.Error(t, err)
	assert.True(t, apperror.IsAuth(err))
	assert.Contains(t, err.Error(), "token")
}

func TestSyncCancelledBeforeStart(t *testing.T) {
	manager := newStubManager(t)
	gh := stubGitHub(t, "good-token")
	cfg := testConfig(manager.srv.URL)

	cancelled := &atomic.Bool{}
	cancelled.Store(true)

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := conn.Sync(context.Background(), testSDK(cfg, cancelled), connectors.SyncRequest{
		SyncRunID:   "sr-1",
		SourceID:    "src-1",
		SyncMode:    "full",
		Config:      map[string]any{"repos": []any{"acme/widgets"}, "api_base_url": gh.URL},
		Credentials: map[string]any{"token": "good-token"},
	})
	require.NoError(t, err)

	// A cancelled run checkpoints state instead of completing.
	assert.Nil(t, manager.complete)
	require.NotEmpty(t, manager.states)
}

func TestActionGetRepo(t *testing.T) {
	gh := stubGitHub(t, "good-token")
	cfg := testConfig("http://unused")

	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, err := conn.Action(context.Background(), connectors.ActionRequest{
		Action:      "get_repo",
		Params:      map[string]any{"repo": "acme/widgets", "api_base_url": gh.URL},
		Credentials: map[string]any{"token": "good-token"},
	})
	require.NoError(t, err)

	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", out["full_name"])
}

func TestActionUnknown(t *testing.T) {
	cfg := testConfig("http://unused")
	conn := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := conn.Action(context.Background(), connectors.ActionRequest{
		Action: "launch_rockets",
		Params: map[string]any{"repo": "acme/widgets"},
	})
	require.Error(t, err)
}
