package connectors

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
)

// fakeConnector blocks inside Sync until released or cancelled, so tests
// can exercise the runtime's in-flight bookkeeping.
type fakeConnector struct {
	started chan struct{}
	release chan struct{}
	syncErr error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (f *fakeConnector) Manifest() Manifest {
	return Manifest{
		Name:      "fake",
		Version:   "0.0.1",
		SyncModes: []string{"full"},
		Actions: []ActionSpec{
			{Name: "ping", Mode: "read"},
		},
	}
}

func (f *fakeConnector) Sync(ctx context.Context, sdk *SDK, req SyncRequest) error {
	f.started <- struct{}{}
	for {
		select {
		case <-f.release:
			return f.syncErr
		case <-time.After(2 * time.Millisecond):
			if sdk.IsCancelled() {
				return nil
			}
		}
	}
}

func (f *fakeConnector) Action(ctx context.Context, req ActionRequest) (any, error) {
	return map[string]any{"pong": true}, nil
}

// managerStub answers every /sdk call the runtime makes and records the
// paths it saw.
type managerStub struct {
	srv *httptest.Server

	mu    sync.Mutex
	paths []string
}

func newManagerStub(t *testing.T) *managerStub {
	t.Helper()
	m := &managerStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.paths = append(m.paths, r.URL.Path)
		m.mu.Unlock()

		if strings.HasSuffix(r.URL.Path, "/sync-config") {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"config":          map[string]any{},
				"credentials":     map[string]any{},
				"connector_state": map[string]any{},
			})
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *managerStub) sawPathSuffix(suffix string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.paths {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func newTestRuntime(t *testing.T, conn Connector, managerURL string) *Runtime {
	t.Helper()

	cfg := &config.Config{}
	cfg.Connector.ManagerURL = managerURL
	cfg.Connector.RequestTimeout = 5 * time.Second

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRuntime(conn, NewManagerClient(cfg), nil, cfg, log)
}

func postJSON(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRuntimeHealthAndManifest(t *testing.T) {
	rt := newTestRuntime(t, newFakeConnector(), "http://unused")
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, rt.Health(e.NewContext(req, rec)))
	assert.Contains(t, rec.Body.String(), `"healthy"`)
	assert.Contains(t, rec.Body.String(), `"fake"`)

	req = httptest.NewRequest(http.MethodGet, "/manifest", nil)
	rec = httptest.NewRecorder()
	require.NoError(t, rt.GetManifest(e.NewContext(req, rec)))

	var manifest Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	assert.Equal(t, "fake", manifest.Name)
	require.Len(t, manifest.Actions, 1)
	assert.Equal(t, "read", manifest.Actions[0].Mode)
}

func TestStartSyncRejectsSecondForSameSource(t *testing.T) {
	manager := newManagerStub(t)
	conn := newFakeConnector()
	rt := newTestRuntime(t, conn, manager.srv.URL)
	e := echo.New()

	c, rec := postJSON(e, `{"sync_run_id":"run-1","source_id":"src-1","sync_mode":"full"}`)
	require.NoError(t, rt.StartSync(c))
	assert.Contains(t, rec.Body.String(), `"started"`)

	// Wait for the sync goroutine to actually begin
	select {
	case <-conn.started:
	case <-time.After(time.Second):
		t.Fatal("sync never started")
	}

	c, _ = postJSON(e, `{"sync_run_id":"run-2","source_id":"src-1","sync_mode":"full"}`)
	err := rt.StartSync(c)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrConflict)

	close(conn.release)
}

func TestCancelStopsRunningSync(t *testing.T) {
	manager := newManagerStub(t)
	conn := newFakeConnector()
	rt := newTestRuntime(t, conn, manager.srv.URL)
	e := echo.New()

	c, _ := postJSON(e, `{"sync_run_id":"run-1","source_id":"src-1","sync_mode":"full"}`)
	require.NoError(t, rt.StartSync(c))
	select {
	case <-conn.started:
	case <-time.After(time.Second):
		t.Fatal("sync never started")
	}

	c, rec := postJSON(e, `{"sync_run_id":"run-1"}`)
	require.NoError(t, rt.Cancel(c))
	assert.Contains(t, rec.Body.String(), `"cancelled"`)

	// The connector notices the flag, returns, and the runtime reports the
	// cancellation to the Manager
	assert.Eventually(t, func() bool {
		return manager.sawPathSuffix("/cancelled")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownRun(t *testing.T) {
	rt := newTestRuntime(t, newFakeConnector(), "http://unused")
	e := echo.New()

	c, rec := postJSON(e, `{"sync_run_id":"nope"}`)
	require.NoError(t, rt.Cancel(c))
	assert.Contains(t, rec.Body.String(), `"not_found"`)
}

func TestSyncFailureReportedToManager(t *testing.T) {
	manager := newManagerStub(t)
	conn := newFakeConnector()
	conn.syncErr = apperror.ErrTransient.WithMessage("upstream flaked")
	rt := newTestRuntime(t, conn, manager.srv.URL)
	e := echo.New()

	c, _ := postJSON(e, `{"sync_run_id":"run-1","source_id":"src-1","sync_mode":"full"}`)
	require.NoError(t, rt.StartSync(c))
	select {
	case <-conn.started:
	case <-time.After(time.Second):
		t.Fatal("sync never started")
	}
	close(conn.release)

	assert.Eventually(t, func() bool {
		return manager.sawPathSuffix("/fail")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvokeAction(t *testing.T) {
	rt := newTestRuntime(t, newFakeConnector(), "http://unused")
	e := echo.New()

	c, rec := postJSON(e, `{"action":"ping","params":{}}`)
	require.NoError(t, rt.InvokeAction(c))
	assert.Contains(t, rec.Body.String(), `"success"`)
	assert.Contains(t, rec.Body.String(), `"pong"`)

	c, rec = postJSON(e, `{"action":"reboot","params":{}}`)
	require.NoError(t, rt.InvokeAction(c))
	assert.Contains(t, rec.Body.String(), `"error"`)
	assert.Contains(t, rec.Body.String(), "unknown action")
}
