package embedder

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/apperror"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(t *testing.T, maxRetries int) *httpEnvelope {
	t.Helper()
	return newHTTPEnvelope("test", 5*time.Second, maxRetries, time.Millisecond, discardLogger())
}

func getRequest(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestEnvelopeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := testEnvelope(t, 3).do(context.Background(), getRequest(srv.URL))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestEnvelopeAuthErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testEnvelope(t, 3).do(context.Background(), getRequest(srv.URL))
	assert.True(t, apperror.IsAuth(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "401 must not be retried")
}

func TestEnvelopeNotFoundNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testEnvelope(t, 3).do(context.Background(), getRequest(srv.URL))
	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnvelopeBadRequestSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testEnvelope(t, 3).do(context.Background(), getRequest(srv.URL))
	assert.ErrorIs(t, err, apperror.ErrAPI)
}

func TestEnvelopeServerErrorRetriesThenExhausts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testEnvelope(t, 2).do(context.Background(), getRequest(srv.URL))
	assert.ErrorIs(t, err, apperror.ErrAPI)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial attempt plus two retries")
}

func TestEnvelopeServerErrorRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	body, err := testEnvelope(t, 3).do(context.Background(), getRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestEnvelopeRateLimitHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	start := time.Now()
	body, err := testEnvelope(t, 0).do(context.Background(), getRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "must wait out Retry-After")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEnvelopeCancelledDuringRateLimitWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testEnvelope(t, 3).do(ctx, getRequest(srv.URL))
	assert.True(t, apperror.IsCancelled(err))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "empty", header: "", want: 0},
		{name: "seconds", header: "7", want: 7 * time.Second},
		{name: "negative", header: "-1", want: 0},
		{name: "garbage", header: "soon", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header))
		})
	}
}
