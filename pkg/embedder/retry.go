package embedder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/logger"
)

// defaultRetryAfter is used when a 429 response carries no Retry-After.
const defaultRetryAfter = 10 * time.Second

// httpEnvelope is the retry policy shared by all HTTP providers:
//
//   - 401/404 and other 4xx surface immediately as taxonomy errors
//   - 429 retries without limit, waiting per Retry-After (no retry budget)
//   - 5xx and network errors retry up to maxRetries with exponential backoff
//
// A circuit breaker guards transport-level failures so a dead endpoint
// fails fast instead of burning timeouts on every request.
type httpEnvelope struct {
	name       string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	baseWait   time.Duration
	log        *slog.Logger
}

func newHTTPEnvelope(name string, timeout time.Duration, maxRetries int, baseWait time.Duration, log *slog.Logger) *httpEnvelope {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseWait <= 0 {
		baseWait = time.Second
	}

	return &httpEnvelope{
		name: name,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		maxRetries: maxRetries,
		baseWait:   baseWait,
		log:        log.With(logger.Scope("embedder." + name)),
	}
}

// do executes the request built by build, applying the retry policy. build
// is called once per attempt so request bodies can be re-read.
func (e *httpEnvelope) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.baseWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		body, retryAfter, err := e.once(ctx, build)
		if err == nil {
			return body, nil
		}

		switch {
		case errors.Is(err, apperror.ErrRateLimited):
			// Rate limits burn no retry budget; pause until the server says go
			wait := retryAfter
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			e.log.Warn("rate limited, pausing",
				slog.Duration("retry_after", wait),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			bo.Reset()

		case errors.Is(err, apperror.ErrTransient):
			attempts++
			if attempts > e.maxRetries {
				return nil, apperror.ErrAPI.WithMessagef("%s: retries exhausted after %d attempts", e.name, attempts).WithInternal(err)
			}
			wait := bo.NextBackOff()
			e.log.Warn("transient upstream failure, retrying",
				slog.Int("attempt", attempts),
				slog.Duration("backoff", wait),
				logger.Error(err),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		default:
			return nil, err
		}
	}
}

func (e *httpEnvelope) once(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, time.Duration, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, 0, err
	}

	res, err := e.breaker.Execute(func() (any, error) {
		return e.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, 0, apperror.ErrTransient.WithMessagef("%s: circuit open", e.name).WithInternal(err)
		}
		if ctx.Err() != nil {
			return nil, 0, apperror.ErrCancelled.WithInternal(ctx.Err())
		}
		return nil, 0, apperror.ErrTransient.WithMessagef("%s: request failed", e.name).WithInternal(err)
	}

	resp := res.(*http.Response)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperror.ErrTransient.WithMessagef("%s: read response", e.name).WithInternal(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryAfter, apperror.FromStatus(resp.StatusCode, truncate(string(body), 512))
	}

	return body, 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return apperror.ErrCancelled.WithInternal(ctx.Err())
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
