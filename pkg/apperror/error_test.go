package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(http.StatusBadGateway, "api_error", "upstream broke")
	assert.Equal(t, "api_error: upstream broke", err.Error())

	withInternal := err.WithInternal(errors.New("boom"))
	assert.Contains(t, withInternal.Error(), "boom")
	assert.Equal(t, errors.New("boom"), errors.Unwrap(withInternal))
}

func TestSentinelMatchingSurvivesCopies(t *testing.T) {
	err := ErrAuth.WithMessage("bad token").WithInternal(errors.New("401"))
	assert.True(t, errors.Is(err, ErrAuth))
	assert.True(t, IsAuth(err))
	assert.False(t, IsNotFound(err))

	wrapped := fmt.Errorf("sync failed: %w", err)
	assert.True(t, IsAuth(wrapped))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth", ErrAuth.WithMessage("expired"), false},
		{"validation", ErrValidation, false},
		{"cancelled", ErrCancelled, false},
		{"not found", ErrNotFound, false},
		{"transient", ErrTransient, true},
		{"api", ErrAPI, true},
		{"storage", ErrStorage.WithInternal(errors.New("s3 down")), true},
		{"plain error", errors.New("weird"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   *Error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusTeapot, ErrAPI},
	}

	for _, tt := range tests {
		got := FromStatus(tt.status, "body")
		assert.True(t, errors.Is(got, tt.want), "status %d should map to %s, got %s", tt.status, tt.want.Code, got.Code)
	}
}
