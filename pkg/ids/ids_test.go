package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsValidAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		require.Len(t, id, 26)
		require.True(t, IsValid(id))
		require.False(t, seen[id], "duplicate ULID issued: %s", id)
		seen[id] = true
	}
}

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()
	after := time.Now().Add(time.Second)

	ts, err := Timestamp(id)
	require.NoError(t, err)
	assert.True(t, ts.After(before) && ts.Before(after))

	_, err = Timestamp("not-a-ulid")
	assert.Error(t, err)
}
