package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeStateWatermarkNeverRewinds(t *testing.T) {
	stored := map[string]any{
		"repos": map[string]any{
			"octocat/Hello-World": map[string]any{
				"issues_updated_at": "2026-08-20T10:00:00Z",
				"cursor":            "page-7",
			},
		},
	}
	incoming := map[string]any{
		"repos": map[string]any{
			"octocat/Hello-World": map[string]any{
				"issues_updated_at": "2026-08-18T09:00:00Z",
				"cursor":            "page-3",
			},
		},
	}

	merged := mergeState(stored, incoming)

	repo := merged["repos"].(map[string]any)["octocat/Hello-World"].(map[string]any)
	assert.Equal(t, "2026-08-20T10:00:00Z", repo["issues_updated_at"], "watermark must not rewind")
	assert.Equal(t, "page-3", repo["cursor"], "non-watermark fields take the new value")
}

func TestMergeStateWatermarkAdvances(t *testing.T) {
	stored := map[string]any{"updated_at": "2026-08-18T09:00:00Z"}
	incoming := map[string]any{"updated_at": "2026-08-20T10:00:00Z"}

	merged := mergeState(stored, incoming)
	assert.Equal(t, "2026-08-20T10:00:00Z", merged["updated_at"])
}

func TestMergeStateNewKeys(t *testing.T) {
	stored := map[string]any{
		"repos": map[string]any{
			"a/b": map[string]any{"issues_updated_at": "2026-01-01T00:00:00Z"},
		},
	}
	incoming := map[string]any{
		"repos": map[string]any{
			"c/d": map[string]any{"issues_updated_at": "2026-02-01T00:00:00Z"},
		},
		"delta_token": "abc123",
	}

	merged := mergeState(stored, incoming)

	repos := merged["repos"].(map[string]any)
	assert.Len(t, repos, 2)
	assert.Equal(t, "abc123", merged["delta_token"])
}

func TestMergeStateNilStored(t *testing.T) {
	merged := mergeState(nil, map[string]any{"k": "v"})
	assert.Equal(t, "v", merged["k"])
}

func TestIsWatermarkKey(t *testing.T) {
	assert.True(t, isWatermarkKey("updated_at"))
	assert.True(t, isWatermarkKey("issues_updated_at"))
	assert.False(t, isWatermarkKey("cursor"))
	assert.False(t, isWatermarkKey("updated"))
}
