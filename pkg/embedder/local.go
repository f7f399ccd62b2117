package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/kbforge/kbforge/internal/config"
)

const localModelName = "local-deterministic"

// LocalProvider produces deterministic pseudo-embeddings from a hash of the
// input text. It exists for local development and tests; identical text
// always yields identical vectors.
type LocalProvider struct {
	dimensions int
}

func NewLocalProvider(cfg *config.EmbeddingConfig) *LocalProvider {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1024
	}
	return &LocalProvider{dimensions: dims}
}

func (p *LocalProvider) ModelName() string { return localModelName }
func (p *LocalProvider) Dimensions() int   { return p.dimensions }

func (p *LocalProvider) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.vectorFor(text, task)
	}
	return vectors, nil
}

// vectorFor derives a unit-norm vector from the text and task. A simple
// splitmix-style generator seeded by FNV keeps it stable across runs.
func (p *LocalProvider) vectorFor(text string, task Task) []float32 {
	h := fnv.New64a()
	h.Write([]byte(string(task)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, p.dimensions)
	var norm float64
	for i := range vec {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31

		v := float64(z>>11)/float64(1<<53) - 0.5
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
