package chunker

import (
	"context"
	"runtime"
)

// Pool bounds how many chunking calls run concurrently. Chunking is
// CPU-bound, so callers on hot paths go through the pool instead of
// tokenizing on their own goroutine.
type Pool struct {
	chunker *Chunker
	sem     chan struct{}
}

// NewPool creates a pool with the given concurrency. Zero or negative
// workers defaults to GOMAXPROCS.
func NewPool(c *Chunker, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		chunker: c,
		sem:     make(chan struct{}, workers),
	}
}

// Chunk runs Chunker.Chunk on a pool slot, waiting for one if all are busy.
func (p *Pool) Chunk(ctx context.Context, text string, chunkSize int, mode Mode) ([]Span, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type result struct {
		spans []Span
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() { <-p.sem }()
		spans, err := p.chunker.Chunk(text, chunkSize, mode)
		ch <- result{spans: spans, err: err}
	}()

	select {
	case r := <-ch:
		return r.spans, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
