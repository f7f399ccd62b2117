package embedder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
)

// stubProvider records the order texts are embedded in and can hold the
// first call open until released.
type stubProvider struct {
	mu      sync.Mutex
	served  []string
	latency time.Duration
	gate    chan struct{}
	gated   bool
}

func (p *stubProvider) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	p.mu.Lock()
	shouldWait := p.gated
	p.gated = false
	p.mu.Unlock()

	if shouldWait {
		<-p.gate
	}
	if p.latency > 0 {
		time.Sleep(p.latency)
	}

	p.mu.Lock()
	p.served = append(p.served, texts...)
	p.mu.Unlock()

	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (p *stubProvider) ModelName() string { return "stub" }
func (p *stubProvider) Dimensions() int   { return 2 }

func (p *stubProvider) serveOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.served...)
}

// parked reports whether the gated first call has entered the provider.
func (p *stubProvider) parked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.gated
}

func (p *stubProvider) hasServed(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.served {
		if s == text {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T, provider Provider, capacity int) *Dispatcher {
	t.Helper()

	pool := chunker.NewPool(chunker.New(chunker.NewWordTokenizer(), 0), 2)
	svc := NewService(provider, pool, discardLogger())

	cfg := &config.Config{}
	cfg.Embedding.QueueCapacity = capacity

	d := NewDispatcher(svc, cfg, discardLogger())
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherServesRequest(t *testing.T) {
	provider := &stubProvider{}
	d := newTestDispatcher(t, provider, 10)

	res, err := d.Submit(context.Background(), []string{"hello world"}, TaskQuery, 0, chunker.ModeNone, PriorityHigh)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Chunks, 1)
	assert.Equal(t, []float32{1, 0}, res[0].Chunks[0].Vector)
}

func TestDispatcherPriorityPreemption(t *testing.T) {
	provider := &stubProvider{
		latency: 10 * time.Millisecond,
		gate:    make(chan struct{}),
		gated:   true,
	}
	d := newTestDispatcher(t, provider, 50)

	const lowCount = 20
	var wg sync.WaitGroup

	// Fill the queue with bulk work; the first request parks in the
	// provider until the gate opens.
	for i := 0; i < lowCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), []string{"low"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
			assert.NoError(t, err)
		}(i)
	}

	// Wait until the consumer is parked inside the provider
	require.Eventually(t, func() bool {
		return d.QueueDepth() >= lowCount-1
	}, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := d.Submit(context.Background(), []string{"high"}, TaskQuery, 0, chunker.ModeNone, PriorityHigh)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queues[PriorityHigh]) == 1
	}, time.Second, time.Millisecond)

	close(provider.gate)
	wg.Wait()

	order := provider.serveOrder()
	require.Len(t, order, lowCount+1)

	highPos := -1
	for i, text := range order {
		if text == "high" {
			highPos = i
			break
		}
	}
	require.NotEqual(t, -1, highPos)
	// Only the request already in flight may finish ahead of the high one
	assert.LessOrEqual(t, highPos, 1, "high priority request must preempt queued low work")
}

func TestDispatcherFIFOWithinPriority(t *testing.T) {
	provider := &stubProvider{
		gate:  make(chan struct{}),
		gated: true,
	}
	d := newTestDispatcher(t, provider, 10)

	var wg sync.WaitGroup
	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		text := text
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Submit(context.Background(), []string{text}, TaskPassage, 0, chunker.ModeNone, PriorityNormal)
			assert.NoError(t, err)
		}()
		// Serialize enqueue order
		require.Eventually(t, func() bool {
			d.mu.Lock()
			defer d.mu.Unlock()
			for _, q := range d.queues {
				for _, r := range q {
					if r.texts[0] == text {
						return true
					}
				}
			}
			return provider.hasServed(text)
		}, time.Second, time.Millisecond)
	}

	close(provider.gate)
	wg.Wait()

	order := provider.serveOrder()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatcherOverloaded(t *testing.T) {
	provider := &stubProvider{
		gate:  make(chan struct{}),
		gated: true,
	}
	d := newTestDispatcher(t, provider, 2)
	defer close(provider.gate)

	// One request parks in the provider, two fill the queue
	go func() {
		_, _ = d.Submit(context.Background(), []string{"parked"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
	}()
	require.Eventually(t, func() bool {
		return provider.parked()
	}, time.Second, time.Millisecond)

	for i := 0; i < 2; i++ {
		go func() {
			_, _ = d.Submit(context.Background(), []string{"fill"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
		}()
	}
	require.Eventually(t, func() bool {
		return d.QueueDepth() == 2
	}, time.Second, time.Millisecond)

	_, err := d.Submit(context.Background(), []string{"overflow"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
	assert.ErrorIs(t, err, apperror.ErrOverloaded)
}

func TestDispatcherCancelledWhileQueued(t *testing.T) {
	provider := &stubProvider{
		gate:  make(chan struct{}),
		gated: true,
	}
	d := newTestDispatcher(t, provider, 10)
	defer close(provider.gate)

	// Park the consumer
	go func() {
		_, _ = d.Submit(context.Background(), []string{"parked"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
	}()
	require.Eventually(t, func() bool {
		return provider.parked()
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, []string{"cancel me"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return d.QueueDepth() == 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, apperror.IsCancelled(err))
}

func TestDispatcherStopFailsQueuedRequests(t *testing.T) {
	provider := &stubProvider{
		gate:  make(chan struct{}),
		gated: true,
	}

	pool := chunker.NewPool(chunker.New(chunker.NewWordTokenizer(), 0), 2)
	svc := NewService(provider, pool, discardLogger())
	cfg := &config.Config{}
	cfg.Embedding.QueueCapacity = 10
	d := NewDispatcher(svc, cfg, discardLogger())
	d.Start()

	go func() {
		_, _ = d.Submit(context.Background(), []string{"parked"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), []string{"queued"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return d.QueueDepth() >= 1
	}, time.Second, time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		d.Stop()
		close(stopDone)
	}()

	// Release the parked request so the consumer can observe the stop
	close(provider.gate)
	<-stopDone

	err := <-done
	assert.True(t, apperror.IsCancelled(err))

	_, err = d.Submit(context.Background(), []string{"late"}, TaskPassage, 0, chunker.ModeNone, PriorityLow)
	assert.ErrorIs(t, err, apperror.ErrInternal)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))
}
