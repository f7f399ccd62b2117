package embedder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Priority orders dispatcher traffic. Lower values are served first.
type Priority int

const (
	// PriorityHigh is interactive, search-time traffic.
	PriorityHigh Priority = iota
	// PriorityNormal is everything in between.
	PriorityNormal
	// PriorityLow is bulk indexing traffic.
	PriorityLow

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps the wire value to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ageWarnThreshold is the queue age above which a dequeued request is
// logged at warn level.
const ageWarnThreshold = time.Second

type dispatchResponse struct {
	embeddings []TextEmbedding
	err        error
}

type dispatchRequest struct {
	ctx        context.Context
	texts      []string
	task       Task
	chunkSize  int
	mode       chunker.Mode
	priority   Priority
	enqueuedAt time.Time
	done       chan dispatchResponse
}

// Dispatcher multiplexes embedding requests onto one provider with strict
// priority ordering: a high request never waits behind normal or low work,
// and requests within a priority are served FIFO. The queue is bounded;
// submitting to a full queue fails immediately with Overloaded rather than
// blocking the caller.
type Dispatcher struct {
	svc      *Service
	log      *slog.Logger
	capacity int

	mu     sync.Mutex
	queues [numPriorities][]*dispatchRequest
	size   int
	notify chan struct{}

	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewDispatcher creates a dispatcher over the service. Capacity covers all
// priorities together.
func NewDispatcher(svc *Service, cfg *config.Config, log *slog.Logger) *Dispatcher {
	capacity := cfg.Embedding.QueueCapacity
	if capacity <= 0 {
		capacity = 100
	}
	return &Dispatcher{
		svc:      svc,
		log:      log.With(logger.Scope("dispatcher")),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Start launches the single consumer goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.stoppedCh = make(chan struct{})

	go d.run()

	d.log.Info("dispatcher started",
		slog.Int("capacity", d.capacity),
		slog.String("model", d.svc.Provider().ModelName()),
	)
}

// Stop shuts the consumer down and fails all queued requests with
// Cancelled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	<-d.stoppedCh

	d.mu.Lock()
	var drained []*dispatchRequest
	for i := range d.queues {
		drained = append(drained, d.queues[i]...)
		d.queues[i] = nil
	}
	d.size = 0
	d.mu.Unlock()

	for _, req := range drained {
		req.done <- dispatchResponse{err: apperror.ErrCancelled.WithMessage("dispatcher stopped")}
	}

	d.log.Info("dispatcher stopped", slog.Int("drained", len(drained)))
}

// QueueDepth returns the current number of queued requests.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Submit enqueues a request and blocks until the dispatcher fulfills it.
// Returns Overloaded when the queue is full and Cancelled when ctx ends
// before the request is served.
func (d *Dispatcher) Submit(ctx context.Context, texts []string, task Task, chunkSize int, mode chunker.Mode, priority Priority) ([]TextEmbedding, error) {
	if priority < PriorityHigh || priority >= numPriorities {
		priority = PriorityNormal
	}

	req := &dispatchRequest{
		ctx:        ctx,
		texts:      texts,
		task:       task,
		chunkSize:  chunkSize,
		mode:       mode,
		priority:   priority,
		enqueuedAt: time.Now(),
		done:       make(chan dispatchResponse, 1),
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, apperror.ErrInternal.WithMessage("dispatcher not running")
	}
	if d.size >= d.capacity {
		d.mu.Unlock()
		d.log.Warn("queue full, rejecting request",
			slog.String("priority", priority.String()),
			slog.Int("capacity", d.capacity),
		)
		return nil, apperror.ErrOverloaded.WithMessagef("embedding queue at capacity %d", d.capacity)
	}
	d.queues[priority] = append(d.queues[priority], req)
	d.size++
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}

	select {
	case resp := <-req.done:
		return resp.embeddings, resp.err
	case <-ctx.Done():
		// The consumer will see the dead ctx and drop the request
		return nil, apperror.ErrCancelled.WithInternal(ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.stoppedCh)

	for {
		select {
		case <-d.stopCh:
			return
		case <-d.notify:
		}

		for {
			req := d.pop()
			if req == nil {
				break
			}
			d.serve(req)

			select {
			case <-d.stopCh:
				return
			default:
			}
		}
	}
}

// pop removes the oldest request of the highest non-empty priority.
func (d *Dispatcher) pop() *dispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	for p := range d.queues {
		if len(d.queues[p]) == 0 {
			continue
		}
		req := d.queues[p][0]
		d.queues[p] = d.queues[p][1:]
		d.size--
		return req
	}
	return nil
}

func (d *Dispatcher) serve(req *dispatchRequest) {
	age := time.Since(req.enqueuedAt)
	attrs := []any{
		slog.String("priority", req.priority.String()),
		slog.Duration("queue_age", age),
		slog.Int("texts", len(req.texts)),
	}
	if age > ageWarnThreshold {
		d.log.Warn("request waited too long in queue", attrs...)
	} else {
		d.log.Debug("dispatching request", attrs...)
	}

	// Cancelled while enqueued: never forwarded to the provider
	if err := req.ctx.Err(); err != nil {
		req.done <- dispatchResponse{err: apperror.ErrCancelled.WithInternal(err)}
		return
	}

	embeddings, err := d.svc.EmbedTexts(req.ctx, req.texts, req.task, req.chunkSize, req.mode)
	req.done <- dispatchResponse{embeddings: embeddings, err: err}
}
