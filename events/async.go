package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/breakwater-io/breakwater/resilience"
)

// AsyncConfig configures an Async sink.
type AsyncConfig struct {
	// Buffer is the queue capacity. Default: 1024.
	Buffer int
}

// Async decouples event emission from delivery. Emit enqueues without
// blocking; a single worker goroutine drains the queue into the
// wrapped sink. When the queue is full the event is dropped and
// counted, never blocking the protected caller.
type Async struct {
	next    resilience.EventSink
	queue   chan resilience.Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync creates and starts an async sink over next. Call Close to
// drain and stop the worker.
func NewAsync(next resilience.EventSink, cfg AsyncConfig) *Async {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	a := &Async{
		next:  next,
		queue: make(chan resilience.Event, cfg.Buffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	// Deliveries get a fresh context: the emitter's context is likely
	// cancelled by the time the event drains.
	ctx := context.Background()
	for e := range a.queue {
		a.next.Emit(ctx, e)
	}
}

// Emit enqueues the event, dropping it if the buffer is full or the
// sink is closed.
func (a *Async) Emit(_ context.Context, e resilience.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were dropped due to a full buffer.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events, drains the queue, and waits for the
// worker to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
