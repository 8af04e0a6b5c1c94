package resilience

import (
	"context"
	"sync"
	"time"
)

// BulkheadConfig configures one bulkhead partition.
type BulkheadConfig struct {
	// MaxConcurrent is the number of operations allowed to execute
	// simultaneously.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// MaxQueue is the number of callers allowed to wait for a slot.
	// Zero means rejection as soon as all slots are busy.
	MaxQueue int `json:"max_queue" yaml:"max_queue"`

	// QueueTimeout bounds how long a queued caller waits. Zero means
	// the caller waits until admitted or its context is cancelled.
	QueueTimeout time.Duration `json:"queue_timeout" yaml:"queue_timeout"`
}

// DefaultBulkheadConfig returns the default bulkhead configuration.
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrent: 10,
		MaxQueue:      100,
		QueueTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c BulkheadConfig) Validate() error {
	if c.MaxConcurrent <= 0 {
		return newInvalidPolicyError("bulkhead", "max_concurrent", "must be positive")
	}
	if c.MaxQueue < 0 {
		return newInvalidPolicyError("bulkhead", "max_queue", "must be >= 0")
	}
	if c.QueueTimeout < 0 {
		return newInvalidPolicyError("bulkhead", "queue_timeout", "must be >= 0")
	}
	return nil
}

// BulkheadMetrics reports a partition's utilization at the moment of
// the call.
type BulkheadMetrics struct {
	Active   int
	Queued   int
	Rejected int64
}

// BulkheadOption configures a Bulkhead.
type BulkheadOption func(*Bulkhead)

// WithBulkheadClock sets the clock used for queue timeouts.
func WithBulkheadClock(c Clock) BulkheadOption {
	return func(b *Bulkhead) { b.clock = c }
}

// WithRejectionHook registers a hook called once per rejection with the
// metrics at rejection time.
func WithRejectionHook(fn func(partition string, m BulkheadMetrics)) BulkheadOption {
	return func(b *Bulkhead) { b.onReject = fn }
}

// Bulkhead bounds concurrency for one partition. Callers beyond
// MaxConcurrent wait in a strict-FIFO queue bounded by MaxQueue; on
// release the queue head inherits the slot directly.
type Bulkhead struct {
	partition string
	cfg       BulkheadConfig
	clock     Clock
	onReject  func(string, BulkheadMetrics)

	mu       sync.Mutex
	active   int
	queue    []*bulkheadWaiter
	rejected int64
}

type bulkheadWaiter struct {
	ready    chan struct{}
	admitted bool
}

// NewBulkhead creates a bulkhead for one partition. The config must be
// valid.
func NewBulkhead(partition string, cfg BulkheadConfig, opts ...BulkheadOption) (*Bulkhead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bulkhead{
		partition: partition,
		cfg:       cfg,
		clock:     SystemClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Acquire obtains an execution slot. It admits immediately below
// MaxConcurrent, queues FIFO while the queue has room, and rejects with
// a bulkhead_full error otherwise. A queued caller that times out or is
// cancelled leaves without consuming a slot.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	b.mu.Lock()

	if b.active < b.cfg.MaxConcurrent {
		b.active++
		b.mu.Unlock()
		return nil
	}

	if len(b.queue) >= b.cfg.MaxQueue {
		b.rejected++
		m := b.metricsLocked()
		b.mu.Unlock()
		b.reject(m)
		return newBulkheadFullError(b.partition, "partition at capacity and queue full")
	}

	w := &bulkheadWaiter{ready: make(chan struct{})}
	b.queue = append(b.queue, w)
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if b.cfg.QueueTimeout > 0 {
		timeoutCh = b.clock.After(b.cfg.QueueTimeout)
	}

	select {
	case <-w.ready:
		return nil
	case <-timeoutCh:
		if b.abandon(w) {
			return newBulkheadFullError(b.partition, "queue wait timed out")
		}
		return nil
	case <-ctx.Done():
		if b.abandon(w) {
			return ctx.Err()
		}
		return nil
	}
}

// abandon removes a waiter that gave up. It returns false when the
// waiter lost the race and was already admitted, in which case the
// caller owns a slot after all.
func (b *Bulkhead) abandon(w *bulkheadWaiter) bool {
	b.mu.Lock()

	if w.admitted {
		b.mu.Unlock()
		return false
	}

	for i, q := range b.queue {
		if q == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	b.rejected++
	m := b.metricsLocked()
	b.mu.Unlock()

	b.reject(m)
	return true
}

// Release returns a slot. If a caller is queued, the slot transfers to
// the queue head; otherwise the active count drops.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) > 0 {
		w := b.queue[0]
		b.queue = b.queue[1:]
		w.admitted = true
		close(w.ready)
		return
	}
	if b.active > 0 {
		b.active--
	}
}

// Execute runs the operation inside the bulkhead, releasing the slot on
// every exit path.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return op(ctx)
}

// Metrics reports current utilization.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metricsLocked()
}

func (b *Bulkhead) metricsLocked() BulkheadMetrics {
	return BulkheadMetrics{
		Active:   b.active,
		Queued:   len(b.queue),
		Rejected: b.rejected,
	}
}

func (b *Bulkhead) reject(m BulkheadMetrics) {
	if b.onReject != nil {
		b.onReject(b.partition, m)
	}
}

// Partition returns the partition name.
func (b *Bulkhead) Partition() string { return b.partition }

// BulkheadRegistry manages one bulkhead per partition name, created
// lazily from a shared config. Partitions are fully isolated.
type BulkheadRegistry struct {
	cfg        BulkheadConfig
	opts       []BulkheadOption
	partitions *shardedMap[*Bulkhead]
}

// NewBulkheadRegistry creates a registry. The config must be valid.
func NewBulkheadRegistry(cfg BulkheadConfig, opts ...BulkheadOption) (*BulkheadRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BulkheadRegistry{
		cfg:        cfg,
		opts:       opts,
		partitions: newShardedMap[*Bulkhead](),
	}, nil
}

// Get returns the bulkhead for a partition, creating it on first
// reference.
func (r *BulkheadRegistry) Get(partition string) *Bulkhead {
	return r.partitions.getOrCreate(partition, func() *Bulkhead {
		// Config was validated at registry creation.
		b, _ := NewBulkhead(partition, r.cfg, r.opts...)
		return b
	})
}

// AllMetrics returns metrics for every known partition.
func (r *BulkheadRegistry) AllMetrics() map[string]BulkheadMetrics {
	out := make(map[string]BulkheadMetrics)
	r.partitions.each(func(name string, b *Bulkhead) {
		out[name] = b.Metrics()
	})
	return out
}
