package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/strandml/strand/internal/logger"
)

// DefaultQueueDepth bounds each per-request queue.
const DefaultQueueDepth = 64

// idWrapMargin mirrors the source engine's overflow hygiene: the counter
// resets to 1 shortly before overflow. On a 64-bit space a collision with a
// still-active request is unreachable in practice; the warning is kept.
const idWrapMargin = 100

// Registry owns the request-id counter and the map from request id to its
// bounded delta queue. It is the only concurrently-mutated structure shared
// between the dispatcher and request handlers; one lock, narrow critical
// sections, no I/O under the lock.
type Registry struct {
	mu     sync.Mutex
	queues map[uint64]chan Delta
	nextID uint64
	depth  int
	log    logger.Logger
}

// NewRegistry returns a registry whose queues hold up to depth deltas.
func NewRegistry(depth int, log logger.Logger) *Registry {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		queues: make(map[uint64]chan Delta),
		depth:  depth,
		log:    log,
	}
}

// NextID returns a strictly increasing id, unique for the process lifetime
// short of uint64 overflow. The increment and bounds check are atomic under
// the registry lock.
func (r *Registry) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.nextID > math.MaxUint64-idWrapMargin {
		r.log.Warn("request id counter nearing overflow, resetting")
		r.nextID = 1
	}
	return r.nextID
}

// Register creates the queue for a request and returns its receive side.
// Registering an already-present id returns the existing queue.
func (r *Registry) Register(id uint64) <-chan Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[id]; ok {
		return q
	}
	q := make(chan Delta, r.depth)
	r.queues[id] = q
	return q
}

// Remove drops a request's queue. Removing an absent id is a no-op, never
// an error: handlers call this unconditionally on every exit path.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.queues, id)
	r.mu.Unlock()
}

// queue looks up the send side for the dispatcher.
func (r *Registry) queue(id uint64) (chan Delta, bool) {
	r.mu.Lock()
	q, ok := r.queues[id]
	r.mu.Unlock()
	return q, ok
}

// Active returns the number of registered queues.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Next receives one delta for the request, waiting at most timeout.
func (r *Registry) Next(ctx context.Context, id uint64, timeout time.Duration) (Delta, error) {
	q, ok := r.queue(id)
	if !ok {
		return Delta{}, ErrRequestTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-q:
		return d, nil
	case <-timer.C:
		return Delta{}, ErrRequestTimeout
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
}

// Drain consumes the request's stream until a final delta is observed, the
// per-delta timeout elapses, or fn returns false. The caller is responsible
// for removing the queue afterwards regardless of outcome.
func (r *Registry) Drain(ctx context.Context, id uint64, timeout time.Duration, fn func(Delta) bool) error {
	for {
		d, err := r.Next(ctx, id, timeout)
		if err != nil {
			return err
		}
		if !fn(d) {
			return nil
		}
		if d.IsFinal {
			return nil
		}
	}
}
