package dist

import (
	"context"
	"fmt"
	"sync"
)

// Barrier is a rendezvous over all participating hosts. Sync blocks
// until every participant has arrived; it carries no payload beyond
// confirming liveness and agreement of all workers.
type Barrier interface {
	Sync(ctx context.Context) error
}

// LocalBarrier synchronizes n participants within one process. It is
// the in-process stand-in for a cross-host collective rendezvous and
// is reusable across generations.
type LocalBarrier struct {
	n int

	mu      sync.Mutex
	arrived int
	gen     uint64
	release chan struct{}
}

// NewLocalBarrier creates a barrier for n participants.
func NewLocalBarrier(n int) (*LocalBarrier, error) {
	if n <= 0 {
		return nil, fmt.Errorf("barrier participant count must be positive, got %d", n)
	}
	return &LocalBarrier{n: n, release: make(chan struct{})}, nil
}

// Sync blocks until all n participants of the current generation have
// called Sync, or the context is cancelled. A cancelled waiter leaves
// the barrier permanently short; the remaining participants observe
// their own context cancellation.
func (b *LocalBarrier) Sync(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		// Last arrival releases the generation and resets for reuse.
		close(b.release)
		b.arrived = 0
		b.gen++
		b.release = make(chan struct{})
		b.mu.Unlock()
		return nil
	}
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("barrier sync: %w", ctx.Err())
	}
}

// NopBarrier is a Barrier that returns immediately. Used for
// single-host runs where there is nothing to rendezvous with.
type NopBarrier struct{}

// Sync implements Barrier.
func (NopBarrier) Sync(ctx context.Context) error {
	return ctx.Err()
}
