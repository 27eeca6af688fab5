package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// leaseTable hands out per-claim exclusive leases. A lease is a buffered
// channel used as a semaphore; waiters give up after the configured timeout
// so a wedged holder cannot block callers forever.
type leaseTable struct {
	mu     sync.Mutex
	leases map[uuid.UUID]*lease
}

type lease struct {
	sem  chan struct{}
	refs int
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[uuid.UUID]*lease)}
}

// acquire blocks until the claim's lease is free, the timeout elapses, or
// ctx is cancelled. The returned release func is idempotent.
func (t *leaseTable) acquire(ctx context.Context, id uuid.UUID, timeout time.Duration) (func(), error) {
	t.mu.Lock()
	l, ok := t.leases[id]
	if !ok {
		l = &lease{sem: make(chan struct{}, 1)}
		t.leases[id] = l
	}
	l.refs++
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		t.put(id, l)
		return nil, fmt.Errorf("claim %s: %w", id, ErrLeaseTimeout)
	case <-ctx.Done():
		t.put(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.sem
			t.put(id, l)
		})
	}
	return release, nil
}

func (t *leaseTable) put(id uuid.UUID, l *lease) {
	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.leases, id)
	}
	t.mu.Unlock()
}
