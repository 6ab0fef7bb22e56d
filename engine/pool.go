package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// NewPool returns a pool allowing size concurrent executions. A caller waits
// at most submitTimeout for a slot.
func NewPool(size int, submitTimeout time.Duration, inFlight prometheus.Gauge) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", errInvalidPoolSize, size)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:           semaphore.NewWeighted(int64(size)),
		submitTimeout: submitTimeout,
		ctx:           ctx,
		cancel:        cancel,
		inFlight:      inFlight,
	}, nil
}

// Reserve waits for an execution slot. Every successful Reserve must be
// paired with either Release or Go.
func (p *Pool) Reserve(ctx context.Context) error {
	if p.stopped.Load() {
		return errPoolStopped
	}
	tctx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	defer cancel()
	if err := p.sem.Acquire(tctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBackpressure
	}
	if p.stopped.Load() {
		p.sem.Release(1)
		return errPoolStopped
	}
	return nil
}

// Release returns a reserved slot that was not used
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Go runs fn on a reserved slot. fn receives the pool context which is
// cancelled when a drain runs out of grace.
func (p *Pool) Go(fn func(ctx context.Context)) {
	p.wg.Add(1)
	if p.inFlight != nil {
		p.inFlight.Inc()
	}
	go func() {
		defer func() {
			if p.inFlight != nil {
				p.inFlight.Dec()
			}
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(p.ctx)
	}()
}

// Drain refuses new reservations and waits for running executions. After
// grace they are cancelled and given a short time to record their outcome.
// It returns false if executions were still running when it gave up.
func (p *Pool) Drain(grace time.Duration) bool {
	p.stopped.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		p.cancel()
		return true
	case <-t.C:
	}
	p.cancel()
	select {
	case <-done:
		return true
	case <-time.After(drainCancelWait):
		return false
	}
}
