package broker

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kjstillabower/weather-broker/internal/observability"
)

// Pool is the worker pool shared by every object a node hosts. At most size tasks run at once;
// further tasks wait for a slot on their own goroutine, so Submit never blocks the caller.
type Pool struct {
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu     sync.RWMutex // protects closed against concurrent wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most size tasks concurrently. size <= 0 uses 4 x NumCPU.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 4 * runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// Submit schedules fn and returns immediately. Returns ErrPoolClosed after Close.
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	observability.PoolTasksQueued.Inc()
	go func() {
		defer p.wg.Done()
		_ = p.sem.Acquire(context.Background(), 1) // never fails with a background context
		observability.PoolTasksQueued.Dec()
		observability.PoolTasksInFlight.Inc()
		defer func() {
			observability.PoolTasksInFlight.Dec()
			p.sem.Release(1)
			if r := recover(); r != nil {
				p.logger.Error("pool task panicked", zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return nil
}

// Close stops accepting tasks and waits for submitted ones to finish or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
