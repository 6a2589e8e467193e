package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultGateWidth caps concurrent outbound requests for a session.
const DefaultGateWidth = 4

// Gate bounds concurrent engine work for one session. Every library and
// phase shares the same gate, so total request concurrency holds at the
// width no matter how many libraries are active. Stop rejects further
// dispatch; work already running finishes on its own.
type Gate struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	stopCtx  context.Context
	cancel   context.CancelFunc
	stopOnce stdsync.Once

	stopOnError atomic.Bool
}

// NewGate returns a gate admitting width concurrent tasks. Non-positive
// widths fall back to DefaultGateWidth.
func NewGate(width int, logger *slog.Logger) *Gate {
	if width <= 0 {
		width = DefaultGateWidth
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gate{
		sem:     semaphore.NewWeighted(int64(width)),
		logger:  logger,
		stopCtx: ctx,
		cancel:  cancel,
	}
}

// Run executes fn once a slot frees up. It returns ErrStopped when the
// gate stops before or while waiting for a slot, and the caller's
// context error when that ends the wait instead.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stop must wake callers blocked on a full gate, so it feeds the
	// acquire context alongside the caller's own cancellation.
	unwatch := context.AfterFunc(g.stopCtx, cancel)
	defer unwatch()

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if g.Stopped() {
			return ErrStopped
		}

		return err
	}
	defer g.sem.Release(1)

	if g.Stopped() {
		// Stop raced the acquisition; give the slot back unused.
		return ErrStopped
	}

	return fn(ctx)
}

// Stop rejects all further dispatch. Idempotent.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		g.logger.Debug("concurrency gate stopped")
		g.cancel()
	})
}

// Stopped reports whether Stop has been called.
func (g *Gate) Stopped() bool {
	return g.stopCtx.Err() != nil
}

// SetStopOnError makes the first recorded error abort remaining work.
func (g *Gate) SetStopOnError(v bool) {
	g.stopOnError.Store(v)
}

// StopOnError reports whether the first recorded error aborts remaining
// work.
func (g *Gate) StopOnError() bool {
	return g.stopOnError.Load()
}
