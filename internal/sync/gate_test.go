package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(4, testLogger(t))

	var (
		mu        stdsync.Mutex
		cur, peak int
	)

	var eg errgroup.Group

	for range 16 {
		eg.Go(func() error {
			return g.Run(context.Background(), func(_ context.Context) error {
				mu.Lock()
				cur++
				if cur > peak {
					peak = cur
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				cur--
				mu.Unlock()

				return nil
			})
		})
	}

	require.NoError(t, eg.Wait())

	assert.LessOrEqual(t, peak, 4)
	assert.Positive(t, peak)
}

func TestGateStop(t *testing.T) {
	t.Run("rejects new dispatch", func(t *testing.T) {
		g := NewGate(2, testLogger(t))
		g.Stop()

		ran := false
		err := g.Run(context.Background(), func(_ context.Context) error {
			ran = true
			return nil
		})

		assert.ErrorIs(t, err, ErrStopped)
		assert.False(t, ran)
		assert.True(t, g.Stopped())
	})

	t.Run("wakes a blocked caller and lets running work finish", func(t *testing.T) {
		g := NewGate(1, testLogger(t))

		holding := make(chan struct{})
		release := make(chan struct{})
		holderDone := make(chan error, 1)

		go func() {
			holderDone <- g.Run(context.Background(), func(_ context.Context) error {
				close(holding)
				<-release
				return nil
			})
		}()

		<-holding

		waiterDone := make(chan error, 1)

		go func() {
			waiterDone <- g.Run(context.Background(), func(_ context.Context) error {
				return nil
			})
		}()

		// Give the waiter a moment to block on the full gate.
		time.Sleep(10 * time.Millisecond)
		g.Stop()

		select {
		case err := <-waiterDone:
			assert.ErrorIs(t, err, ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("stop did not wake the blocked caller")
		}

		close(release)

		select {
		case err := <-holderDone:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("running work did not finish after stop")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		g := NewGate(1, testLogger(t))
		g.Stop()
		g.Stop()

		assert.True(t, g.Stopped())
	})
}

func TestGateCallerCancel(t *testing.T) {
	g := NewGate(1, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Run(ctx, func(_ context.Context) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, g.Stopped())
}

func TestGateDefaultWidth(t *testing.T) {
	g := NewGate(0, testLogger(t))

	err := g.Run(context.Background(), func(_ context.Context) error { return nil })

	require.NoError(t, err)
}

func TestGateStopOnError(t *testing.T) {
	g := NewGate(1, testLogger(t))

	assert.False(t, g.StopOnError())

	g.SetStopOnError(true)
	assert.True(t, g.StopOnError())

	g.SetStopOnError(false)
	assert.False(t, g.StopOnError())
}
