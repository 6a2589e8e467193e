package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxsu/zotero/internal/api"
)

func TestAutoSyncSchedule(t *testing.T) {
	t.Run("fires a background session", func(t *testing.T) {
		h := newHarness(t)
		c := h.build()

		a := NewAutoSync(c, testLogger(t))

		require.True(t, a.Schedule(context.Background(), time.Millisecond))

		require.Eventually(t, func() bool {
			return h.notifier.finishedCount() == 1
		}, 5*time.Second, 5*time.Millisecond)

		report := h.notifier.lastReport()
		assert.True(t, report.Background)
	})

	t.Run("refuses to arm while a session runs", func(t *testing.T) {
		h := newHarness(t)
		h.engines.blockData = make(chan struct{})

		c := h.build()

		done := make(chan bool, 1)

		go func() {
			done <- c.Sync(context.Background(), Options{})
		}()

		require.Eventually(t, c.InProgress, time.Second, time.Millisecond)

		a := NewAutoSync(c, testLogger(t))
		assert.False(t, a.Schedule(context.Background(), time.Millisecond))

		close(h.engines.blockData)
		require.True(t, <-done)
	})

	t.Run("rearming replaces the pending timer", func(t *testing.T) {
		h := newHarness(t)
		c := h.build()

		a := NewAutoSync(c, testLogger(t))

		require.True(t, a.Schedule(context.Background(), time.Hour))
		require.True(t, a.Schedule(context.Background(), time.Millisecond))

		require.Eventually(t, func() bool {
			return h.notifier.finishedCount() == 1
		}, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("canceled context never fires", func(t *testing.T) {
		h := newHarness(t)
		c := h.build()

		a := NewAutoSync(c, testLogger(t))

		ctx, cancel := context.WithCancel(context.Background())
		require.True(t, a.Schedule(ctx, 5*time.Millisecond))
		cancel()

		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, h.notifier.startedCount())
	})
}

func TestAutoSyncCanFire(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		h := newHarness(t)
		a := NewAutoSync(h.build(), testLogger(t))

		reason, ok := a.canFire()
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("missing credentials block", func(t *testing.T) {
		h := newHarness(t)
		h.keys = api.StaticKey("")

		a := NewAutoSync(h.build(), testLogger(t))

		reason, ok := a.canFire()
		assert.False(t, ok)
		assert.Equal(t, "credentials not set", reason)
	})

	t.Run("process lock blocks", func(t *testing.T) {
		h := newHarness(t)

		a := NewAutoSync(h.build(), testLogger(t))
		a.Locked = func() bool { return true }

		reason, ok := a.canFire()
		assert.False(t, ok)
		assert.Equal(t, "process locked", reason)
	})

	t.Run("running session blocks", func(t *testing.T) {
		h := newHarness(t)
		h.engines.blockData = make(chan struct{})

		c := h.build()

		done := make(chan bool, 1)

		go func() {
			done <- c.Sync(context.Background(), Options{})
		}()

		require.Eventually(t, c.InProgress, time.Second, time.Millisecond)

		a := NewAutoSync(c, testLogger(t))

		reason, ok := a.canFire()
		assert.False(t, ok)
		assert.Equal(t, "session in progress", reason)

		close(h.engines.blockData)
		require.True(t, <-done)
	})

	t.Run("fatal session blocks until a manual sync", func(t *testing.T) {
		h := newHarness(t)
		c := h.build()

		c.mu.Lock()
		c.manualRequired = true
		c.mu.Unlock()

		a := NewAutoSync(c, testLogger(t))

		reason, ok := a.canFire()
		assert.False(t, ok)
		assert.Equal(t, "manual sync required", reason)
	})
}

func TestAutoSyncRun(t *testing.T) {
	t.Run("blocked ticks are skipped, not queued", func(t *testing.T) {
		h := newHarness(t)
		c := h.build()

		c.mu.Lock()
		c.manualRequired = true
		c.mu.Unlock()

		a := NewAutoSync(c, testLogger(t))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := a.Run(ctx, 2*time.Millisecond)

		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, h.notifier.startedCount())
	})

	t.Run("ticks fire background sessions", func(t *testing.T) {
		h := newHarness(t)
		c := h.build()

		a := NewAutoSync(c, testLogger(t))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := a.Run(ctx, 2*time.Millisecond)

		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Positive(t, h.notifier.startedCount())
		assert.True(t, h.notifier.lastReport().Background)
	})
}
