package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"
)

// AutoSync fires background sessions on a recurring interval and on
// demand after change notifications. Blocked ticks are skipped, never
// queued: a recurring timer self-heals on its next tick, while a
// one-shot refuses to arm at all so its caller knows to retry.
type AutoSync struct {
	logger *slog.Logger
	c      *Controller

	// Locked reports an external process-wide lock that defers
	// automatic syncs. Optional.
	Locked func() bool

	mu    stdsync.Mutex
	timer *time.Timer
}

// NewAutoSync returns a scheduler driving background sessions on c.
func NewAutoSync(c *Controller, logger *slog.Logger) *AutoSync {
	return &AutoSync{logger: logger, c: c}
}

// Run fires a background session every interval until ctx ends. Ticks
// that land while a session runs, credentials are missing, or a fatal
// error awaits manual attention are skipped and the timer stays armed.
func (a *AutoSync) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("automatic sync enabled", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if reason, ok := a.canFire(); !ok {
				a.logger.Debug("automatic sync tick skipped", slog.String("reason", reason))
				continue
			}

			a.c.Sync(ctx, Options{Background: true})
		}
	}
}

// Schedule arms a one-shot background sync after delay, replacing any
// one-shot already armed. It reports false without arming anything when
// a session is in progress; the caller retries once that session ends.
func (a *AutoSync) Schedule(ctx context.Context, delay time.Duration) bool {
	if a.c.InProgress() {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}

	a.timer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}

		if reason, ok := a.canFire(); !ok {
			a.logger.Debug("scheduled sync skipped", slog.String("reason", reason))
			return
		}

		a.c.Sync(ctx, Options{Background: true})
	})

	return true
}

// canFire reports whether a background session may start right now,
// with the blocking reason when it may not.
func (a *AutoSync) canFire() (reason string, ok bool) {
	switch {
	case !a.c.HasCredentials():
		return "credentials not set", false
	case a.Locked != nil && a.Locked():
		return "process locked", false
	case a.c.InProgress():
		return "session in progress", false
	case a.c.ManualSyncRequired():
		return "manual sync required", false
	default:
		return "", true
	}
}
