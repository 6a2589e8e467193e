package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
)

// fileAttemptBudget bounds in-place retries when a file engine keeps
// reporting that remote file state moved during its pass.
const fileAttemptBudget = 3

// runPhases drives the data, file, and full-text phases until no phase
// demands another pass. Each resync request burns one attempt; the
// budget keeps a flapping library from spinning the session forever.
func (c *Controller) runPhases(ctx context.Context, sess *session) error {
	set := sess.working

	for {
		if sess.attempt > maxSyncAttempts {
			return &SyncError{
				Type:    SeverityError,
				Fatal:   true,
				Message: "too many sync attempts",
				cause:   ErrTooManyAttempts,
			}
		}

		c.logger.Info("sync attempt",
			slog.Int("attempt", sess.attempt), slog.Int("libraries", len(set)))

		survivors, err := c.runDataPhase(ctx, sess, set)
		if err != nil {
			return err
		}

		markSurvivors(sess, set, survivors)

		fileResync, err := c.runFilePhase(ctx, sess, survivors)
		if err != nil {
			return err
		}

		if len(fileResync) > 0 {
			sess.attempt++
			set = fileResync

			continue
		}

		// Full text follows the data survivors, not the file phase.
		ftResync, err := c.runFullTextPhase(ctx, sess, successfulSorted(sess))
		if err != nil {
			return err
		}

		if len(ftResync) > 0 {
			sess.attempt++
			set = ftResync

			continue
		}

		return nil
	}
}

// runDataPhase syncs object data for every library in set, returning
// the survivors. A cancellation that asks to advance skips one library;
// any other cancellation ends the pass without recording a failure.
func (c *Controller) runDataPhase(ctx context.Context, sess *session, set []libid.ID) ([]libid.ID, error) {
	survivors := make([]libid.ID, 0, len(set))

	for _, lib := range set {
		if sess.gate.Stopped() {
			return survivors, ErrStopped
		}

		c.logger.Info("data sync starting", slog.String("library", lib.String()))

		err := c.newDataEngine(lib, sess.gate).Start(ctx)
		if err == nil {
			survivors = append(survivors, lib)
			continue
		}

		var canceled *CanceledError
		if errors.As(err, &canceled) {
			if canceled.NextLibrary {
				c.logger.Debug("data sync canceled, advancing", slog.String("library", lib.String()))
				continue
			}

			c.logger.Debug("data sync canceled, ending phase", slog.String("library", lib.String()))

			break
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return survivors, ErrStopped
		}

		se := c.record(sess, err, lib)
		if se.Fatal {
			sess.gate.Stop()
			return survivors, se
		}

		if se.offline || sess.gate.StopOnError() {
			sess.gate.Stop()
			return survivors, ErrStopped
		}
	}

	// A pass that had nothing to do, or synced at least one library,
	// refreshes the last-sync timestamp.
	if len(set) == 0 || len(survivors) > 0 {
		if err := c.store.TouchLastSync(ctx); err != nil {
			c.logger.Warn("updating last-sync timestamp", slog.Any("error", err))
		}
	}

	return survivors, nil
}

// runFilePhase syncs attachment files for each library through the
// cached storage controllers, returning the libraries whose file
// engines demanded a fresh data pass first.
func (c *Controller) runFilePhase(ctx context.Context, sess *session, set []libid.ID) ([]libid.ID, error) {
	var resync []libid.ID

libraries:
	for _, lib := range set {
		if sess.gate.Stopped() {
			return resync, ErrStopped
		}

		ctrl, err := c.registry.Controller(c.storageModeFor(lib))
		if err != nil {
			se := c.record(sess, err, lib)
			if se.Fatal || se.offline || sess.gate.StopOnError() {
				sess.gate.Stop()
				return resync, ErrStopped
			}

			continue
		}

		budget := fileAttemptBudget

		for {
			c.logger.Info("file sync starting",
				slog.String("library", lib.String()), slog.String("mode", ctrl.Mode()))

			outcome, err := c.newFileEngine(lib, sess.gate, ctrl).Start(ctx)
			if err != nil {
				var canceled *CanceledError
				if errors.As(err, &canceled) {
					if canceled.NextLibrary {
						continue libraries
					}

					break libraries
				}

				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return resync, ErrStopped
				}

				se := c.record(sess, err, lib)
				if se.Fatal {
					sess.gate.Stop()
					return resync, se
				}

				if se.offline || sess.gate.StopOnError() {
					sess.gate.Stop()
					return resync, ErrStopped
				}

				continue libraries
			}

			if outcome.FileSyncRequired {
				budget--
				if budget <= 0 {
					se := c.record(sess, &SyncError{
						Type:    SeverityError,
						Fatal:   true,
						Library: lib,
						Message: "file sync kept restarting, giving up",
					}, lib)
					sess.gate.Stop()

					return resync, se
				}

				c.logger.Debug("file sync must repeat",
					slog.String("library", lib.String()), slog.Int("attempts_left", budget))

				continue
			}

			if outcome.SyncRequired {
				c.logger.Debug("file sync needs fresh data",
					slog.String("library", lib.String()))

				resync = append(resync, lib)
			}

			continue libraries
		}
	}

	return resync, nil
}

// runFullTextPhase pulls full-text content for libraries whose data
// phase succeeded. Disabled configuration makes the phase a no-op. A
// precondition-failed response means the library version moved; the
// library queues for a fresh data pass silently instead of recording an
// error.
func (c *Controller) runFullTextPhase(ctx context.Context, sess *session, set []libid.ID) ([]libid.ID, error) {
	if !c.cfg.Config.Sync.Fulltext {
		return nil, nil
	}

	var resync []libid.ID

	for _, lib := range set {
		if sess.gate.Stopped() {
			return resync, ErrStopped
		}

		c.logger.Info("full-text sync starting", slog.String("library", lib.String()))

		err := c.newFullTextEngine(lib, sess.gate).Start(ctx)
		if err == nil {
			continue
		}

		if errors.Is(err, api.ErrPreconditionFailed) {
			c.logger.Debug("library version moved during full-text sync",
				slog.String("library", lib.String()))

			resync = append(resync, lib)

			continue
		}

		var canceled *CanceledError
		if errors.As(err, &canceled) {
			if canceled.NextLibrary {
				continue
			}

			break
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return resync, ErrStopped
		}

		se := c.record(sess, err, lib)
		if se.Fatal {
			sess.gate.Stop()
			return resync, se
		}

		if se.offline || sess.gate.StopOnError() {
			sess.gate.Stop()
			return resync, ErrStopped
		}
	}

	return resync, nil
}

// markSurvivors updates the session's successful set: survivors join,
// libraries the pass dropped leave.
func markSurvivors(sess *session, input, survivors []libid.ID) {
	ok := make(map[libid.ID]bool, len(survivors))

	for _, lib := range survivors {
		ok[lib] = true
		sess.successful[lib] = true
	}

	for _, lib := range input {
		if !ok[lib] {
			delete(sess.successful, lib)
		}
	}
}

// successfulSorted returns the successful set in deterministic order:
// user, publications, then groups ascending.
func successfulSorted(sess *session) []libid.ID {
	out := make([]libid.ID, 0, len(sess.successful))

	for lib := range sess.successful {
		out = append(out, lib)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	return out
}
