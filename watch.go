package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/storage"
	"github.com/maxsu/zotero/internal/streamer"
	"github.com/maxsu/zotero/internal/sync"
)

// streamDebounce batches a burst of server push events into one
// scheduled sync.
const streamDebounce = 5 * time.Second

// scheduleRetry is the pause before re-arming a sync that could not be
// scheduled because a session was running.
const scheduleRetry = 1 * time.Second

// sessionDrainPoll is how often shutdown checks whether an in-flight
// session has wound down.
const sessionDrainPoll = 100 * time.Millisecond

// runWatch keeps the process in the foreground and schedules background
// sessions from three triggers: server push events, the recurring
// timer, and local storage changes. SIGHUP re-resolves the config.
func runWatch(cmd *cobra.Command, cc *CLIContext, keys api.KeySource) error {
	cleanup, err := writePIDFile(cc.Cfg.PIDPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := shutdownContext(cmd.Context(), cc.Logger)
	defer cancel()

	// Background sessions never prompt; the nil prompter makes every
	// decision take its safe default.
	sess, err := newSyncSession(cc, keys, nil, &cliNotifier{cc: cc})
	if err != nil {
		return err
	}
	defer sess.Close()

	auto := sync.NewAutoSync(sess.Controller, cc.Logger)

	g, gctx := errgroup.WithContext(ctx)

	if cc.Cfg.Config.Sync.Websocket && cc.Cfg.Config.API.StreamingURL != "" {
		stream := streamer.New(cc.Cfg.Config.API.StreamingURL, keys, cc.Logger)

		g.Go(func() error {
			return stream.Run(gctx)
		})

		g.Go(func() error {
			consumeStreamEvents(gctx, cc, stream.Events(), auto)

			return nil
		})
	}

	if cc.Cfg.Config.Storage.Download == config.DownloadAtSync {
		// The monitor persists its stale marks, so a nudge lost to a
		// running session only delays the repair until the next trigger.
		monitor := storage.NewMonitor(cc.Logger, cc.Cfg.StorageDir, sess.Store, func() {
			auto.Schedule(gctx, 0)
		})

		g.Go(func() error {
			return monitor.Run(gctx)
		})
	}

	if interval, parseErr := time.ParseDuration(cc.Cfg.Config.Sync.AutoInterval); parseErr == nil && interval > 0 {
		g.Go(func() error {
			return auto.Run(gctx, interval)
		})
	}

	g.Go(func() error {
		watchReloads(gctx, cc, sess, auto)

		return nil
	})

	cc.Statusf("Watching for changes. Press Ctrl-C to stop.\n")

	// Initial session right away; the triggers take over from there.
	auto.Schedule(gctx, 0)

	err = g.Wait()

	// Let an in-flight session notice the cancellation and wind down
	// before the PID file goes away.
	for sess.Controller.InProgress() {
		time.Sleep(sessionDrainPoll)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// consumeStreamEvents turns decoded topic updates into scheduled syncs.
// The debounce collapses an edit burst into one session; when a session
// is already running the arm retries, because push events carry no
// persisted state to fall back on.
func consumeStreamEvents(ctx context.Context, cc *CLIContext, events <-chan streamer.Event, auto *sync.AutoSync) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			cc.Logger.Debug("server push event", "topic", ev.Topic, "version", ev.Version)

			for !auto.Schedule(ctx, streamDebounce) {
				if sleepCtx(ctx, scheduleRetry) != nil {
					return
				}
			}
		}
	}
}

// watchReloads applies SIGHUP config reloads: re-resolve, swap the
// holder, drop the cached webdav controller, and schedule a sync so the
// session sees the new settings. The open database pins the data
// directory until restart; so do construction-time settings like
// parallelism and endpoints.
func watchReloads(ctx context.Context, cc *CLIContext, sess *SyncSession, auto *sync.AutoSync) {
	sigCh := reloadSignals(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}

		cc.Logger.Info("SIGHUP received, reloading configuration")

		dataDir := cc.Cfg.DataDir
		cli := config.CLIOverrides{
			ConfigPath: cc.Flags.ConfigPath,
			LogLevel:   cc.Flags.LogLevel,
			DataDir:    &dataDir,
		}

		fresh, err := config.Resolve(config.ReadEnvOverrides(), cli)
		if err != nil {
			cc.Logger.Error("config reload failed, keeping previous settings", "error", err)
			continue
		}

		sess.Holder.Update(fresh)
		sess.Controller.SetSkipList(fresh.Config.Libraries.Skip)
		sess.Controller.Registry().Invalidate(config.StorageModeWebDAV)

		cc.Logger.Info("configuration reloaded")

		auto.Schedule(ctx, 0)
	}
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
