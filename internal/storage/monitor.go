package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher error backoff. Sustained errors (e.g. kernel buffer
// overflow) must not spin the loop.
const (
	monitorErrInitBackoff = 1 * time.Second
	monitorErrBackoffMult = 2
	monitorErrMaxBackoff  = 30 * time.Second
)

// partialSuffix marks in-flight downloads. The file engine writes a
// .partial file and renames it into place, so both paths stay quiet
// here.
const partialSuffix = ".partial"

// FsWatcher abstracts fsnotify.Watcher so tests inject channels.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher, whose Events and Errors
// are fields, to the FsWatcher interface.
type fsnotifyWatcher struct{ *fsnotify.Watcher }

func (w fsnotifyWatcher) Events() <-chan fsnotify.Event { return w.Watcher.Events }
func (w fsnotifyWatcher) Errors() <-chan error          { return w.Watcher.Errors }

func defaultWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w}, nil
}

// Monitor watches the attachment storage tree and flags attachments
// whose files were touched outside a sync, so the next file phase
// repairs the mirror. Paths carry the item key in their first segment
// under the root; the library is not recoverable from disk, so every
// library's row for the key is flagged.
type Monitor struct {
	logger *slog.Logger
	root   string
	store  MonitorStore
	nudge  func()

	// newWatcher and sleepFunc are swapped by tests.
	newWatcher func() (FsWatcher, error)
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// NewMonitor returns a monitor over the attachment root. nudge, when
// non-nil, runs after each flagged change; watch mode wires it to the
// auto-sync scheduler.
func NewMonitor(logger *slog.Logger, root string, store MonitorStore, nudge func()) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		logger:     logger,
		root:       root,
		store:      store,
		nudge:      nudge,
		newWatcher: defaultWatcher,
		sleepFunc:  monitorSleep,
	}
}

// Run watches until the context ends. The storage root is created if
// missing so a watch can start before the first download.
func (m *Monitor) Run(ctx context.Context) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil { //nolint:mnd // standard dir perms
		return fmt.Errorf("storage: creating %s: %w", m.root, err)
	}

	watcher, err := m.newWatcher()
	if err != nil {
		return fmt.Errorf("storage: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := m.addTree(watcher); err != nil {
		return err
	}

	m.logger.Info("storage monitor watching", slog.String("root", m.root))

	errBackoff := monitorErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			m.handleEvent(ctx, ev, watcher)

			// Successful event resets error backoff.
			errBackoff = monitorErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			m.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := m.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= monitorErrBackoffMult
			if errBackoff > monitorErrMaxBackoff {
				errBackoff = monitorErrMaxBackoff
			}
		}
	}
}

// addTree watches the root and every existing item directory. fsnotify
// watches are not recursive.
func (m *Monitor) addTree(watcher FsWatcher) error {
	if err := watcher.Add(m.root); err != nil {
		return fmt.Errorf("storage: watching %s: %w", m.root, err)
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("storage: reading %s: %w", m.root, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if err := watcher.Add(filepath.Join(m.root, entry.Name())); err != nil {
			m.logger.Warn("failed to watch item directory",
				slog.String("dir", entry.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// handleEvent classifies one fsnotify event. Create events only
// register watches: new files land through the engine's rename and
// must not flag their own download. Writes, removes, and renames mean
// the mirror no longer matches the recorded download state.
func (m *Monitor) handleEvent(ctx context.Context, ev fsnotify.Event, watcher FsWatcher) {
	// Mode changes are not mirror damage.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	if strings.HasSuffix(filepath.Base(ev.Name), partialSuffix) {
		return
	}

	if ev.Has(fsnotify.Create) {
		m.handleCreate(ev.Name, watcher)
		return
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	key, ok := m.itemKey(ev.Name)
	if !ok {
		return
	}

	m.markStale(ctx, key)
}

// handleCreate registers a watch on newly created item directories.
func (m *Monitor) handleCreate(path string, watcher FsWatcher) {
	info, err := os.Stat(path)
	if err != nil {
		// Gone already; nothing to watch.
		return
	}

	if !info.IsDir() {
		return
	}

	if err := watcher.Add(path); err != nil {
		m.logger.Warn("failed to watch new directory",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// itemKey extracts the item key from an event path: the first segment
// under the storage root. Events on the root itself carry no key.
func (m *Monitor) itemKey(path string) (string, bool) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return "", false
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}

	seg, _, _ := strings.Cut(rel, "/")
	if seg == "" {
		return "", false
	}

	return seg, true
}

// markStale flags the key's attachments and nudges the scheduler.
func (m *Monitor) markStale(ctx context.Context, key string) {
	if err := m.store.MarkAttachmentsStaleByKey(ctx, key); err != nil {
		m.logger.Warn("failed to mark attachments stale",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return
	}

	m.logger.Debug("attachment files changed on disk", slog.String("key", key))

	if m.nudge != nil {
		m.nudge()
	}
}

// monitorSleep waits for the given duration or until the context is
// canceled. It is the default sleepFunc for Monitor.
func monitorSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
