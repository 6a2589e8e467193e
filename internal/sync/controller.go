package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
)

// maxSyncAttempts bounds how many times the phase loop may restart
// before the session fails.
const maxSyncAttempts = 3

// tombstoneRetention is how long applied deletions stay queryable
// before the session-start purge removes them.
const tombstoneRetention = 30 * 24 * time.Hour

// ControllerConfig wires a Controller. Uses a struct because the
// collaborator list is long.
type ControllerConfig struct {
	Logger   *slog.Logger
	Cfg      *config.Resolved
	API      Gateway
	Store    Store
	Keys     api.KeySource
	Prompter Prompter // nil degrades every prompt to its safe default
	Notifier Notifier // nil discards events

	// Controllers builds storage controllers by mode for the file
	// phase's registry.
	Controllers ControllerFactory

	Data     DataEngineFactory
	File     FileEngineFactory
	FullText FullTextEngineFactory
}

// Controller owns the session lifecycle: at most one session runs at a
// time, teardown runs exactly once per invocation, and the error queue
// holds the last session's classified failures until the next one
// starts.
type Controller struct {
	logger   *slog.Logger
	cfg      *config.Resolved
	api      Gateway
	store    Store
	keys     api.KeySource
	prompter Prompter
	notifier Notifier
	registry *Registry
	errors   *Aggregator

	newDataEngine     DataEngineFactory
	newFileEngine     FileEngineFactory
	newFullTextEngine FullTextEngineFactory

	mu             stdsync.Mutex
	skip           []libid.ID // replaceable via SetSkipList on config reload
	session        *session
	synced         bool // a session ran during this process lifetime
	manualRequired bool // last session failed fatally; auto sync waits
}

// session is the per-invocation state.
type session struct {
	id             uuid.UUID
	opts           Options
	gate           *Gate
	grant          *api.KeyInfo
	attempt        int
	working        []libid.ID
	successful     map[libid.ID]bool
	firstInProcess bool
	restart        bool // set by a successful remediation
	started        time.Time
}

// NewController validates the wiring and returns a ready controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Logger == nil:
		return nil, errors.New("sync: controller requires a logger")
	case cfg.Cfg == nil:
		return nil, errors.New("sync: controller requires resolved configuration")
	case cfg.API == nil:
		return nil, errors.New("sync: controller requires an API gateway")
	case cfg.Store == nil:
		return nil, errors.New("sync: controller requires a store")
	case cfg.Keys == nil:
		return nil, errors.New("sync: controller requires a key source")
	case cfg.Controllers == nil:
		return nil, errors.New("sync: controller requires a storage controller factory")
	case cfg.Data == nil || cfg.File == nil || cfg.FullText == nil:
		return nil, errors.New("sync: controller requires all three engine factories")
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}

	c := &Controller{
		logger:            cfg.Logger,
		cfg:               cfg.Cfg,
		api:               cfg.API,
		store:             cfg.Store,
		keys:              cfg.Keys,
		prompter:          cfg.Prompter,
		notifier:          notifier,
		registry:          NewRegistry(cfg.Controllers),
		newDataEngine:     cfg.Data,
		newFileEngine:     cfg.File,
		newFullTextEngine: cfg.FullText,
		skip:              parseSkipList(cfg.Logger, cfg.Cfg.Config.Libraries.Skip),
	}
	c.errors = NewAggregator(cfg.Logger, cfg.Prompter, c.requestRestart)

	return c, nil
}

// parseSkipList converts configured skip entries to library IDs,
// dropping malformed ones with a warning. Config validation normally
// catches these at load time.
func parseSkipList(logger *slog.Logger, raw []string) []libid.ID {
	skip := make([]libid.ID, 0, len(raw))

	for _, entry := range raw {
		id, err := libid.Parse(entry)
		if err != nil {
			logger.Warn("ignoring invalid skip entry", slog.String("entry", entry), slog.Any("error", err))
			continue
		}

		skip = append(skip, id)
	}

	return skip
}

// Sync runs one full session: bootstrap, library resolution, then the
// phase loop, with teardown guaranteed in every case. It returns false
// when the session is rejected, declined, canceled, or ends on a fatal
// error; per-library failures land in the error queue without failing
// the whole session. A successful remediation during teardown re-enters
// the session once with the same options.
func (c *Controller) Sync(ctx context.Context, opts Options) bool {
	for {
		sess, err := c.begin(opts)
		if err != nil {
			c.logger.Info("sync rejected, session already in progress")
			c.notifier.SyncBlocked("sync already in progress")

			return false
		}

		c.notifier.SyncStarted(opts.Background)
		c.logger.Info("sync session starting",
			slog.String("session", sess.id.String()),
			slog.Bool("background", opts.Background),
		)

		ok, restart := c.run(ctx, sess)
		if !restart {
			return ok
		}

		c.logger.Info("restarting sync session")
	}
}

// begin claims the single session slot, clears the previous session's
// error queue, and builds fresh per-session state. A rejected begin
// leaves everything untouched.
func (c *Controller) begin(opts Options) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil, ErrSessionInProgress
	}

	sess := &session{
		id:             uuid.New(),
		opts:           opts,
		gate:           NewGate(c.cfg.Config.Sync.ParallelLibraries, c.logger),
		attempt:        1,
		successful:     make(map[libid.ID]bool),
		firstInProcess: !c.synced,
		started:        time.Now(),
	}
	sess.gate.SetStopOnError(opts.StopOnError)

	c.synced = true

	if !opts.Background {
		// A deliberate manual sync resets the fatal-error latch.
		c.manualRequired = false
	}

	c.errors.Clear()
	c.session = sess

	return sess, nil
}

// run executes one session through teardown. Teardown runs exactly
// once, panics included; the returned restart flag re-enters Sync with
// a fresh session.
func (c *Controller) run(ctx context.Context, sess *session) (ok, restart bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sync session panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			ok = false
		}

		restart = c.end(ctx, sess)
	}()

	ok = c.execute(ctx, sess)

	return ok, restart
}

// execute runs the session body. It returns true only when the phase
// loop completed cleanly.
func (c *Controller) execute(ctx context.Context, sess *session) bool {
	// 1. Credentials must exist before anything touches the network.
	if key, err := c.keys.Key(); err != nil || key == "" {
		c.record(sess, ErrKeyNotSet, libid.ID{})
		return false
	}

	// 2. Purge expired tombstones so the local store stays bounded.
	cutoff := store.NowNano() - tombstoneRetention.Nanoseconds()
	if _, err := c.store.PurgeTombstones(ctx, cutoff); err != nil {
		c.logger.Warn("tombstone purge failed", slog.Any("error", err))
	}

	// 3. Resolve the access grant for the key.
	grant, err := c.api.CurrentKey(ctx)
	if err != nil {
		c.record(sess, err, libid.ID{})
		return false
	}

	sess.grant = grant

	// 4. Guard against syncing on top of an unexpectedly empty library.
	switch ok, err := c.confirmNotEmpty(ctx, sess); {
	case err != nil:
		c.record(sess, err, libid.ID{})
		return false
	case !ok:
		c.logger.Info("sync declined at empty-library check")
		return false
	}

	// 5. The local database belongs to one account; switching needs
	// consent.
	switch ok, err := c.checkIdentity(ctx, sess, grant); {
	case err != nil:
		c.record(sess, err, libid.ID{})
		return false
	case !ok:
		return false
	}

	// 6. Resolve the working set of libraries.
	resolver := NewResolver(ResolverConfig{
		Logger:     c.logger,
		API:        c.api,
		Store:      c.store,
		Prompter:   c.prompter,
		Skip:       c.skipList(),
		Background: sess.opts.Background,
	})

	libs, err := resolver.Resolve(ctx, grant, sess.opts.Libraries)
	if err != nil {
		c.record(sess, err, libid.ID{})
		return false
	}

	if len(libs) == 0 {
		c.logger.Info("no libraries to sync")
		return false
	}

	sess.working = libs

	// 7. Run the phase loop to completion or abort.
	if err := c.runPhases(ctx, sess); err != nil {
		if errors.Is(err, ErrStopped) {
			// Already recorded or deliberately silent.
			return false
		}

		c.record(sess, err, libid.ID{})

		return false
	}

	return true
}

// end tears down the session: the gate closes, interactive remediations
// get one chance to run, and the report goes out unless a restart was
// requested. Runs exactly once per session.
func (c *Controller) end(ctx context.Context, sess *session) (restart bool) {
	sess.gate.Stop()

	// Remediation pass: a successful fix requests a session restart.
	if !sess.opts.Background && sess.opts.OnError == nil {
		for _, e := range c.errors.Queue() {
			if e.Remediation == nil {
				continue
			}

			ok, err := e.Remediation.Fix(ctx)
			if err != nil {
				c.logger.Warn("remediation failed",
					slog.String("label", e.Remediation.Label), slog.Any("error", err))

				continue
			}

			if ok {
				c.logger.Info("remediation succeeded", slog.String("label", e.Remediation.Label))
			}
		}
	}

	queue := c.errors.Queue()

	fatal := false

	for _, e := range queue {
		if e.Fatal {
			fatal = true
			break
		}
	}

	c.mu.Lock()
	restart = sess.restart
	c.session = nil
	c.manualRequired = fatal && !restart
	c.mu.Unlock()

	if restart {
		c.logger.Debug("suppressing session end notification for restart")
		return true
	}

	report := &Report{
		SessionID:  sess.id,
		Background: sess.opts.Background,
		Attempts:   sess.attempt,
		Synced:     successfulSorted(sess),
		Errors:     queue,
		Started:    sess.started,
		Duration:   time.Since(sess.started),
	}

	c.notifier.SyncFinished(report)
	c.logger.Info("sync session finished",
		slog.String("session", sess.id.String()),
		slog.Int("attempts", sess.attempt),
		slog.Int("libraries", len(report.Synced)),
		slog.Int("errors", len(queue)),
		slog.Duration("duration", report.Duration),
	)

	return false
}

// record classifies one failure and routes it to the session's error
// sink or the shared queue. An offline failure collapses everything
// recorded so far into a single warning, since nothing else will
// succeed either.
func (c *Controller) record(sess *session, err error, lib libid.ID) *SyncError {
	var se *SyncError

	if isOffline(err) {
		c.errors.Clear()

		se = &SyncError{
			Type:    SeverityWarning,
			Library: lib,
			Message: "server unreachable, sync postponed",
			cause:   err,
			offline: true,
			parsed:  true,
		}
	} else {
		se = c.errors.Classify(err, lib)
	}

	if sess.opts.OnError != nil {
		// A caller-supplied sink intercepts instead of the queue.
		if !se.added {
			se.added = true
			sess.opts.OnError(se)
		}

		return se
	}

	c.errors.Add(se, lib)

	return se
}

// requestRestart marks the active session for re-entry after teardown.
// No-op between sessions.
func (c *Controller) requestRestart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.restart = true
	}
}

// confirmNotEmpty guards the first session of a process against a local
// database that recorded a completed sync but holds no objects, which
// usually means something outside this program emptied it.
// Re-downloading is safe, so background sessions proceed without
// asking.
func (c *Controller) confirmNotEmpty(ctx context.Context, sess *session) (bool, error) {
	if !sess.firstInProcess || sess.opts.Background || c.prompter == nil {
		return true, nil
	}

	versions, err := c.store.LibraryVersions(ctx, libid.User())
	if err != nil {
		return false, err
	}

	if versions.Data == 0 {
		return true, nil
	}

	n, err := c.store.CountObjects(ctx, libid.User(), "item")
	if err != nil {
		return false, err
	}

	if n > 0 {
		return true, nil
	}

	ok, err := c.prompter.ConfirmEmptyLibrary(ctx)
	if err != nil {
		return false, fmt.Errorf("empty-library prompt: %w", err)
	}

	return ok, nil
}

// checkIdentity compares the grant's account against the one the local
// database was built from, then records the current account. Switching
// accounts mid-database needs explicit consent; background sessions
// fail instead of deciding.
func (c *Controller) checkIdentity(ctx context.Context, sess *session, grant *api.KeyInfo) (bool, error) {
	storedID, storedName, err := c.store.Account(ctx)
	if err != nil {
		return false, err
	}

	if storedID != 0 && storedID != grant.UserID {
		if sess.opts.Background || c.prompter == nil {
			c.record(sess, &SyncError{
				Type:  SeverityError,
				Fatal: true,
				Message: fmt.Sprintf(
					"sync account changed from %s to %s, run an interactive sync to confirm",
					storedName, grant.Username),
			}, libid.ID{})

			return false, nil
		}

		ok, err := c.prompter.ConfirmIdentityChange(ctx, storedName, grant.Username)
		if err != nil {
			return false, fmt.Errorf("identity prompt: %w", err)
		}

		if !ok {
			c.logger.Info("account change declined, sync aborted")
			return false, nil
		}
	}

	if err := c.store.SaveAccount(ctx, grant.UserID, grant.Username); err != nil {
		return false, err
	}

	return true, nil
}

// storageModeFor maps a library to its file backend. WebDAV serves only
// the personal library; group files always come from Zotero storage.
func (c *Controller) storageModeFor(lib libid.ID) string {
	mode := c.cfg.Config.Storage.Mode
	if mode == config.StorageModeWebDAV && lib.IsGroup() {
		return config.StorageModeZotero
	}

	return mode
}

// InProgress reports whether a session is currently running.
func (c *Controller) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session != nil
}

// ManualSyncRequired reports whether the last session ended on a fatal
// error. Automatic syncs stay blocked until an interactive sync runs.
func (c *Controller) ManualSyncRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.manualRequired
}

// HasCredentials reports whether an API key is configured.
func (c *Controller) HasCredentials() bool {
	key, err := c.keys.Key()
	return err == nil && key != ""
}

// Errors returns the classified errors from the most recent session.
func (c *Controller) Errors() []*SyncError {
	return c.errors.Queue()
}

// Registry exposes the storage controller cache so credential changes
// can invalidate it.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// SetSkipList replaces the configured library skip list, normally after
// a config reload. The next session's resolver sees the new list; a
// session already running keeps the old one.
func (c *Controller) SetSkipList(raw []string) {
	skip := parseSkipList(c.logger, raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.skip = skip
}

// skipList snapshots the current skip list for a session's resolver.
func (c *Controller) skipList() []libid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.skip
}
