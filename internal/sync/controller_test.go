package sync

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
)

func TestNewControllerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ControllerConfig)
		want   string
	}{
		{"missing logger", func(c *ControllerConfig) { c.Logger = nil }, "requires a logger"},
		{"missing config", func(c *ControllerConfig) { c.Cfg = nil }, "requires resolved configuration"},
		{"missing gateway", func(c *ControllerConfig) { c.API = nil }, "requires an API gateway"},
		{"missing store", func(c *ControllerConfig) { c.Store = nil }, "requires a store"},
		{"missing key source", func(c *ControllerConfig) { c.Keys = nil }, "requires a key source"},
		{"missing controller factory", func(c *ControllerConfig) { c.Controllers = nil }, "storage controller factory"},
		{"missing engine factory", func(c *ControllerConfig) { c.Data = nil }, "all three engine factories"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			cfg := ControllerConfig{
				Logger:      testLogger(t),
				Cfg:         h.cfg,
				API:         h.gateway,
				Store:       h.store,
				Keys:        h.keys,
				Controllers: h.factory.build,
				Data:        h.engines.dataFactory(),
				File:        h.engines.fileFactory(),
				FullText:    h.engines.fulltextFactory(),
			}
			tc.mutate(&cfg)

			_, err := NewController(cfg)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSyncSingleAttempt(t *testing.T) {
	h := newHarness(t)
	c := h.build()

	ok := c.Sync(context.Background(), Options{})

	require.True(t, ok)

	// One attempt covered both personal libraries and refreshed the
	// last-sync timestamp once.
	report := h.notifier.lastReport()
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, []libid.ID{libid.User(), libid.Publications()}, report.Synced)
	assert.Empty(t, report.Errors)
	assert.False(t, report.Background)

	assert.Equal(t, []libid.ID{libid.User(), libid.Publications()}, h.engines.dataRuns)
	assert.Equal(t, []libid.ID{libid.User(), libid.Publications()}, h.engines.fileRuns)
	assert.Empty(t, h.engines.fulltextRuns)
	assert.Equal(t, 1, h.store.touchCount())

	// The zotero storage controller was built once and shared.
	assert.Equal(t, []string{"zotero"}, h.factory.built)

	// Tombstones were purged with a cutoff in the past.
	assert.Equal(t, 1, h.store.purgeCalls)
	assert.Positive(t, h.store.purgeBefore)
	assert.Less(t, h.store.purgeBefore, store.NowNano())

	// The grant's account was recorded.
	assert.Equal(t, testUserID, h.store.accountID)
	assert.Equal(t, testUsername, h.store.accountName)

	assert.False(t, c.InProgress())
	assert.False(t, c.ManualSyncRequired())
	assert.Empty(t, c.Errors())
}

func TestSyncRejectsConcurrentSession(t *testing.T) {
	h := newHarness(t)
	h.engines.blockData = make(chan struct{})

	c := h.build()

	first := make(chan bool, 1)

	go func() {
		first <- c.Sync(context.Background(), Options{})
	}()

	require.Eventually(t, c.InProgress, time.Second, time.Millisecond)

	// The second invocation is rejected without touching session state.
	ok := c.Sync(context.Background(), Options{})
	assert.False(t, ok)
	assert.Equal(t, []string{"sync already in progress"}, h.notifier.blocked)
	assert.Equal(t, 1, h.notifier.startedCount())

	close(h.engines.blockData)

	select {
	case got := <-first:
		assert.True(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("first session never finished")
	}

	assert.False(t, c.InProgress())
	assert.Equal(t, 1, h.notifier.finishedCount())
}

func TestSyncWithoutCredentials(t *testing.T) {
	h := newHarness(t)
	h.keys = api.StaticKey("")

	c := h.build()

	assert.False(t, c.HasCredentials())

	ok := c.Sync(context.Background(), Options{})

	require.False(t, ok)

	// The failure is classified before any network traffic.
	assert.Zero(t, h.gateway.keyCalls)
	assert.Zero(t, h.engines.dataRunCount())

	queue := c.Errors()
	require.Len(t, queue, 1)
	assert.True(t, queue[0].Fatal)
	assert.ErrorIs(t, queue[0], ErrKeyNotSet)

	// The remediation ran during teardown but the user declined.
	assert.Equal(t, 1, h.prompter.credsCalls)
	assert.True(t, c.ManualSyncRequired())
}

func TestSyncRestartAfterCredentialFix(t *testing.T) {
	h := newHarness(t)
	h.gateway.keyErrs = []error{api.ErrForbidden}
	h.prompter.credsFixed = true

	c := h.build()

	ok := c.Sync(context.Background(), Options{})

	require.True(t, ok)

	// The rejected first session restarted after the fix; only the
	// second one announced its end.
	assert.Equal(t, 2, h.notifier.startedCount())
	assert.Equal(t, 1, h.notifier.finishedCount())
	assert.Equal(t, 1, h.prompter.credsCalls)
	assert.Equal(t, 2, h.gateway.keyCalls)

	report := h.notifier.lastReport()
	assert.Empty(t, report.Errors)
	assert.Equal(t, []libid.ID{libid.User(), libid.Publications()}, report.Synced)

	assert.Empty(t, c.Errors())
	assert.False(t, c.ManualSyncRequired())
}

func TestSyncOfflineCollapsesErrors(t *testing.T) {
	h := newHarness(t)

	offline := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	h.engines.data[libid.User()] = []error{errors.New("parse failure")}
	h.engines.data[libid.Publications()] = []error{offline}

	c := h.build()

	ok := c.Sync(context.Background(), Options{})

	require.False(t, ok)

	// The earlier failure was discarded; one soft warning remains.
	queue := c.Errors()
	require.Len(t, queue, 1)
	assert.Equal(t, SeverityWarning, queue[0].Type)
	assert.False(t, queue[0].Fatal)
	assert.Equal(t, "server unreachable, sync postponed", queue[0].Message)

	assert.Equal(t, []libid.ID{libid.User(), libid.Publications()}, h.engines.dataRuns)
	assert.Zero(t, h.store.touchCount())
	assert.False(t, c.ManualSyncRequired())
}

func TestSyncStopOnError(t *testing.T) {
	h := newHarness(t)
	h.engines.data[libid.User()] = []error{errors.New("parse failure")}

	c := h.build()

	ok := c.Sync(context.Background(), Options{StopOnError: true})

	require.False(t, ok)

	// The first failure ended the session before the second library.
	assert.Equal(t, []libid.ID{libid.User()}, h.engines.dataRuns)

	queue := c.Errors()
	require.Len(t, queue, 1)
	assert.Equal(t, "parse failure", queue[0].Message)
	assert.Equal(t, 1, h.notifier.finishedCount())
}

func TestSyncEmptyLibraryGuard(t *testing.T) {
	t.Run("declined ends the session", func(t *testing.T) {
		h := newHarness(t)
		h.store.versions[libid.User()] = store.Versions{Data: 50}
		h.prompter.emptyOK = false

		c := h.build()

		ok := c.Sync(context.Background(), Options{})

		require.False(t, ok)
		assert.Equal(t, 1, h.prompter.emptyCalls)
		assert.Zero(t, h.engines.dataRunCount())
		assert.Empty(t, c.Errors())

		// The account was never recorded; the session stopped first.
		assert.Zero(t, h.store.accountID)
	})

	t.Run("asks only on the first session of the process", func(t *testing.T) {
		h := newHarness(t)
		h.store.versions[libid.User()] = store.Versions{Data: 50}
		h.prompter.emptyOK = false

		c := h.build()

		require.False(t, c.Sync(context.Background(), Options{}))
		require.True(t, c.Sync(context.Background(), Options{}))

		assert.Equal(t, 1, h.prompter.emptyCalls)
	})

	t.Run("confirmed proceeds", func(t *testing.T) {
		h := newHarness(t)
		h.store.versions[libid.User()] = store.Versions{Data: 50}

		c := h.build()

		ok := c.Sync(context.Background(), Options{})

		require.True(t, ok)
		assert.Equal(t, 1, h.prompter.emptyCalls)
	})

	t.Run("local objects skip the prompt", func(t *testing.T) {
		h := newHarness(t)
		h.store.versions[libid.User()] = store.Versions{Data: 50}
		h.store.counts[libid.User()] = 12

		c := h.build()

		require.True(t, c.Sync(context.Background(), Options{}))
		assert.Zero(t, h.prompter.emptyCalls)
	})

	t.Run("background skips the prompt", func(t *testing.T) {
		h := newHarness(t)
		h.store.versions[libid.User()] = store.Versions{Data: 50}
		h.prompter.emptyOK = false

		c := h.build()

		require.True(t, c.Sync(context.Background(), Options{Background: true}))
		assert.Zero(t, h.prompter.emptyCalls)
	})
}

func TestSyncIdentityChange(t *testing.T) {
	seed := func(t *testing.T) *harness {
		t.Helper()

		h := newHarness(t)
		h.store.accountID = 999
		h.store.accountName = "olduser"

		return h
	}

	t.Run("declined ends the session", func(t *testing.T) {
		h := seed(t)
		h.prompter.identityOK = false

		c := h.build()

		ok := c.Sync(context.Background(), Options{})

		require.False(t, ok)
		assert.Equal(t, 1, h.prompter.identityCalls)
		assert.Equal(t, "olduser", h.prompter.identityFrom)
		assert.Equal(t, testUsername, h.prompter.identityTo)

		// The stored account survives untouched.
		assert.Equal(t, int64(999), h.store.accountID)
		assert.Zero(t, h.engines.dataRunCount())
		assert.Empty(t, c.Errors())
	})

	t.Run("confirmed adopts the new account", func(t *testing.T) {
		h := seed(t)

		c := h.build()

		ok := c.Sync(context.Background(), Options{})

		require.True(t, ok)
		assert.Equal(t, 1, h.prompter.identityCalls)
		assert.Equal(t, testUserID, h.store.accountID)
		assert.Equal(t, testUsername, h.store.accountName)
	})

	t.Run("background fails instead of deciding", func(t *testing.T) {
		h := seed(t)

		c := h.build()

		ok := c.Sync(context.Background(), Options{Background: true})

		require.False(t, ok)
		assert.Zero(t, h.prompter.identityCalls)

		queue := c.Errors()
		require.Len(t, queue, 1)
		assert.True(t, queue[0].Fatal)
		assert.Contains(t, queue[0].Message, "sync account changed")
		assert.True(t, c.ManualSyncRequired())
	})

	t.Run("same account passes silently", func(t *testing.T) {
		h := newHarness(t)
		h.store.accountID = testUserID
		h.store.accountName = testUsername

		c := h.build()

		require.True(t, c.Sync(context.Background(), Options{}))
		assert.Zero(t, h.prompter.identityCalls)
	})
}

func TestSyncErrorSink(t *testing.T) {
	h := newHarness(t)
	h.engines.data[libid.User()] = []error{errors.New("parse failure")}

	c := h.build()

	var collected []*SyncError

	ok := c.Sync(context.Background(), Options{
		OnError: func(e *SyncError) { collected = append(collected, e) },
	})

	// A per-library failure routed to the sink does not fail the session.
	require.True(t, ok)

	require.Len(t, collected, 1)
	assert.Equal(t, "parse failure", collected[0].Message)
	assert.Equal(t, libid.User(), collected[0].Library)

	// The shared queue stays empty when a sink is installed.
	assert.Empty(t, c.Errors())
	assert.Empty(t, h.notifier.lastReport().Errors)
	assert.Equal(t, []libid.ID{libid.Publications()}, h.notifier.lastReport().Synced)
}

func TestSyncSkipListFromConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Config.Libraries.Skip = []string{"publications", "bogus-entry"}

	c := h.build()

	ok := c.Sync(context.Background(), Options{})

	require.True(t, ok)
	assert.Equal(t, []libid.ID{libid.User()}, h.engines.dataRuns)
}

func TestSetSkipListAppliesToNextSession(t *testing.T) {
	h := newHarness(t)
	c := h.build()

	require.True(t, c.Sync(context.Background(), Options{}))
	assert.ElementsMatch(t, []libid.ID{libid.User(), libid.Publications()}, h.engines.dataRuns)

	// A config reload replaces the list between sessions.
	c.SetSkipList([]string{"publications"})
	h.engines.dataRuns = nil

	require.True(t, c.Sync(context.Background(), Options{}))
	assert.Equal(t, []libid.ID{libid.User()}, h.engines.dataRuns)
}

func TestSyncTeardownSurvivesPanic(t *testing.T) {
	h := newHarness(t)

	c, err := NewController(ControllerConfig{
		Logger:      testLogger(t),
		Cfg:         h.cfg,
		API:         h.gateway,
		Store:       h.store,
		Keys:        h.keys,
		Prompter:    h.prompter,
		Notifier:    h.notifier,
		Controllers: h.factory.build,
		Data: func(_ libid.ID, _ *Gate) DataEngine {
			return dataEngineFunc(func(_ context.Context) error { panic("engine exploded") })
		},
		File:     h.engines.fileFactory(),
		FullText: h.engines.fulltextFactory(),
	})
	require.NoError(t, err)

	ok := c.Sync(context.Background(), Options{})

	assert.False(t, ok)

	// Teardown still ran: the session slot is free and the end
	// notification went out.
	assert.False(t, c.InProgress())
	assert.Equal(t, 1, h.notifier.finishedCount())
}
