package sync

import (
	"context"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
)

// testLogger returns a slog.Logger that writes through t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

const (
	testUserID   int64 = 475425
	testUsername       = "charlesdarwin"
)

// userGrant returns a key with personal library access and no groups.
func userGrant() *api.KeyInfo {
	return &api.KeyInfo{
		UserID:   testUserID,
		Username: testUsername,
		Access: api.KeyAccess{
			UserLibrary: true,
			UserFiles:   true,
			UserNotes:   true,
			UserWrite:   true,
		},
	}
}

// allGroupsGrant returns a key with personal access plus the all-groups
// wildcard.
func allGroupsGrant() *api.KeyInfo {
	g := userGrant()
	g.Access.AllGroups = true
	g.Access.AllGroupsWrite = true

	return g
}

// ownedGroup returns remote group metadata owned by the test account,
// so Editable and FilesEditable hold.
func ownedGroup(id, version int64) *api.Group {
	return &api.Group{
		ID:      id,
		Version: version,
		Name:    "beagle-voyage",
		Type:    "Private",
		Owner:   testUserID,
	}
}

// readOnlyGroup returns remote group metadata where the test account is
// a plain member of a group that disallows member editing.
func readOnlyGroup(id, version int64) *api.Group {
	return &api.Group{
		ID:      id,
		Version: version,
		Name:    "beagle-voyage",
		Type:    "Private",
		Owner:   999,
		Members: []int64{testUserID},
	}
}

// mockGateway is a canned Gateway. keyErrs is consumed front to back
// before key is returned, so tests can script a rejection followed by
// success across a restart.
type mockGateway struct {
	mu stdsync.Mutex

	key     *api.KeyInfo
	keyErrs []error

	versions    map[int64]int64
	versionsErr error

	groups    map[int64]*api.Group
	groupErrs map[int64]error

	keyCalls   int
	groupCalls []int64
}

func (m *mockGateway) CurrentKey(_ context.Context) (*api.KeyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keyCalls++

	if len(m.keyErrs) > 0 {
		err := m.keyErrs[0]
		m.keyErrs = m.keyErrs[1:]

		return nil, err
	}

	return m.key, nil
}

func (m *mockGateway) GroupVersions(_ context.Context, _ int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versionsErr != nil {
		return nil, m.versionsErr
	}

	out := make(map[int64]int64, len(m.versions))
	for id, v := range m.versions {
		out[id] = v
	}

	return out, nil
}

func (m *mockGateway) Group(_ context.Context, groupID int64) (*api.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groupCalls = append(m.groupCalls, groupID)

	if err := m.groupErrs[groupID]; err != nil {
		return nil, err
	}

	g, ok := m.groups[groupID]
	if !ok {
		return nil, api.ErrNotFound
	}

	return g, nil
}

// mockStore is an in-memory Store that records mutating calls.
type mockStore struct {
	mu stdsync.Mutex

	accountID   int64
	accountName string
	accountErr  error

	groups map[int64]*store.GroupRecord
	erased []int64
	saved  []*store.GroupRecord

	versions map[libid.ID]store.Versions
	counts   map[libid.ID]int64

	purgeCalls  int
	purgeBefore int64

	touches  int
	touchErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		groups:   make(map[int64]*store.GroupRecord),
		versions: make(map[libid.ID]store.Versions),
		counts:   make(map[libid.ID]int64),
	}
}

func (m *mockStore) Group(_ context.Context, groupID int64) (*store.GroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.groups[groupID], nil
}

func (m *mockStore) Groups(_ context.Context) ([]*store.GroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.GroupRecord, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}

	return out, nil
}

func (m *mockStore) SaveGroup(_ context.Context, g *store.GroupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groups[g.ID] = g
	m.saved = append(m.saved, g)

	return nil
}

func (m *mockStore) EraseGroup(_ context.Context, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.groups, groupID)
	m.erased = append(m.erased, groupID)

	return nil
}

func (m *mockStore) Account(_ context.Context) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.accountID, m.accountName, m.accountErr
}

func (m *mockStore) SaveAccount(_ context.Context, userID int64, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accountID = userID
	m.accountName = username

	return nil
}

func (m *mockStore) LibraryVersions(_ context.Context, lib libid.ID) (store.Versions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.versions[lib], nil
}

func (m *mockStore) CountObjects(_ context.Context, lib libid.ID, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counts[lib], nil
}

func (m *mockStore) PurgeTombstones(_ context.Context, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeCalls++
	m.purgeBefore = before

	return 0, nil
}

func (m *mockStore) TouchLastSync(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.touchErr != nil {
		return m.touchErr
	}

	m.touches++

	return nil
}

func (m *mockStore) touchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.touches
}

// mockPrompter answers every prompt from canned fields and records the
// calls it received.
type mockPrompter struct {
	mu stdsync.Mutex

	emptyOK    bool
	identityOK bool
	missing    Decision
	permOK     bool
	tagFixed   bool
	credsFixed bool

	emptyCalls    int
	identityCalls int
	identityFrom  string
	identityTo    string
	missingCalls  []int64
	permCalls     []PermissionChange
	tagCalls      []string
	credsCalls    int
}

// allowAll returns a prompter that says yes to everything and keeps
// missing groups.
func allowAll() *mockPrompter {
	return &mockPrompter{emptyOK: true, identityOK: true, permOK: true}
}

func (m *mockPrompter) ConfirmEmptyLibrary(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emptyCalls++

	return m.emptyOK, nil
}

func (m *mockPrompter) ConfirmIdentityChange(_ context.Context, previous, current string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.identityCalls++
	m.identityFrom = previous
	m.identityTo = current

	return m.identityOK, nil
}

func (m *mockPrompter) ResolveMissingGroup(_ context.Context, g *store.GroupRecord) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.missingCalls = append(m.missingCalls, g.ID)

	return m.missing, nil
}

func (m *mockPrompter) ConfirmPermissionChange(_ context.Context, change PermissionChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.permCalls = append(m.permCalls, change)

	return m.permOK, nil
}

func (m *mockPrompter) FixOversizedTag(_ context.Context, tag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tagCalls = append(m.tagCalls, tag)

	return m.tagFixed, nil
}

func (m *mockPrompter) FixCredentials(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credsCalls++

	return m.credsFixed, nil
}

// mockNotifier records session lifecycle events.
type mockNotifier struct {
	mu stdsync.Mutex

	started  []bool
	blocked  []string
	finished []*Report
}

func (m *mockNotifier) SyncStarted(background bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = append(m.started, background)
}

func (m *mockNotifier) SyncBlocked(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocked = append(m.blocked, reason)
}

func (m *mockNotifier) SyncFinished(r *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finished = append(m.finished, r)
}

func (m *mockNotifier) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.started)
}

func (m *mockNotifier) finishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.finished)
}

func (m *mockNotifier) lastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.finished) == 0 {
		return nil
	}

	return m.finished[len(m.finished)-1]
}

// fileResult is one scripted file engine pass.
type fileResult struct {
	out FileOutcome
	err error
}

// mockEngines scripts per-library engine behavior. Scripts are consumed
// front to back; the last entry repeats, so a single entry scripts
// every pass. An unscripted library succeeds.
type mockEngines struct {
	mu stdsync.Mutex

	data     map[libid.ID][]error
	file     map[libid.ID][]fileResult
	fulltext map[libid.ID][]error

	dataRuns     []libid.ID
	fileRuns     []libid.ID
	fileModes    []string
	fulltextRuns []libid.ID

	// blockData, when set, parks every data engine until the channel
	// closes. Used to hold a session open mid-phase.
	blockData chan struct{}
}

func newMockEngines() *mockEngines {
	return &mockEngines{
		data:     make(map[libid.ID][]error),
		file:     make(map[libid.ID][]fileResult),
		fulltext: make(map[libid.ID][]error),
	}
}

func nextScript[T any](m map[libid.ID][]T, lib libid.ID) (T, bool) {
	s := m[lib]
	if len(s) == 0 {
		var zero T
		return zero, false
	}

	v := s[0]
	if len(s) > 1 {
		m[lib] = s[1:]
	}

	return v, true
}

type dataEngineFunc func(ctx context.Context) error

func (f dataEngineFunc) Start(ctx context.Context) error { return f(ctx) }

type fileEngineFunc func(ctx context.Context) (FileOutcome, error)

func (f fileEngineFunc) Start(ctx context.Context) (FileOutcome, error) { return f(ctx) }

func (m *mockEngines) dataFactory() DataEngineFactory {
	return func(lib libid.ID, _ *Gate) DataEngine {
		return dataEngineFunc(func(_ context.Context) error {
			m.mu.Lock()
			block := m.blockData
			m.dataRuns = append(m.dataRuns, lib)
			err, _ := nextScript(m.data, lib)
			m.mu.Unlock()

			if block != nil {
				<-block
			}

			return err
		})
	}
}

func (m *mockEngines) fileFactory() FileEngineFactory {
	return func(lib libid.ID, _ *Gate, ctrl StorageController) FileEngine {
		return fileEngineFunc(func(_ context.Context) (FileOutcome, error) {
			m.mu.Lock()
			defer m.mu.Unlock()

			m.fileRuns = append(m.fileRuns, lib)
			m.fileModes = append(m.fileModes, ctrl.Mode())
			res, _ := nextScript(m.file, lib)

			return res.out, res.err
		})
	}
}

func (m *mockEngines) fulltextFactory() FullTextEngineFactory {
	return func(lib libid.ID, _ *Gate) FullTextEngine {
		return dataEngineFunc(func(_ context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()

			m.fulltextRuns = append(m.fulltextRuns, lib)
			err, _ := nextScript(m.fulltext, lib)

			return err
		})
	}
}

func (m *mockEngines) dataRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.dataRuns)
}

// mockStorageController serves no bytes; tests only inspect its mode.
type mockStorageController struct {
	mode string
}

func (m *mockStorageController) Mode() string { return m.mode }

func (m *mockStorageController) Download(_ context.Context, _ libid.ID, _ string, _ io.Writer) (int64, error) {
	return 0, nil
}

// mockControllerFactory builds mockStorageControllers, recording modes
// and failing for modes listed in errs.
type mockControllerFactory struct {
	mu stdsync.Mutex

	built []string
	errs  map[string]error
}

func (f *mockControllerFactory) build(mode string) (StorageController, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.built = append(f.built, mode)

	if err := f.errs[mode]; err != nil {
		return nil, err
	}

	return &mockStorageController{mode: mode}, nil
}

// harness bundles a controller's collaborators as mocks. Tests adjust
// the mocks and config, then call build.
type harness struct {
	t *testing.T

	gateway  *mockGateway
	store    *mockStore
	prompter *mockPrompter
	notifier *mockNotifier
	engines  *mockEngines
	factory  *mockControllerFactory
	keys     api.KeySource
	cfg      *config.Resolved
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Resolved{}
	cfg.Config.Sync.ParallelLibraries = 2
	cfg.Config.Storage.Mode = config.StorageModeZotero

	return &harness{
		t:        t,
		gateway:  &mockGateway{key: userGrant()},
		store:    newMockStore(),
		prompter: allowAll(),
		notifier: &mockNotifier{},
		engines:  newMockEngines(),
		factory:  &mockControllerFactory{},
		keys:     api.StaticKey("test-key"),
		cfg:      cfg,
	}
}

func (h *harness) build() *Controller {
	h.t.Helper()

	c, err := NewController(ControllerConfig{
		Logger:      testLogger(h.t),
		Cfg:         h.cfg,
		API:         h.gateway,
		Store:       h.store,
		Keys:        h.keys,
		Prompter:    h.prompter,
		Notifier:    h.notifier,
		Controllers: h.factory.build,
		Data:        h.engines.dataFactory(),
		File:        h.engines.fileFactory(),
		FullText:    h.engines.fulltextFactory(),
	})
	require.NoError(h.t, err)

	return c
}
