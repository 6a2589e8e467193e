// Package sync implements the session orchestrator for the zotero CLI.
// It decides which libraries take part in a sync, runs the data, file,
// and full-text phases per library under one shared concurrency gate,
// retries resync subsets within a bounded attempt budget, and aggregates
// classified errors for the caller — the full session pipeline.
package sync

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
)

// Options control one session. The zero value is a normal interactive
// full sync.
type Options struct {
	// Background suppresses every interactive prompt; blocked decisions
	// take their safe default instead.
	Background bool

	// StopOnError aborts remaining work at the first recorded error.
	StopOnError bool

	// Libraries restricts the session to an explicit set. Empty means
	// sync everything the access grant covers.
	Libraries []libid.ID

	// OnError, when set, receives classified errors instead of the
	// session queue.
	OnError func(*SyncError)
}

// Report summarizes a finished session.
type Report struct {
	SessionID  uuid.UUID
	Background bool
	Attempts   int
	Synced     []libid.ID // libraries whose data phase succeeded, sorted
	Errors     []*SyncError
	Started    time.Time
	Duration   time.Duration
}

// Decision is the answer to a missing-group prompt.
type Decision int

// Missing-group decisions. Keep is the zero value so a prompter that
// cannot answer leaves local data alone.
const (
	DecisionKeep Decision = iota
	DecisionRemove
	DecisionCancel
)

// PermissionChange describes a group whose effective permissions on the
// server no longer match the local record.
type PermissionChange struct {
	Group         *api.Group
	LostWrite     bool
	LostFileWrite bool
}

// FileOutcome reports what a file engine pass discovered.
type FileOutcome struct {
	// SyncRequired means library data moved underneath the file pass;
	// the library needs a fresh data phase before files can settle.
	SyncRequired bool

	// FileSyncRequired means remote file state changed during the pass;
	// the file phase itself repeats in place.
	FileSyncRequired bool
}

// DataEngine syncs one library's object data.
type DataEngine interface {
	Start(ctx context.Context) error
}

// FileEngine syncs one library's attachment files.
type FileEngine interface {
	Start(ctx context.Context) (FileOutcome, error)
}

// FullTextEngine syncs one library's full-text index.
type FullTextEngine interface {
	Start(ctx context.Context) error
}

// Engine factories construct per-library engines, one per attempt.
// Production wiring lives in the engine package; tests inject mocks.
type (
	DataEngineFactory     func(lib libid.ID, gate *Gate) DataEngine
	FileEngineFactory     func(lib libid.ID, gate *Gate, ctrl StorageController) FileEngine
	FullTextEngineFactory func(lib libid.ID, gate *Gate) FullTextEngine
)

// StorageController serves attachment content from one storage backend.
// Instances are cached per mode by the Registry and shared across
// libraries for the life of the process.
type StorageController interface {
	// Mode returns the backend identifier ("zotero", "webdav").
	Mode() string

	// Download streams the stored file content for an attachment item.
	Download(ctx context.Context, lib libid.ID, key string, dst io.Writer) (int64, error)
}

// ControllerFactory constructs the storage controller for a mode.
// Tests inject mocks.
type ControllerFactory func(mode string) (StorageController, error)

// --- Consumer-defined interfaces ---
// Narrow views of the API client and local store, defined here so every
// orchestration component works against fakes in tests. The concrete
// api.Client and store.Store satisfy them directly.

// Gateway is the slice of the API client the orchestrator itself calls.
// Engines hold their own, wider client views.
type Gateway interface {
	CurrentKey(ctx context.Context) (*api.KeyInfo, error)
	GroupVersions(ctx context.Context, userID int64) (map[int64]int64, error)
	Group(ctx context.Context, groupID int64) (*api.Group, error)
}

// GroupStore covers the local group records the resolver reconciles.
type GroupStore interface {
	Group(ctx context.Context, groupID int64) (*store.GroupRecord, error)
	Groups(ctx context.Context) ([]*store.GroupRecord, error)
	SaveGroup(ctx context.Context, g *store.GroupRecord) error
	EraseGroup(ctx context.Context, groupID int64) error
}

// Store is the slice of the local store the session controller uses.
type Store interface {
	GroupStore

	Account(ctx context.Context) (int64, string, error)
	SaveAccount(ctx context.Context, userID int64, username string) error
	LibraryVersions(ctx context.Context, lib libid.ID) (store.Versions, error)
	CountObjects(ctx context.Context, lib libid.ID, kind string) (int64, error)
	PurgeTombstones(ctx context.Context, before int64) (int64, error)
	TouchLastSync(ctx context.Context) error
}

// Prompter obtains decisions from the user mid-session. Background
// sessions never reach these calls; the orchestrator answers for them
// with the safe default.
type Prompter interface {
	// ConfirmEmptyLibrary asks whether to proceed when the local
	// personal library is unexpectedly empty despite a recorded sync.
	ConfirmEmptyLibrary(ctx context.Context) (bool, error)

	// ConfirmIdentityChange asks whether to sync against a different
	// account than the one the local database was built from.
	ConfirmIdentityChange(ctx context.Context, previous, current string) (bool, error)

	// ResolveMissingGroup asks what to do with a local group that no
	// longer exists remotely or is no longer accessible.
	ResolveMissingGroup(ctx context.Context, g *store.GroupRecord) (Decision, error)

	// ConfirmPermissionChange asks whether to accept reduced group
	// permissions and keep syncing the group.
	ConfirmPermissionChange(ctx context.Context, change PermissionChange) (bool, error)

	// FixOversizedTag walks the user through shortening a tag the
	// server rejected. Returns true once the tag is fixed.
	FixOversizedTag(ctx context.Context, tag string) (bool, error)

	// FixCredentials walks the user through replacing a rejected API
	// key. Returns true once new credentials are saved.
	FixCredentials(ctx context.Context) (bool, error)
}

// Notifier receives session lifecycle events. Calls happen inline on
// the session path and must return promptly.
type Notifier interface {
	SyncStarted(background bool)
	SyncBlocked(reason string)
	SyncFinished(r *Report)
}

// NopNotifier discards all session events.
type NopNotifier struct{}

// SyncStarted implements Notifier.
func (NopNotifier) SyncStarted(bool) {}

// SyncBlocked implements Notifier.
func (NopNotifier) SyncBlocked(string) {}

// SyncFinished implements Notifier.
func (NopNotifier) SyncFinished(*Report) {}
