// Package engine implements the built-in download engines the session
// controller drives: object data, attachment files, and full-text
// content. A Factory builds one engine per library per attempt; every
// remote call an engine makes runs inside the session's shared
// concurrency gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// --- Consumer-defined interfaces ---
// Narrow views of the API client and local store, defined here so the
// engines run against fakes in tests. The concrete api.Client and
// store.Store satisfy them directly.

// Client is the slice of the API client the engines call.
type Client interface {
	ObjectVersions(ctx context.Context, prefix string, kind api.ObjectKind, since int64) (map[string]int64, int64, error)
	Objects(ctx context.Context, prefix string, kind api.ObjectKind, keys []string) ([]api.Object, int64, error)
	Deleted(ctx context.Context, prefix string, since int64) (*api.Deletions, int64, error)
	FullTextVersions(ctx context.Context, prefix string, since int64) (map[string]int64, int64, error)
	FullTextContent(ctx context.Context, prefix, key string) (*api.FullText, int64, error)
}

// Store is the slice of the local store the engines read and write.
type Store interface {
	Account(ctx context.Context) (int64, string, error)
	LibraryVersions(ctx context.Context, lib libid.ID) (store.Versions, error)
	SetDataVersion(ctx context.Context, lib libid.ID, version int64) error
	SetFullTextVersion(ctx context.Context, lib libid.ID, version int64) error
	LocalObjectVersions(ctx context.Context, lib libid.ID, kind string) (map[string]int64, error)
	UpsertObjects(ctx context.Context, lib libid.ID, kind string, objects []store.Object) error
	DeleteObjects(ctx context.Context, lib libid.ID, kind string, keys []string) error
	Attachments(ctx context.Context, lib libid.ID) ([]*store.Attachment, error)
	UpsertAttachment(ctx context.Context, a *store.Attachment) error
	DeleteAttachment(ctx context.Context, lib libid.ID, key string) error
	MarkAttachmentSynced(ctx context.Context, lib libid.ID, key, localMD5 string) error
	SaveFullText(ctx context.Context, r *store.FullTextRecord) error
	DeleteFullText(ctx context.Context, lib libid.ID, key string) error
}

// Compile-time wiring checks.
var (
	_ Client = (*api.Client)(nil)
	_ Store  = (*store.Store)(nil)
)

// Config wires a Factory.
type Config struct {
	Logger *slog.Logger
	API    Client
	Store  Store
	Cfg    *config.Resolved
}

// Factory builds per-library engines around shared collaborators. Its
// Data, File, and FullText methods satisfy the controller's engine
// factory signatures directly.
type Factory struct {
	logger  *slog.Logger
	api     Client
	store   Store
	cfg     *config.Resolved
	maxSize int64 // attachment size cap in bytes, 0 means unlimited
}

// New validates the wiring and returns a Factory.
func New(cfg Config) (*Factory, error) {
	if cfg.Logger == nil || cfg.API == nil || cfg.Store == nil || cfg.Cfg == nil {
		return nil, errors.New("engine: incomplete configuration")
	}

	maxSize, err := config.ParseSize(cfg.Cfg.Config.Storage.MaxAttachmentSize)
	if err != nil {
		return nil, fmt.Errorf("parsing max attachment size: %w", err)
	}

	return &Factory{
		logger:  cfg.Logger,
		api:     cfg.API,
		store:   cfg.Store,
		cfg:     cfg.Cfg,
		maxSize: maxSize,
	}, nil
}

// Data returns the object-data engine for one library.
func (f *Factory) Data(lib libid.ID, gate *sync.Gate) sync.DataEngine {
	return &dataEngine{f: f, lib: lib, gate: gate}
}

// File returns the attachment-file engine for one library.
func (f *Factory) File(lib libid.ID, gate *sync.Gate, ctrl sync.StorageController) sync.FileEngine {
	return &fileEngine{f: f, lib: lib, gate: gate, ctrl: ctrl}
}

// FullText returns the full-text engine for one library.
func (f *Factory) FullText(lib libid.ID, gate *sync.Gate) sync.FullTextEngine {
	return &fulltextEngine{f: f, lib: lib, gate: gate}
}

// prefix resolves a library's API path prefix. User-scoped libraries
// need the account row the session controller records before the
// phases run.
func (f *Factory) prefix(ctx context.Context, lib libid.ID) (string, error) {
	userID, _, err := f.store.Account(ctx)
	if err != nil {
		return "", fmt.Errorf("reading account: %w", err)
	}

	if userID == 0 && !lib.IsGroup() {
		return "", errors.New("engine: local account not initialized")
	}

	return lib.Prefix(userID), nil
}
