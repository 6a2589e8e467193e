// Package storage implements the backends that serve attachment file
// content — Zotero File Storage through the API, or a user-provided
// WebDAV server — and the filesystem monitor that flags local files
// touched outside a sync for re-download. Controllers satisfy the
// session controller's StorageController contract and are cached per
// mode by its registry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// --- Consumer-defined interfaces ---
// Narrow views of the API client and local store, defined here so the
// controllers and the monitor run against fakes in tests. The concrete
// api.Client and store.Store satisfy them directly.

// FileClient is the slice of the API client the Zotero File Storage
// controller calls.
type FileClient interface {
	DownloadFile(ctx context.Context, prefix, key string, w io.Writer) (int64, error)
}

// AccountReader resolves the local account for user-scoped prefixes.
type AccountReader interface {
	Account(ctx context.Context) (int64, string, error)
}

// AttachmentReader looks up attachment metadata. The WebDAV controller
// uses the recorded filename to pick the right member out of snapshot
// archives.
type AttachmentReader interface {
	Attachment(ctx context.Context, lib libid.ID, key string) (*store.Attachment, error)
}

// MonitorStore is the slice of the local store the monitor writes.
type MonitorStore interface {
	MarkAttachmentsStaleByKey(ctx context.Context, key string) error
}

// Compile-time wiring checks.
var (
	_ FileClient             = (*api.Client)(nil)
	_ AccountReader          = (*store.Store)(nil)
	_ AttachmentReader       = (*store.Store)(nil)
	_ MonitorStore           = (*store.Store)(nil)
	_ sync.StorageController = (*ZoteroController)(nil)
	_ sync.StorageController = (*WebDAVController)(nil)
)

// ZoteroController serves attachment content from Zotero File Storage
// through the API file endpoints. The API client carries its own
// credentials and retry policy, so construction cannot fail and there
// is nothing to verify up front.
type ZoteroController struct {
	client FileClient
	store  AccountReader
}

// NewZotero returns a controller backed by the Zotero API.
func NewZotero(client FileClient, store AccountReader) *ZoteroController {
	return &ZoteroController{client: client, store: store}
}

// Mode implements sync.StorageController.
func (c *ZoteroController) Mode() string {
	return config.StorageModeZotero
}

// Download implements sync.StorageController. User-scoped libraries
// need the account row the session controller records before the file
// phase runs.
func (c *ZoteroController) Download(ctx context.Context, lib libid.ID, key string, dst io.Writer) (int64, error) {
	userID, _, err := c.store.Account(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading account: %w", err)
	}

	if userID == 0 && !lib.IsGroup() {
		return 0, errors.New("storage: local account not initialized")
	}

	return c.client.DownloadFile(ctx, lib.Prefix(userID), key, dst)
}
