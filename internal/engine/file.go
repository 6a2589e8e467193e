package engine

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 is the server's file integrity format
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// errRemoteFileChanged flags a download whose bytes no longer match the
// item's recorded md5: the library data is stale, not the transfer.
var errRemoteFileChanged = errors.New("engine: remote file changed")

// errAttachmentTooLarge aborts a download that crossed the configured
// size cap.
var errAttachmentTooLarge = errors.New("engine: attachment exceeds size cap")

// fileEngine downloads attachment files whose local copy is missing,
// stale, or out of date with the server's md5.
type fileEngine struct {
	f    *Factory
	lib  libid.ID
	gate *sync.Gate
	ctrl sync.StorageController
}

func (e *fileEngine) Start(ctx context.Context) (sync.FileOutcome, error) {
	var out sync.FileOutcome

	if e.f.cfg.Config.Storage.Download == config.DownloadAsNeeded {
		e.f.logger.Debug("as-needed download mode, skipping file sync",
			slog.String("library", e.lib.String()))

		return out, nil
	}

	attachments, err := e.f.store.Attachments(ctx, e.lib)
	if err != nil {
		return out, err
	}

	var pending []*store.Attachment

	for _, a := range attachments {
		switch {
		case a.RemoteMD5 == "":
			// No file uploaded for this attachment yet.
		case e.f.maxSize > 0 && a.Size > e.f.maxSize:
			e.f.logger.Debug("attachment exceeds size cap, skipped",
				slog.String("library", e.lib.String()), slog.String("key", a.Key))
		case a.Downloaded():
		default:
			pending = append(pending, a)
		}
	}

	if len(pending) == 0 {
		return out, nil
	}

	e.f.logger.Info("downloading attachment files",
		slog.String("library", e.lib.String()),
		slog.String("mode", e.ctrl.Mode()),
		slog.Int("count", len(pending)))

	var syncRequired, fileSyncRequired atomic.Bool

	eg, ctx := errgroup.WithContext(ctx)

	for _, a := range pending {
		eg.Go(func() error {
			err := e.gate.Run(ctx, func(ctx context.Context) error {
				return e.download(ctx, a)
			})

			switch {
			case err == nil:
				return nil
			case errors.Is(err, errRemoteFileChanged),
				errors.Is(err, api.ErrNotFound),
				errors.Is(err, api.ErrNoFileLocation):
				// The item metadata no longer matches the stored file;
				// only a fresh data pass can refresh it.
				syncRequired.Store(true)

				return nil
			case errors.Is(err, errAttachmentTooLarge):
				e.f.logger.Info("attachment exceeds size cap, skipped",
					slog.String("library", e.lib.String()), slog.String("key", a.Key))

				return nil
			case errors.Is(err, api.ErrThrottled), errors.Is(err, api.ErrServerError):
				// Transient backend trouble; repeat the file pass.
				fileSyncRequired.Store(true)

				return nil
			default:
				return err
			}
		})
	}

	if err := eg.Wait(); err != nil {
		return out, err
	}

	out.SyncRequired = syncRequired.Load()
	out.FileSyncRequired = fileSyncRequired.Load()

	return out, nil
}

// download streams one attachment into the storage layout
// <storage>/<KEY>/<filename>: write to .partial, verify the md5,
// atomic rename, record the local hash.
func (e *fileEngine) download(ctx context.Context, a *store.Attachment) error {
	dir := filepath.Join(e.f.cfg.StorageDir, a.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:mnd // standard dir perms
		return fmt.Errorf("creating attachment dir: %w", err)
	}

	// Server filenames are untrusted; keep the target inside the item
	// directory.
	name := filepath.Base(a.Filename)
	if name == "." || name == "/" || name == "" {
		name = a.Key
	}

	targetPath := filepath.Join(dir, name)
	partialPath := targetPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return fmt.Errorf("creating partial file: %w", err)
	}

	hash := md5.New() //nolint:gosec // md5 is the server's file integrity format
	w := io.Writer(io.MultiWriter(f, hash))

	if e.f.maxSize > 0 {
		w = &limitWriter{w: w, remaining: e.f.maxSize}
	}

	size, err := e.ctrl.Download(ctx, e.lib, a.Key, w)
	if err != nil {
		f.Close()
		os.Remove(partialPath)

		return fmt.Errorf("downloading %s: %w", a.Key, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(partialPath)

		return fmt.Errorf("closing partial file: %w", err)
	}

	localMD5 := hex.EncodeToString(hash.Sum(nil))

	if localMD5 != a.RemoteMD5 {
		os.Remove(partialPath)

		return errRemoteFileChanged
	}

	if a.RemoteMtime != 0 {
		mtime := time.UnixMilli(a.RemoteMtime)
		if err := os.Chtimes(partialPath, mtime, mtime); err != nil {
			e.f.logger.Warn("setting attachment mtime",
				slog.String("key", a.Key), slog.String("error", err.Error()))
		}
	}

	// Atomic rename: .partial -> target.
	if err := os.Rename(partialPath, targetPath); err != nil {
		return fmt.Errorf("renaming partial file: %w", err)
	}

	if err := e.f.store.MarkAttachmentSynced(ctx, e.lib, a.Key, localMD5); err != nil {
		return err
	}

	e.f.logger.Debug("attachment download complete",
		slog.String("library", e.lib.String()), slog.String("key", a.Key),
		slog.String("file", name), slog.Int64("size", size))

	return nil
}

// limitWriter fails the write that would push total bytes past the cap.
type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > lw.remaining {
		return 0, errAttachmentTooLarge
	}

	n, err := lw.w.Write(p)
	lw.remaining -= int64(n)

	return n, err
}
