package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	stdsync "sync"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
)

// propfindBody asks for the bare minimum; the probe only cares about
// the response status.
const propfindBody = `<?xml version="1.0" encoding="utf-8"?><propfind xmlns="DAV:"><prop><resourcetype/></prop></propfind>`

// zoteroDirName is the collection under the configured URL where the
// desktop client keeps its archives. Configured URLs name the parent.
const zoteroDirName = "zotero"

// WebDAVController serves attachment content from a user-provided
// WebDAV server. Each attachment lives as a <KEY>.zip archive inside
// the zotero directory; downloads fetch the archive and stream the
// contained file out. The endpoint is probed once, on the first
// download, so constructing the controller never touches the network.
type WebDAVController struct {
	logger     *slog.Logger
	base       string // zotero directory URL without trailing slash
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
	store      AttachmentReader

	// mu guards verified. The lock holds concurrent first downloads
	// until one probe settles the answer; failures leave verification
	// pending so a later download retries.
	mu       stdsync.Mutex
	verified bool
}

// NewWebDAV returns a controller for the WebDAV endpoint named in the
// configuration. A nil httpClient falls back to http.DefaultClient.
func NewWebDAV(cfg *config.Resolved, store AttachmentReader, httpClient *http.Client, logger *slog.Logger) (*WebDAVController, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	raw := strings.TrimSpace(cfg.Config.Storage.WebDAVURL)
	if raw == "" {
		return nil, errors.New("storage: webdav_url is not configured")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: parsing webdav_url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("storage: webdav_url must use http or https, got %q", u.Scheme)
	}

	return &WebDAVController{
		logger:     logger,
		base:       strings.TrimRight(u.String(), "/") + "/" + zoteroDirName,
		username:   cfg.Config.Storage.WebDAVUsername,
		password:   cfg.Config.Storage.WebDAVPassword,
		userAgent:  cfg.Config.Network.UserAgent,
		httpClient: httpClient,
		store:      store,
	}, nil
}

// Mode implements sync.StorageController.
func (c *WebDAVController) Mode() string {
	return config.StorageModeWebDAV
}

// Download implements sync.StorageController.
func (c *WebDAVController) Download(ctx context.Context, lib libid.ID, key string, dst io.Writer) (int64, error) {
	if err := c.verify(ctx); err != nil {
		return 0, err
	}

	c.logger.Info("downloading attachment archive",
		slog.String("library", lib.String()),
		slog.String("key", key),
	)

	f, size, err := c.fetchArchive(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return 0, fmt.Errorf("storage: opening webdav archive for %s: %w", key, err)
	}

	entry, err := c.pickEntry(ctx, zr.File, lib, key)
	if err != nil {
		return 0, err
	}

	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("storage: opening archive member %s: %w", entry.Name, err)
	}
	defer rc.Close()

	n, err := io.Copy(dst, rc)
	if err != nil {
		return n, fmt.Errorf("storage: extracting %s: %w", key, err)
	}

	c.logger.Debug("archive extracted",
		slog.String("key", key),
		slog.Int64("bytes_written", n),
	)

	return n, nil
}

// verify probes the zotero directory before the first download. The
// desktop client performs the same check so misconfigured servers fail
// with one clear error instead of a string of missing archives.
func (c *WebDAVController) verify(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verified {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.base+"/", strings.NewReader(propfindBody))
	if err != nil {
		return fmt.Errorf("storage: creating webdav probe: %w", err)
	}

	req.Header.Set("Depth", "0")
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage: webdav probe: %w", err)
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body) //nolint:errcheck // probe body is irrelevant

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		// 207 Multi-Status lands here too.
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("storage: webdav credentials rejected: %w", api.ErrForbidden)
	case resp.StatusCode == http.StatusNotFound:
		return errors.New("storage: webdav server has no zotero directory")
	default:
		return fmt.Errorf("storage: webdav probe: HTTP %d", resp.StatusCode)
	}

	c.verified = true
	c.logger.Debug("webdav endpoint verified", slog.String("url", c.base))

	return nil
}

// fetchArchive downloads <KEY>.zip to a spool file. archive/zip needs
// random access, so the body cannot stream straight to the caller.
func (c *WebDAVController) fetchArchive(ctx context.Context, key string) (*os.File, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+key+".zip", http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: creating webdav request: %w", err)
	}

	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: webdav request for %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining failed response
		return nil, 0, webdavStatusError("archive "+key+".zip", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "zotero-webdav-*")
	if err != nil {
		return nil, 0, fmt.Errorf("storage: creating archive spool: %w", err)
	}

	size, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(f.Name())

		return nil, 0, fmt.Errorf("storage: spooling webdav archive %s: %w", key, err)
	}

	return f, size, nil
}

// pickEntry chooses which archive member holds the attachment content.
// Single-file archives are unambiguous; snapshot archives hold several
// files, so the recorded filename selects among them. Older uploads
// percent-encode member names.
func (c *WebDAVController) pickEntry(ctx context.Context, files []*zip.File, lib libid.ID, key string) (*zip.File, error) {
	var want string

	if c.store != nil {
		a, err := c.store.Attachment(ctx, lib, key)
		if err != nil {
			return nil, fmt.Errorf("storage: reading attachment record: %w", err)
		}

		if a != nil {
			want = a.Filename
		}
	}

	var first *zip.File

	var regular int

	for _, zf := range files {
		if zf.FileInfo().IsDir() {
			continue
		}

		regular++

		if first == nil {
			first = zf
		}

		if want == "" {
			continue
		}

		name := path.Base(zf.Name)
		if name == want {
			return zf, nil
		}

		if decoded, err := url.PathUnescape(name); err == nil && decoded == want {
			return zf, nil
		}
	}

	if regular == 1 {
		return first, nil
	}

	if regular == 0 {
		return nil, fmt.Errorf("storage: webdav archive for %s is empty: %w", key, api.ErrNotFound)
	}

	return nil, fmt.Errorf("storage: webdav archive for %s has no member named %q: %w", key, want, api.ErrNotFound)
}

// authorize applies basic auth and the configured user agent.
func (c *WebDAVController) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// webdavStatusError maps a WebDAV response status onto the API error
// vocabulary so the file engine classifies backend failures the same
// way in both modes.
func webdavStatusError(what string, code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("storage: webdav %s: HTTP %d: %w", what, code, api.ErrForbidden)
	case code == http.StatusNotFound:
		return fmt.Errorf("storage: webdav %s: HTTP %d: %w", what, code, api.ErrNotFound)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("storage: webdav %s: HTTP %d: %w", what, code, api.ErrThrottled)
	case code >= http.StatusInternalServerError:
		return fmt.Errorf("storage: webdav %s: HTTP %d: %w", what, code, api.ErrServerError)
	default:
		return fmt.Errorf("storage: webdav %s: HTTP %d", what, code)
	}
}
