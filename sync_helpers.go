package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/engine"
	"github.com/maxsu/zotero/internal/storage"
	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// Fallback timeouts for when the configured durations fail to parse.
// Configs that went through Resolve are already validated, so these only
// cover hand-built Resolved values.
const (
	fallbackConnectTimeout = 10 * time.Second
	fallbackDataTimeout    = 60 * time.Second
)

// newHTTPClient builds the HTTP client the API and storage backends
// share: connect timeout on the dialer, an overall data timeout on the
// client, and optional HTTP/1.1 pinning for middleboxes that mangle
// HTTP/2.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	connect := fallbackConnectTimeout
	if d, err := time.ParseDuration(cfg.Config.Network.ConnectTimeout); err == nil && d > 0 {
		connect = d
	}

	data := fallbackDataTimeout
	if d, err := time.ParseDuration(cfg.Config.Network.DataTimeout); err == nil && d > 0 {
		data = d
	}

	transport := &http.Transport{
		DialContext:       (&net.Dialer{Timeout: connect}).DialContext,
		ForceAttemptHTTP2: true,
	}

	if cfg.Config.Network.ForceHTTP11 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return &http.Client{Transport: transport, Timeout: data}
}

// newAPIClient builds the Zotero API client from resolved config.
func newAPIClient(cfg *config.Resolved, keys api.KeySource, logger *slog.Logger) *api.Client {
	return api.NewClient(cfg.Config.API.BaseURL, newHTTPClient(cfg), keys, logger, cfg.Config.Network.UserAgent)
}

// SyncSession holds the assembled session controller together with the
// collaborators the commands manage directly: the store handle to close
// and the config holder watch mode refreshes on SIGHUP.
type SyncSession struct {
	Controller *sync.Controller
	Store      *store.Store
	Holder     *config.Holder
}

// Close releases the library database handle.
func (s *SyncSession) Close() error {
	return s.Store.Close()
}

// newSyncSession opens the library database and wires the session
// controller: API client, per-library engine factories, and the storage
// controller factory behind the registry. The webdav arm reads the
// holder rather than the captured config so a reload plus registry
// invalidation picks up new credentials without a restart.
func newSyncSession(cc *CLIContext, keys api.KeySource, prompter sync.Prompter, notifier sync.Notifier) (*SyncSession, error) {
	st, err := store.Open(cc.Cfg.DBPath, cc.Logger)
	if err != nil {
		return nil, err
	}

	apiClient := newAPIClient(cc.Cfg, keys, cc.Logger)

	engines, err := engine.New(engine.Config{
		Logger: cc.Logger,
		API:    apiClient,
		Store:  st,
		Cfg:    cc.Cfg,
	})
	if err != nil {
		st.Close()

		return nil, err
	}

	holder := config.NewHolder(cc.Cfg)
	davClient := newHTTPClient(cc.Cfg)

	factory := func(mode string) (sync.StorageController, error) {
		switch mode {
		case config.StorageModeZotero:
			return storage.NewZotero(apiClient, st), nil
		case config.StorageModeWebDAV:
			return storage.NewWebDAV(holder.Resolved(), st, davClient, cc.Logger)
		default:
			return nil, fmt.Errorf("unknown storage mode %q", mode)
		}
	}

	ctrl, err := sync.NewController(sync.ControllerConfig{
		Logger:      cc.Logger,
		Cfg:         cc.Cfg,
		API:         apiClient,
		Store:       st,
		Keys:        keys,
		Prompter:    prompter,
		Notifier:    notifier,
		Controllers: factory,
		Data:        engines.Data,
		File:        engines.File,
		FullText:    engines.FullText,
	})
	if err != nil {
		st.Close()

		return nil, err
	}

	return &SyncSession{Controller: ctrl, Store: st, Holder: holder}, nil
}

// cliNotifier renders session lifecycle events as status lines.
type cliNotifier struct {
	cc *CLIContext
}

// SyncStarted implements sync.Notifier.
func (n *cliNotifier) SyncStarted(background bool) {
	if background {
		n.cc.Statusf("Background sync started.\n")

		return
	}

	n.cc.Statusf("Syncing...\n")
}

// SyncBlocked implements sync.Notifier.
func (n *cliNotifier) SyncBlocked(reason string) {
	n.cc.Statusf("Sync blocked: %s\n", reason)
}

// SyncFinished implements sync.Notifier.
func (n *cliNotifier) SyncFinished(r *sync.Report) {
	libs := pluralize(len(r.Synced), "library", "libraries")
	elapsed := r.Duration.Round(100 * time.Millisecond)

	if len(r.Errors) > 0 {
		n.cc.Statusf("Synced %s in %s — %s.\n", libs, elapsed, pluralize(len(r.Errors), "error", "errors"))

		return
	}

	n.cc.Statusf("Synced %s in %s.\n", libs, elapsed)
}

// pluralize formats a count with its unit, e.g. "1 library", "3 libraries".
func pluralize(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}

	return fmt.Sprintf("%d %s", n, many)
}

// printSyncErrors renders the session's classified errors to stderr.
// Fixes the controller already offered stay attached as labels, so the
// user knows what would clear a recurring failure.
func printSyncErrors(errs []*sync.SyncError) {
	for _, se := range errs {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", se.Type, se.Error())

		if se.Remediation != nil {
			fmt.Fprintf(os.Stderr, "  fix: %s\n", se.Remediation.Label)
		}
	}
}
