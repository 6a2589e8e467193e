package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/sync"
)

// errSyncIncomplete makes `sync` exit nonzero after the error report has
// already been printed.
var errSyncIncomplete = errors.New("sync finished with errors")

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize libraries from Zotero",
		Long: `Run one sync session: item data, attachment files, and full-text
content for every library the API key grants access to.

With --watch the process stays in the foreground and keeps the local
copy current. Server push events, a recurring timer, and local storage
changes each trigger follow-up sessions; SIGHUP reloads the config.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep running and sync continuously")
	cmd.Flags().StringSlice("libraries", nil, "restrict the session to these libraries (user, publications, group:N)")
	cmd.Flags().Bool("stop-on-error", false, "abort remaining work at the first recorded error")
	cmd.Flags().Bool("full-text", true, "sync full-text content after item data")

	// Watch sessions run unattended and always cover every library.
	cmd.MarkFlagsMutuallyExclusive("watch", "libraries")
	cmd.MarkFlagsMutuallyExclusive("watch", "stop-on-error")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	stopOnError, err := cmd.Flags().GetBool("stop-on-error")
	if err != nil {
		return err
	}

	rawLibs, err := cmd.Flags().GetStringSlice("libraries")
	if err != nil {
		return err
	}

	libs, err := parseLibrarySelector(rawLibs)
	if err != nil {
		return err
	}

	// --full-text overrides the config toggle for this invocation. Apply
	// it before the controller is built; the full-text phase reads it.
	if cmd.Flags().Changed("full-text") {
		fullText, ftErr := cmd.Flags().GetBool("full-text")
		if ftErr != nil {
			return ftErr
		}

		cc.Cfg.Config.Sync.Fulltext = fullText
	}

	keys, ok, err := credentials(cc.Cfg)
	if err != nil {
		return err
	}

	if !ok {
		return errNotLoggedIn
	}

	if watch {
		return runWatch(cmd, cc, keys)
	}

	return runOneShot(cmd, cc, keys, sync.Options{Libraries: libs, StopOnError: stopOnError})
}

// runOneShot runs a single interactive session and reports its errors.
func runOneShot(cmd *cobra.Command, cc *CLIContext, keys api.KeySource, opts sync.Options) error {
	ctx, cancel := shutdownContext(cmd.Context(), cc.Logger)
	defer cancel()

	sess, err := newSyncSession(cc, keys, newTerminalPrompter(cc), &cliNotifier{cc: cc})
	if err != nil {
		return err
	}
	defer sess.Close()

	ok := sess.Controller.Sync(ctx, opts)

	if errs := sess.Controller.Errors(); len(errs) > 0 {
		printSyncErrors(errs)
	}

	if !ok {
		return errSyncIncomplete
	}

	return nil
}

// parseLibrarySelector parses and canonicalizes --libraries values.
func parseLibrarySelector(raw []string) ([]libid.ID, error) {
	libs := make([]libid.ID, 0, len(raw))

	for _, s := range raw {
		id, err := libid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --libraries value %q: %w", s, err)
		}

		libs = append(libs, id)
	}

	if len(libs) == 0 {
		return nil, nil
	}

	return libs, nil
}
