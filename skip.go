package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/libid"
)

func newSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Manage the library skip list",
		Long: `Exclude libraries from sync.

Skipped libraries keep their local data; sync simply stops updating
them. A running 'sync --watch' process is notified and applies the
change to its next session.`,
	}

	cmd.AddCommand(newSkipAddCmd())
	cmd.AddCommand(newSkipRemoveCmd())
	cmd.AddCommand(newSkipListCmd())

	return cmd
}

func newSkipAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <library>",
		Short: "Add a library to the skip list",
		Long: `Add a library to the skip list. Accepts "user", "publications", or
"group:<id>".`,
		Args: cobra.ExactArgs(1),
		RunE: runSkipAdd,
	}
}

func newSkipRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <library>",
		Short: "Remove a library from the skip list",
		Args:  cobra.ExactArgs(1),
		RunE:  runSkipRemove,
	}
}

func newSkipListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the skip list",
		RunE:  runSkipList,
	}
}

func runSkipAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := libid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid library %q: %w", args[0], err)
	}

	skip := cc.Cfg.Config.Libraries.Skip
	for _, existing := range skip {
		if skipEntryMatches(existing, id) {
			cc.Statusf("%s is already skipped.\n", id)

			return nil
		}
	}

	// Entries are written in canonical form regardless of how the
	// argument was spelled.
	skip = append(skip, id.String())
	sort.Strings(skip)

	if err := config.WriteSkipList(cc.Cfg.ConfigPath, skip); err != nil {
		return fmt.Errorf("updating skip list: %w", err)
	}

	cc.Statusf("Skipping %s. Local data stays; sync will no longer update it.\n", id)
	notifyDaemon(cc.Flags.Quiet, cc.Cfg.PIDPath)

	return nil
}

func runSkipRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := libid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid library %q: %w", args[0], err)
	}

	skip := cc.Cfg.Config.Libraries.Skip
	kept := make([]string, 0, len(skip))
	removed := false

	for _, existing := range skip {
		if skipEntryMatches(existing, id) {
			removed = true

			continue
		}

		kept = append(kept, existing)
	}

	if !removed {
		return fmt.Errorf("%s is not in the skip list", id)
	}

	if err := config.WriteSkipList(cc.Cfg.ConfigPath, kept); err != nil {
		return fmt.Errorf("updating skip list: %w", err)
	}

	cc.Statusf("No longer skipping %s.\n", id)
	notifyDaemon(cc.Flags.Quiet, cc.Cfg.PIDPath)

	return nil
}

// skipEntryMatches reports whether a raw config entry refers to the
// given library, tolerating non-canonical spellings in hand-edited
// config files.
func skipEntryMatches(raw string, id libid.ID) bool {
	if raw == id.String() {
		return true
	}

	parsed, err := libid.Parse(raw)

	return err == nil && parsed == id
}

func runSkipList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	skip := cc.Cfg.Config.Libraries.Skip

	if cc.Flags.JSON {
		out := make([]string, 0, len(skip))
		out = append(out, skip...)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	if len(skip) == 0 {
		cc.Statusf("No libraries are skipped.\n")

		return nil
	}

	for _, entry := range skip {
		fmt.Println(entry)
	}

	return nil
}
