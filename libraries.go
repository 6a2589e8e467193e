package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
)

func newLibrariesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "libraries",
		Short: "List synced libraries",
		Long: `List the libraries in the local database: the personal library,
publications, and any group libraries, with their sync versions.

With --remote, lists the libraries the saved API key can reach on the
server instead — useful before the first sync, or to spot groups that
have not been synced locally yet.`,
		RunE: runLibraries,
	}

	cmd.Flags().Bool("remote", false, "list libraries visible to the API key on the server")

	return cmd
}

func runLibraries(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	remote, err := cmd.Flags().GetBool("remote")
	if err != nil {
		return fmt.Errorf("reading --remote flag: %w", err)
	}

	if remote {
		return runLibrariesRemote(cmd.Context(), cc)
	}

	return runLibrariesLocal(cmd.Context(), cc)
}

// librariesJSONItem is the JSON output schema for one local library.
type librariesJSONItem struct {
	Library         string `json:"library"`
	Name            string `json:"name,omitempty"`
	DataVersion     int64  `json:"data_version"`
	FullTextVersion int64  `json:"full_text_version,omitempty"`
	LastSync        string `json:"last_sync,omitempty"`
}

func runLibrariesLocal(ctx context.Context, cc *CLIContext) error {
	// Open would create an empty database as a side effect, so stat first.
	if _, err := os.Stat(cc.Cfg.DBPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cc.Statusf("No local library database yet. Run 'zotero sync' first.\n")

			return nil
		}

		return fmt.Errorf("checking library database: %w", err)
	}

	st, err := store.Open(cc.Cfg.DBPath, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	libs, err := st.Libraries(ctx)
	if err != nil {
		return err
	}

	names, err := libraryNames(ctx, st)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printLibrariesJSON(libs, names)
	}

	if len(libs) == 0 {
		cc.Statusf("No libraries synced yet. Run 'zotero sync' first.\n")

		return nil
	}

	printLibrariesTable(libs, names)

	return nil
}

// libraryNames maps library IDs to display names: the account username
// for personal libraries, registry names for groups.
func libraryNames(ctx context.Context, st *store.Store) (map[libid.ID]string, error) {
	names := make(map[libid.ID]string)

	_, username, err := st.Account(ctx)
	if err != nil {
		return nil, err
	}

	if username != "" {
		names[libid.User()] = username
		names[libid.Publications()] = username
	}

	groups, err := st.Groups(ctx)
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		id, idErr := libid.Group(g.ID)
		if idErr != nil {
			continue
		}

		names[id] = g.Name
	}

	return names, nil
}

func sortLibraries(libs []store.LibraryStatus) {
	sort.Slice(libs, func(i, j int) bool {
		return libs[i].Library.Compare(libs[j].Library) < 0
	})
}

func printLibrariesJSON(libs []store.LibraryStatus, names map[libid.ID]string) error {
	sortLibraries(libs)

	out := make([]librariesJSONItem, 0, len(libs))

	for i := range libs {
		item := librariesJSONItem{
			Library:         libs[i].Library.String(),
			Name:            names[libs[i].Library],
			DataVersion:     libs[i].DataVersion,
			FullTextVersion: libs[i].FullTextVersion,
		}
		if libs[i].LastSyncedAt > 0 {
			item.LastSync = time.Unix(0, libs[i].LastSyncedAt).Format(time.RFC3339)
		}

		out = append(out, item)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printLibrariesTable(libs []store.LibraryStatus, names map[libid.ID]string) {
	sortLibraries(libs)

	headers := []string{"LIBRARY", "NAME", "VERSION", "LAST SYNC"}
	rows := make([][]string, 0, len(libs))

	for i := range libs {
		rows = append(rows, []string{
			libs[i].Library.String(),
			names[libs[i].Library],
			fmt.Sprintf("%d", libs[i].DataVersion),
			formatWhen(libs[i].LastSyncedAt),
		})
	}

	printTable(os.Stdout, headers, rows)
}

// remoteLibrary is one row of `libraries --remote`.
type remoteLibrary struct {
	Library string `json:"library"`
	Name    string `json:"name,omitempty"`
	Access  string `json:"access"`
}

func runLibrariesRemote(ctx context.Context, cc *CLIContext) error {
	keys, ok, err := credentials(cc.Cfg)
	if err != nil {
		return err
	}

	if !ok {
		return errNotLoggedIn
	}

	client := newAPIClient(cc.Cfg, keys, cc.Logger)

	key, err := client.CurrentKey(ctx)
	if err != nil {
		if errors.Is(err, api.ErrForbidden) {
			return fmt.Errorf("the saved API key was rejected — run 'zotero login' to replace it")
		}

		return fmt.Errorf("verifying API key: %w", err)
	}

	rows := personalRows(key)

	groupIDs, err := remoteGroupIDs(ctx, client, key)
	if err != nil {
		return err
	}

	for _, gid := range groupIDs {
		id, idErr := libid.Group(gid)
		if idErr != nil {
			continue
		}

		row := remoteLibrary{Library: id.String(), Access: groupAccess(&key.Access, gid)}

		// Names come from per-group metadata; a fetch failure leaves
		// the name blank rather than failing the listing.
		if g, gErr := client.Group(ctx, gid); gErr == nil {
			row.Name = g.Name
		}

		rows = append(rows, row)
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if encErr := enc.Encode(rows); encErr != nil {
			return fmt.Errorf("encoding JSON output: %w", encErr)
		}

		return nil
	}

	if len(rows) == 0 {
		cc.Statusf("The API key has no library access.\n")

		return nil
	}

	printRemoteTable(rows)

	return nil
}

func personalRows(key *api.KeyInfo) []remoteLibrary {
	if !key.Access.UserLibrary {
		return nil
	}

	access := "read"
	if key.Access.UserWrite {
		access = "read/write"
	}

	name := key.Username
	if key.DisplayName != "" {
		name = key.DisplayName
	}

	return []remoteLibrary{
		{Library: libid.User().String(), Name: name, Access: access},
		{Library: libid.Publications().String(), Name: name, Access: access},
	}
}

// remoteGroupIDs returns the group IDs the key can reach. All-group
// keys enumerate the user's memberships from the server; per-group
// keys carry their grants inline.
func remoteGroupIDs(ctx context.Context, client *api.Client, key *api.KeyInfo) ([]int64, error) {
	if !key.Access.AllGroups {
		return key.EnumeratedGroups(), nil
	}

	versions, err := client.GroupVersions(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	ids := make([]int64, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

func groupAccess(access *api.KeyAccess, groupID int64) string {
	switch {
	case access.AllGroupsWrite:
		return "read/write"
	case access.AllGroups:
		return "read"
	}

	perm := access.Groups[groupID]
	if perm.Write {
		return "read/write"
	}

	return "read"
}

func printRemoteTable(rows []remoteLibrary) {
	headers := []string{"LIBRARY", "NAME", "ACCESS"}
	cells := make([][]string, 0, len(rows))

	for i := range rows {
		cells = append(cells, []string{rows[i].Library, rows[i].Name, rows[i].Access})
	}

	printTable(os.Stdout, headers, cells)
}
