package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/keyfile"
)

// keyCreateURL is where users mint a new Zotero API key.
const keyCreateURL = "https://www.zotero.org/settings/keys/new"

// errNotLoggedIn is returned by commands that need an API key when none is
// configured via key file or ZOTERO_API_KEY.
var errNotLoggedIn = errors.New("not logged in — run 'zotero login' first")

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [api-key]",
		Short: "Verify and save a Zotero API key",
		Long: `Verifies an API key against the Zotero API and saves it to the key file.

The key can be passed as an argument or entered at the prompt. Create one
at ` + keyCreateURL + ` with library read access;
add file access to sync attachment files.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved API key",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the account and permissions behind the API key",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	key, err := obtainKey(args)
	if err != nil {
		return err
	}

	cc.Logger.Info("login started")

	info, err := verifyAndSaveKey(cmd.Context(), cc, key)
	if err != nil {
		return err
	}

	// First login is the natural moment to drop the commented config
	// template. Failure here is not worth failing the login over.
	if err := config.EnsureConfig(cc.Cfg.ConfigPath); err != nil {
		cc.Logger.Warn("could not write config template", "error", err)
	}

	cc.Logger.Info("login successful", "user_id", info.UserID, "username", info.Username)
	cc.Statusf("Logged in as %s (user ID %d).\n", info.Username, info.UserID)

	if !info.Access.UserLibrary {
		cc.Statusf("Warning: key has no personal library access; only group libraries will sync.\n")
	}

	if info.Access.UserLibrary && !info.Access.UserFiles {
		cc.Statusf("Warning: key has no file access; attachment files will not download.\n")
	}

	return nil
}

// verifyAndSaveKey checks a key against the API and writes it to the
// key file with the account metadata the status command reads back.
func verifyAndSaveKey(ctx context.Context, cc *CLIContext, key string) (*api.KeyInfo, error) {
	client := newAPIClient(cc.Cfg, api.StaticKey(key), cc.Logger)

	info, err := client.CurrentKey(ctx)
	if err != nil {
		if errors.Is(err, api.ErrForbidden) {
			return nil, fmt.Errorf("the API key was rejected — create a new one at %s", keyCreateURL)
		}

		return nil, fmt.Errorf("verifying API key: %w", err)
	}

	meta := map[string]string{
		"user_id":  strconv.FormatInt(info.UserID, 10),
		"username": info.Username,
	}
	if info.DisplayName != "" {
		meta["display_name"] = info.DisplayName
	}

	if err := keyfile.Save(cc.Cfg.KeyPath, key, meta); err != nil {
		return nil, err
	}

	return info, nil
}

// obtainKey returns the API key from the command argument or from stdin.
// On a terminal the read is preceded by a prompt; piped input still works.
func obtainKey(args []string) (string, error) {
	if len(args) == 1 {
		key := strings.TrimSpace(args[0])
		if key == "" {
			return "", errors.New("empty API key")
		}

		return key, nil
	}

	if isatty.IsTerminal(os.Stdin.Fd()) {
		// Prompts must always be visible — not suppressed by --quiet.
		fmt.Fprintf(os.Stderr, "Create an API key at %s\n", keyCreateURL)
		fmt.Fprintf(os.Stderr, "API key: ")
	}

	return readKeyLine(os.Stdin)
}

// readKeyLine reads a single line and trims it. EOF without a newline is
// fine, so `echo -n $KEY | zotero login` works.
func readKeyLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading API key: %w", err)
	}

	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no API key entered")
	}

	return key, nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	cc.Logger.Info("logout", "key_file", cc.Cfg.KeyPath)

	if err := keyfile.Remove(cc.Cfg.KeyPath); err != nil {
		return err
	}

	cc.Statusf("Logged out. The local library database is untouched.\n")

	return nil
}

// credentials returns the configured key source. The bool reports whether
// any credentials exist at all; ZOTERO_API_KEY takes precedence over the
// key file.
func credentials(cfg *config.Resolved) (api.KeySource, bool, error) {
	if cfg.APIKey != "" {
		return api.StaticKey(cfg.APIKey), true, nil
	}

	key, _, err := keyfile.Load(cfg.KeyPath)
	if err != nil {
		return nil, false, err
	}

	if key == "" {
		return nil, false, nil
	}

	return &fileKeySource{path: cfg.KeyPath}, true, nil
}

// fileKeySource reads the key file on every call so a re-login during a
// long-running watch is picked up without a restart.
type fileKeySource struct {
	path string
}

func (s *fileKeySource) Key() (string, error) {
	key, _, err := keyfile.Load(s.path)
	if err != nil {
		return "", err
	}

	if key == "" {
		return "", errNotLoggedIn
	}

	return key, nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	UserID      int64         `json:"user_id"`
	Username    string        `json:"username"`
	DisplayName string        `json:"display_name,omitempty"`
	Access      whoamiAccess  `json:"access"`
	Groups      []whoamiGroup `json:"groups,omitempty"`
}

type whoamiAccess struct {
	Library   bool `json:"library"`
	Files     bool `json:"files"`
	Notes     bool `json:"notes"`
	Write     bool `json:"write"`
	AllGroups bool `json:"all_groups"`
}

type whoamiGroup struct {
	ID      int64 `json:"id"`
	Library bool  `json:"library"`
	Write   bool  `json:"write"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	keys, ok, err := credentials(cc.Cfg)
	if err != nil {
		return err
	}

	if !ok {
		return errNotLoggedIn
	}

	client := newAPIClient(cc.Cfg, keys, cc.Logger)

	info, err := client.CurrentKey(ctx)
	if err != nil {
		if errors.Is(err, api.ErrForbidden) {
			return fmt.Errorf("the saved API key was rejected — run 'zotero login' to replace it")
		}

		return fmt.Errorf("checking API key: %w", err)
	}

	if cc.Flags.JSON {
		return printWhoamiJSON(info)
	}

	printWhoamiText(info)

	return nil
}

func printWhoamiJSON(info *api.KeyInfo) error {
	out := whoamiOutput{
		UserID:      info.UserID,
		Username:    info.Username,
		DisplayName: info.DisplayName,
		Access: whoamiAccess{
			Library:   info.Access.UserLibrary,
			Files:     info.Access.UserFiles,
			Notes:     info.Access.UserNotes,
			Write:     info.Access.UserWrite,
			AllGroups: info.Access.AllGroups,
		},
	}

	for _, id := range info.EnumeratedGroups() {
		perm := info.Access.Groups[id]
		out.Groups = append(out.Groups, whoamiGroup{ID: id, Library: perm.Library, Write: perm.Write})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printWhoamiText(info *api.KeyInfo) {
	name := info.Username
	if info.DisplayName != "" && info.DisplayName != info.Username {
		name = fmt.Sprintf("%s (%s)", info.DisplayName, info.Username)
	}

	fmt.Printf("User:    %s\n", name)
	fmt.Printf("User ID: %d\n", info.UserID)
	fmt.Printf("Access:  %s\n", describeUserAccess(info))
	fmt.Printf("Groups:  %s\n", describeGroupAccess(info))
}

// describeUserAccess summarizes the personal-library grants, e.g.
// "library, files, notes".
func describeUserAccess(info *api.KeyInfo) string {
	var parts []string

	if info.Access.UserLibrary {
		parts = append(parts, "library")
	}

	if info.Access.UserFiles {
		parts = append(parts, "files")
	}

	if info.Access.UserNotes {
		parts = append(parts, "notes")
	}

	if info.Access.UserWrite {
		parts = append(parts, "write")
	}

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, ", ")
}

// describeGroupAccess summarizes the group grants.
func describeGroupAccess(info *api.KeyInfo) string {
	if info.Access.AllGroups {
		if info.Access.AllGroupsWrite {
			return "all groups (read/write)"
		}

		return "all groups"
	}

	ids := info.EnumeratedGroups()
	if len(ids) == 0 {
		return "none"
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	return strings.Join(parts, ", ")
}
