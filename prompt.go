package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// tagPreviewLen caps how much of an oversized tag the prompt shows.
const tagPreviewLen = 60

// terminalPrompter answers mid-session questions on the controlling
// terminal. When stdin is not a terminal every prompt takes the same
// default a background session would: proceed on an empty library
// (re-downloading is safe), refuse an account switch, keep missing
// groups, defer permission losses.
type terminalPrompter struct {
	cc *CLIContext
	in *bufio.Reader
}

var _ sync.Prompter = (*terminalPrompter)(nil)

func newTerminalPrompter(cc *CLIContext) *terminalPrompter {
	return &terminalPrompter{cc: cc, in: bufio.NewReader(os.Stdin)}
}

func (p *terminalPrompter) interactive() bool {
	return isatty.IsTerminal(os.Stdin.Fd())
}

// ask prints a yes/no question on stderr and reads one line. Prompts
// must always be visible — not suppressed by --quiet.
func (p *terminalPrompter) ask(ctx context.Context, question string, def bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return def, err
	}

	if !p.interactive() {
		return def, nil
	}

	suffix := "[y/N]"
	if def {
		suffix = "[Y/n]"
	}

	fmt.Fprintf(os.Stderr, "%s %s ", question, suffix)

	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return def, fmt.Errorf("reading answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return def, nil
	}
}

func (p *terminalPrompter) ConfirmEmptyLibrary(ctx context.Context) (bool, error) {
	return p.ask(ctx,
		"The local database recorded a finished sync but the personal library is empty.\n"+
			"Continue and re-download everything?", true)
}

func (p *terminalPrompter) ConfirmIdentityChange(ctx context.Context, previous, current string) (bool, error) {
	return p.ask(ctx, fmt.Sprintf(
		"This database was synced as %q but the API key belongs to %q.\n"+
			"Sync the new account into the same database?", previous, current), false)
}

func (p *terminalPrompter) ResolveMissingGroup(ctx context.Context, g *store.GroupRecord) (sync.Decision, error) {
	if err := ctx.Err(); err != nil {
		return sync.DecisionKeep, err
	}

	if !p.interactive() {
		return sync.DecisionKeep, nil
	}

	fmt.Fprintf(os.Stderr, "Group %q (%d) is no longer accessible on the server.\n", g.Name, g.ID)
	fmt.Fprint(os.Stderr, "[k]eep the local copy, [r]emove it, or [c]ancel this sync? [K/r/c] ")

	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return sync.DecisionKeep, fmt.Errorf("reading answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "r", "remove":
		return sync.DecisionRemove, nil
	case "c", "cancel":
		return sync.DecisionCancel, nil
	default:
		return sync.DecisionKeep, nil
	}
}

func (p *terminalPrompter) ConfirmPermissionChange(ctx context.Context, change sync.PermissionChange) (bool, error) {
	lost := "Write access"

	switch {
	case change.LostWrite && change.LostFileWrite:
		lost = "Write and file access"
	case change.LostFileWrite:
		lost = "File write access"
	}

	return p.ask(ctx, fmt.Sprintf(
		"%s to group %q was revoked on the server.\nKeep syncing the group anyway?",
		lost, change.Group.Name), false)
}

// FixOversizedTag points at the web library; this client cannot rewrite
// the tag itself. Answering yes restarts the session to pick up the
// shortened tag.
func (p *terminalPrompter) FixOversizedTag(ctx context.Context, tag string) (bool, error) {
	preview := []rune(tag)
	if len(preview) > tagPreviewLen {
		preview = append(preview[:tagPreviewLen], []rune("...")...)
	}

	return p.ask(ctx, fmt.Sprintf(
		"The server rejected an oversized tag: %q\n"+
			"Shorten it in the Zotero web library, then answer yes to retry.", string(preview)), false)
}

// FixCredentials replaces a rejected API key in place. The session's
// key source re-reads the key file, so a successful save takes effect
// on the restarted session without touching the running process.
func (p *terminalPrompter) FixCredentials(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !p.interactive() {
		return false, nil
	}

	if p.cc.Cfg.APIKey != "" {
		fmt.Fprintln(os.Stderr, "The API key comes from ZOTERO_API_KEY; update the variable and re-run.")

		return false, nil
	}

	fmt.Fprintf(os.Stderr, "The saved API key was rejected. Create a new one at %s\n", keyCreateURL)
	fmt.Fprint(os.Stderr, "New API key: ")

	key, err := readKeyLine(p.in)
	if err != nil {
		return false, err
	}

	info, err := verifyAndSaveKey(ctx, p.cc, key)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(os.Stderr, "Logged in as %s (user ID %d).\n", info.Username, info.UserID)

	return true, nil
}
