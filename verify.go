package main

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 is the server's file integrity format
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/store"
)

// errVerifyMismatch signals main to exit nonzero after the report has
// already been printed.
var errVerifyMismatch = errors.New("verification found problems")

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify downloaded attachment files",
		Long: `Re-hash every downloaded attachment file and compare it against the
checksum recorded at download time. Reports files that have gone
missing or were modified outside of sync.

With --repair, bad files are marked stale so the next sync downloads
them again.

Exit code 0 if all files verify; exit code 1 if any problems are found.`,
		RunE: runVerify,
	}

	cmd.Flags().Bool("repair", false, "mark missing or modified files for re-download")

	return cmd
}

// verifyReport is the JSON output schema for the verify command.
type verifyReport struct {
	Checked  int           `json:"checked"`
	OK       int           `json:"ok"`
	Missing  []verifyIssue `json:"missing,omitempty"`
	Modified []verifyIssue `json:"modified,omitempty"`
	Repaired bool          `json:"repaired,omitempty"`
}

type verifyIssue struct {
	Library  string `json:"library"`
	Key      string `json:"key"`
	Path     string `json:"path"`
	Expected string `json:"expected_md5,omitempty"`
	Actual   string `json:"actual_md5,omitempty"`
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	repair, err := cmd.Flags().GetBool("repair")
	if err != nil {
		return fmt.Errorf("reading --repair flag: %w", err)
	}

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

	report, err := auditAttachments(cmd.Context(), cc, st)
	if err != nil {
		return err
	}

	bad := len(report.Missing) + len(report.Modified)

	if repair && bad > 0 {
		if err := repairAttachments(cmd.Context(), st, report); err != nil {
			return err
		}

		report.Repaired = true
	}

	if cc.Flags.JSON {
		if err := printVerifyJSON(report); err != nil {
			return err
		}
	} else {
		printVerifyText(cc, report)
	}

	if bad > 0 {
		return errVerifyMismatch
	}

	return nil
}

// auditAttachments re-hashes every attachment the database records as
// downloaded and classifies each as ok, missing, or modified.
func auditAttachments(ctx context.Context, cc *CLIContext, st *store.Store) (*verifyReport, error) {
	libs, err := st.Libraries(ctx)
	if err != nil {
		return nil, err
	}

	report := &verifyReport{}

	for i := range libs {
		attachments, err := st.Attachments(ctx, libs[i].Library)
		if err != nil {
			return nil, err
		}

		for _, a := range attachments {
			if !a.Downloaded() {
				continue
			}

			report.Checked++

			path := attachmentPath(cc.Cfg.StorageDir, a)

			actual, hashErr := hashAttachment(path)
			if errors.Is(hashErr, fs.ErrNotExist) {
				report.Missing = append(report.Missing, verifyIssue{
					Library:  a.Library.String(),
					Key:      a.Key,
					Path:     path,
					Expected: a.LocalMD5,
				})

				continue
			}

			if hashErr != nil {
				return nil, hashErr
			}

			if actual != a.LocalMD5 {
				report.Modified = append(report.Modified, verifyIssue{
					Library:  a.Library.String(),
					Key:      a.Key,
					Path:     path,
					Expected: a.LocalMD5,
					Actual:   actual,
				})

				continue
			}

			report.OK++
		}
	}

	return report, nil
}

// attachmentPath mirrors the download layout <storage>/<KEY>/<filename>.
// Server filenames are untrusted; the name stays inside the item
// directory.
func attachmentPath(storageDir string, a *store.Attachment) string {
	name := filepath.Base(a.Filename)
	if name == "." || name == "/" || name == "" {
		name = a.Key
	}

	return filepath.Join(storageDir, a.Key, name)
}

// hashAttachment computes the hex MD5 of a file on disk.
func hashAttachment(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err // callers match fs.ErrNotExist
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // md5 is the server's file integrity format
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// repairAttachments marks the bad rows stale so the file phase of the
// next sync downloads them again.
func repairAttachments(ctx context.Context, st *store.Store, report *verifyReport) error {
	for _, issues := range [][]verifyIssue{report.Missing, report.Modified} {
		for _, issue := range issues {
			if err := st.MarkAttachmentsStaleByKey(ctx, issue.Key); err != nil {
				return err
			}
		}
	}

	return nil
}

func printVerifyJSON(report *verifyReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printVerifyText(cc *CLIContext, report *verifyReport) {
	fmt.Printf("Checked: %d files\n", report.Checked)

	bad := len(report.Missing) + len(report.Modified)
	if bad == 0 {
		fmt.Println("All attachment files verified successfully.")

		return
	}

	fmt.Printf("Problems: %d\n\n", bad)

	headers := []string{"PATH", "STATUS", "EXPECTED", "ACTUAL"}
	rows := make([][]string, 0, bad)

	for _, issue := range report.Missing {
		rows = append(rows, []string{issue.Path, "missing", issue.Expected, ""})
	}

	for _, issue := range report.Modified {
		rows = append(rows, []string{issue.Path, "modified", issue.Expected, issue.Actual})
	}

	printTable(os.Stdout, headers, rows)

	if report.Repaired {
		cc.Statusf("Marked for re-download on the next sync.\n")
	} else {
		cc.Statusf("Run 'zotero verify --repair' to re-download them.\n")
	}
}
