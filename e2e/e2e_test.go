//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_RoundTrip walks the whole command surface in order against a
// real account: credentials, remote listing, a full sync, local state
// inspection, and teardown. Subtests share the suite's data directory,
// so they are sequential and order-dependent.
func TestE2E_RoundTrip(t *testing.T) {
	t.Run("login", func(t *testing.T) {
		_, stderr := runCLI(t, "login", apiKey)
		assert.Contains(t, stderr, "Logged in as")
	})

	t.Run("whoami", func(t *testing.T) {
		stdout, _ := runCLI(t, "whoami", "--json")

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Contains(t, out, "username")
		assert.Contains(t, out, "access")

		userID, ok := out["user_id"].(float64)
		require.True(t, ok, "user_id missing from whoami output")
		assert.Equal(t, testUserID, fmt.Sprintf("%.0f", userID))
	})

	t.Run("status before first sync", func(t *testing.T) {
		stdout, _ := runCLI(t, "status")
		assert.Contains(t, stdout, "API key:  set (key file)")
		assert.Contains(t, stdout, "Database: none")
	})

	t.Run("libraries remote", func(t *testing.T) {
		stdout, _ := runCLI(t, "libraries", "--remote")
		assert.Contains(t, stdout, "LIBRARY")
		assert.Contains(t, stdout, "user")
	})

	t.Run("first sync", func(t *testing.T) {
		_, stderr := runCLI(t, "sync")
		assert.Contains(t, stderr, "Synced")
	})

	t.Run("second sync is idempotent", func(t *testing.T) {
		// Nothing changed; the session settles on the recorded versions.
		_, stderr := runCLI(t, "sync")
		assert.Contains(t, stderr, "Synced")
	})

	t.Run("status after sync", func(t *testing.T) {
		stdout, _ := runCLI(t, "status")
		assert.Contains(t, stdout, "last sync")
	})

	t.Run("libraries local", func(t *testing.T) {
		stdout, _ := runCLI(t, "libraries", "--json")

		var libs []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &libs))
		require.NotEmpty(t, libs)

		found := false
		for _, lib := range libs {
			if lib["library"] == "user" {
				found = true
			}
		}
		assert.True(t, found, "personal library missing from local listing")
	})

	t.Run("verify", func(t *testing.T) {
		stdout, _ := runCLI(t, "verify")
		assert.Contains(t, stdout, "Checked:")
	})

	t.Run("config show masks the key", func(t *testing.T) {
		stdout, _ := runCLI(t, "config", "show")
		assert.Contains(t, stdout, "[api]")
		assert.Contains(t, stdout, "[sync]")
		assert.NotContains(t, stdout, apiKey)
	})

	t.Run("skip round trip", func(t *testing.T) {
		_, stderr := runCLI(t, "skip", "add", "publications")
		assert.Contains(t, stderr, "Skipping publications")

		stdout, _ := runCLI(t, "skip", "list")
		assert.Contains(t, stdout, "publications")

		_, stderr = runCLI(t, "skip", "remove", "publications")
		assert.Contains(t, stderr, "No longer skipping")
	})

	t.Run("sync selected library", func(t *testing.T) {
		_, stderr := runCLI(t, "sync", "--libraries", "user")
		assert.Contains(t, stderr, "Synced 1 library")
	})

	t.Run("logout", func(t *testing.T) {
		_, stderr := runCLI(t, "logout")
		assert.Contains(t, stderr, "Logged out")

		// The key is gone; authenticated commands now refuse.
		_, stderr, err := runCLIError(t, "whoami")
		require.Error(t, err)
		assert.Contains(t, stderr, "not logged in")
	})
}

// TestE2E_UsageErrors exercises flag validation without touching the
// network.
func TestE2E_UsageErrors(t *testing.T) {
	t.Run("watch excludes library selection", func(t *testing.T) {
		_, stderr, err := runCLIError(t, "sync", "--watch", "--libraries", "user")
		require.Error(t, err)
		assert.Contains(t, stderr, "none of the others can be")
	})

	t.Run("invalid library selector", func(t *testing.T) {
		_, stderr, err := runCLIError(t, "sync", "--libraries", "shelf:9")
		require.Error(t, err)
		assert.Contains(t, stderr, "invalid --libraries value")
	})
}
