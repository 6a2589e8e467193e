package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/maxsu/zotero/internal/libid"
)

// allGroupsKey is the wildcard entry in the key's group access map.
const allGroupsKey = "all"

// keyInfoResponse mirrors the /keys/current JSON structure.
// Unexported — callers receive normalized KeyInfo values.
type keyInfoResponse struct {
	Key         string `json:"key"`
	UserID      int64  `json:"userID"`      //nolint:tagliatelle // dataserver key
	Username    string `json:"username"`
	DisplayName string `json:"displayName"` //nolint:tagliatelle // dataserver key
	Access      struct {
		User struct {
			Library bool `json:"library"`
			Files   bool `json:"files"`
			Notes   bool `json:"notes"`
			Write   bool `json:"write"`
		} `json:"user"`
		Groups map[string]struct {
			Library bool `json:"library"`
			Write   bool `json:"write"`
		} `json:"groups"`
	} `json:"access"`
}

// GroupPerm is the permission pair a key carries for one group.
type GroupPerm struct {
	Library bool
	Write   bool
}

// KeyAccess is the normalized access section of a key.
type KeyAccess struct {
	UserLibrary bool // personal library readable
	UserFiles   bool // personal attachment files readable
	UserNotes   bool
	UserWrite   bool

	AllGroups      bool // wildcard grant: every group the user belongs to
	AllGroupsWrite bool
	Groups         map[int64]GroupPerm // enumerated per-group grants
}

// KeyInfo describes the account and permissions behind an API key,
// normalized from /keys/current.
type KeyInfo struct {
	UserID      int64
	Username    string
	DisplayName string
	Access      KeyAccess
}

// toKeyInfo normalizes the wire response. Group map keys are either the
// wildcard "all" or a numeric group ID; anything else is logged and
// skipped rather than failing the whole key check.
func (r *keyInfoResponse) toKeyInfo(logger *slog.Logger) *KeyInfo {
	info := &KeyInfo{
		UserID:      r.UserID,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		Access: KeyAccess{
			UserLibrary: r.Access.User.Library,
			UserFiles:   r.Access.User.Files,
			UserNotes:   r.Access.User.Notes,
			UserWrite:   r.Access.User.Write,
			Groups:      make(map[int64]GroupPerm),
		},
	}

	for rawID, perm := range r.Access.Groups {
		if rawID == allGroupsKey {
			info.Access.AllGroups = perm.Library
			info.Access.AllGroupsWrite = perm.Write

			continue
		}

		groupID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || groupID <= 0 {
			logger.Warn("skipping unparseable group grant",
				slog.String("group", rawID),
			)

			continue
		}

		info.Access.Groups[groupID] = GroupPerm{Library: perm.Library, Write: perm.Write}
	}

	return info
}

// CanRead reports whether the key grants read access to the given
// library. The publications library rides the personal library grant.
func (k *KeyInfo) CanRead(lib libid.ID) bool {
	switch {
	case lib.IsUser(), lib.IsPublications():
		return k.Access.UserLibrary
	case lib.IsGroup():
		if k.Access.AllGroups {
			return true
		}

		return k.Access.Groups[lib.GroupID()].Library
	default:
		return false
	}
}

// CanDownloadFiles reports whether the key grants attachment file access
// for the given library. Group grants carry no separate files flag;
// library access implies file access there.
func (k *KeyInfo) CanDownloadFiles(lib libid.ID) bool {
	switch {
	case lib.IsUser(), lib.IsPublications():
		return k.Access.UserFiles
	case lib.IsGroup():
		return k.CanRead(lib)
	default:
		return false
	}
}

// HasGroupAccess reports whether the key grants access to any group at
// all, via the wildcard or an enumerated grant.
func (k *KeyInfo) HasGroupAccess() bool {
	return k.Access.AllGroups || len(k.Access.Groups) > 0
}

// EnumeratedGroups returns the explicitly granted group IDs in ascending
// order. Empty when the key has the wildcard grant or no group access.
func (k *KeyInfo) EnumeratedGroups() []int64 {
	ids := make([]int64, 0, len(k.Access.Groups))
	for id, perm := range k.Access.Groups {
		if perm.Library {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// CurrentKey fetches and normalizes the account info and permissions for
// the client's API key. An invalid or revoked key surfaces as ErrForbidden.
func (c *Client) CurrentKey(ctx context.Context) (*KeyInfo, error) {
	c.logger.Info("verifying API key")

	resp, err := c.Do(ctx, http.MethodGet, "/keys/current", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var kr keyInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return nil, fmt.Errorf("api: decoding key response: %w", err)
	}

	if kr.UserID == 0 {
		return nil, fmt.Errorf("api: key response has no user ID")
	}

	info := kr.toKeyInfo(c.logger)

	c.logger.Debug("verified API key",
		slog.Int64("user_id", info.UserID),
		slog.String("username", info.Username),
		slog.Bool("all_groups", info.Access.AllGroups),
		slog.Int("enumerated_groups", len(info.Access.Groups)),
	)

	return info, nil
}
