package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// groupResponse mirrors the /groups/<id> JSON structure. The interesting
// fields live under "data"; the envelope repeats id and version.
// Unexported — callers receive normalized Group values.
type groupResponse struct {
	ID      int64 `json:"id"`
	Version int64 `json:"version"`
	Data    struct {
		ID             int64  `json:"id"`
		Version        int64  `json:"version"`
		Name           string `json:"name"`
		Description    string `json:"description"`
		Type           string `json:"type"`
		Owner          int64  `json:"owner"`
		LibraryEditing string `json:"libraryEditing"` //nolint:tagliatelle // dataserver key
		LibraryReading string `json:"libraryReading"` //nolint:tagliatelle // dataserver key
		FileEditing    string `json:"fileEditing"`    //nolint:tagliatelle // dataserver key
		Admins         []int64 `json:"admins"`
		Members        []int64 `json:"members"`
	} `json:"data"`
}

// Group is normalized group metadata from /groups/<id>.
type Group struct {
	ID          int64
	Version     int64
	Name        string
	Description string
	Type        string // "Private", "PublicOpen", "PublicClosed"
	Owner       int64
	Admins      []int64
	Members     []int64

	// libraryEditing/fileEditing values are "admins" or "members";
	// these report whether the given user holds the role they name.
	editing     string
	fileEditing string
}

// toGroup normalizes the wire response.
func (r *groupResponse) toGroup() *Group {
	return &Group{
		ID:          r.ID,
		Version:     r.Version,
		Name:        r.Data.Name,
		Description: r.Data.Description,
		Type:        r.Data.Type,
		Owner:       r.Data.Owner,
		Admins:      r.Data.Admins,
		Members:     r.Data.Members,
		editing:     r.Data.LibraryEditing,
		fileEditing: r.Data.FileEditing,
	}
}

// roleFor returns the user's role within the group.
func (g *Group) roleFor(userID int64) string {
	if userID == g.Owner {
		return "owner"
	}

	for _, id := range g.Admins {
		if id == userID {
			return "admin"
		}
	}

	for _, id := range g.Members {
		if id == userID {
			return "member"
		}
	}

	return ""
}

// Editable reports whether the given user may edit the group library.
// Owners and admins always can; plain members only when the group allows
// member editing.
func (g *Group) Editable(userID int64) bool {
	switch g.roleFor(userID) {
	case "owner", "admin":
		return true
	case "member":
		return g.editing == "members"
	default:
		return false
	}
}

// FilesEditable reports whether the given user may modify attachment
// files in the group library.
func (g *Group) FilesEditable(userID int64) bool {
	switch g.roleFor(userID) {
	case "owner", "admin":
		return true
	case "member":
		return g.fileEditing == "members"
	default:
		return false
	}
}

// GroupVersions fetches the IDs and versions of every group the user
// belongs to, as a groupID -> version map. A bumped version means group
// metadata changed (rename, membership, permissions) since the version
// the caller has.
func (c *Client) GroupVersions(ctx context.Context, userID int64) (map[int64]int64, error) {
	path := fmt.Sprintf("/users/%d/groups?format=versions", userID)

	c.logger.Info("fetching group versions",
		slog.Int64("user_id", userID),
	)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("api: decoding group versions: %w", err)
	}

	versions := make(map[int64]int64, len(raw))

	for rawID, version := range raw {
		groupID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || groupID <= 0 {
			c.logger.Warn("skipping unparseable group ID",
				slog.String("group", rawID),
			)

			continue
		}

		versions[groupID] = version
	}

	c.logger.Debug("fetched group versions",
		slog.Int64("user_id", userID),
		slog.Int("groups", len(versions)),
	)

	return versions, nil
}

// Group fetches normalized metadata for a single group. A group the key
// cannot see surfaces as ErrNotFound.
func (c *Client) Group(ctx context.Context, groupID int64) (*Group, error) {
	path := fmt.Sprintf("/groups/%d", groupID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var gr groupResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("api: decoding group %d: %w", groupID, err)
	}

	group := gr.toGroup()

	c.logger.Debug("fetched group metadata",
		slog.Int64("group_id", group.ID),
		slog.String("name", group.Name),
		slog.Int64("version", group.Version),
	)

	return group, nil
}
