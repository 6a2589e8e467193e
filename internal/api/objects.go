package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ObjectKind identifies one syncable object type within a library.
// Collections, searches, and items follow the same versioned-download
// protocol; they differ only in path and key parameter.
type ObjectKind string

// Object kinds in download order. Collections and searches carry no
// dependencies on items, so they sync first.
const (
	KindCollection ObjectKind = "collection"
	KindSearch     ObjectKind = "search"
	KindItem       ObjectKind = "item"
)

// Kinds lists all object kinds in their download order.
func Kinds() []ObjectKind {
	return []ObjectKind{KindCollection, KindSearch, KindItem}
}

// Path returns the URL path segment for this kind.
func (k ObjectKind) Path() string {
	switch k {
	case KindCollection:
		return "collections"
	case KindSearch:
		return "searches"
	case KindItem:
		return "items"
	default:
		return string(k) + "s"
	}
}

// keyParam returns the query parameter naming a key batch for this kind.
func (k ObjectKind) keyParam() string {
	return string(k) + "Key"
}

// Object is one versioned library object. Data holds the raw "data"
// member of the API envelope so the store can persist exactly what the
// server sent.
type Object struct {
	Key     string
	Version int64
	Data    json.RawMessage
}

// objectEnvelope mirrors the per-object JSON envelope in format=json
// responses.
type objectEnvelope struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Deletions lists everything removed from a library since some version,
// from <prefix>/deleted. Collections, searches, and items are object
// keys; tags and settings are names.
type Deletions struct {
	Collections []string `json:"collections"`
	Searches    []string `json:"searches"`
	Items       []string `json:"items"`
	Tags        []string `json:"tags"`
	Settings    []string `json:"settings"`
}

// Empty reports whether nothing was deleted.
func (d *Deletions) Empty() bool {
	return len(d.Collections) == 0 && len(d.Searches) == 0 &&
		len(d.Items) == 0 && len(d.Tags) == 0 && len(d.Settings) == 0
}

// Setting is one versioned library setting, e.g. tagColors.
type Setting struct {
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// ObjectVersions fetches the key -> version map of objects changed since
// the given library version, plus the current library version from the
// response header. Pass since=0 for a full listing. Trashed items are
// included; the trash is part of the library.
func (c *Client) ObjectVersions(
	ctx context.Context, prefix string, kind ObjectKind, since int64,
) (map[string]int64, int64, error) {
	params := url.Values{}
	params.Set("format", "versions")
	params.Set("since", strconv.FormatInt(since, 10))

	if kind == KindItem {
		params.Set("includeTrashed", "1")
	}

	path := prefix + "/" + kind.Path() + "?" + params.Encode()

	c.logger.Debug("fetching object versions",
		slog.String("prefix", prefix),
		slog.String("kind", string(kind)),
		slog.Int64("since", since),
	)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	libraryVersion, err := lastModifiedVersion(resp)
	if err != nil {
		return nil, 0, err
	}

	var versions map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, 0, fmt.Errorf("api: decoding %s versions: %w", kind, err)
	}

	return versions, libraryVersion, nil
}

// Objects fetches full data for a batch of object keys. The server caps
// key batches; callers chunk accordingly. Returns the objects in server
// order plus the library version from the response header.
func (c *Client) Objects(
	ctx context.Context, prefix string, kind ObjectKind, keys []string,
) ([]Object, int64, error) {
	if len(keys) == 0 {
		return nil, 0, nil
	}

	params := url.Values{}
	params.Set("format", "json")
	params.Set(kind.keyParam(), strings.Join(keys, ","))

	if kind == KindItem {
		params.Set("includeTrashed", "1")
	}

	path := prefix + "/" + kind.Path() + "?" + params.Encode()

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	libraryVersion, err := lastModifiedVersion(resp)
	if err != nil {
		return nil, 0, err
	}

	var envelopes []objectEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, 0, fmt.Errorf("api: decoding %s batch: %w", kind, err)
	}

	objects := make([]Object, 0, len(envelopes))
	for i := range envelopes {
		objects = append(objects, Object(envelopes[i]))
	}

	c.logger.Debug("fetched object batch",
		slog.String("prefix", prefix),
		slog.String("kind", string(kind)),
		slog.Int("requested", len(keys)),
		slog.Int("received", len(objects)),
	)

	return objects, libraryVersion, nil
}

// Deleted fetches everything removed from the library since the given
// version, plus the current library version from the response header.
func (c *Client) Deleted(ctx context.Context, prefix string, since int64) (*Deletions, int64, error) {
	path := fmt.Sprintf("%s/deleted?since=%d", prefix, since)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	libraryVersion, err := lastModifiedVersion(resp)
	if err != nil {
		return nil, 0, err
	}

	var deletions Deletions
	if err := json.NewDecoder(resp.Body).Decode(&deletions); err != nil {
		return nil, 0, fmt.Errorf("api: decoding deletions: %w", err)
	}

	return &deletions, libraryVersion, nil
}

// Settings fetches library settings changed since the given version as a
// name -> setting map, plus the current library version from the response
// header.
func (c *Client) Settings(
	ctx context.Context, prefix string, since int64,
) (map[string]Setting, int64, error) {
	path := fmt.Sprintf("%s/settings?since=%d", prefix, since)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	libraryVersion, err := lastModifiedVersion(resp)
	if err != nil {
		return nil, 0, err
	}

	var settings map[string]Setting
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		return nil, 0, fmt.Errorf("api: decoding settings: %w", err)
	}

	return settings, libraryVersion, nil
}
