// Package libid provides type-safe library identity types for Zotero API
// identifiers. It consolidates parsing and formatting logic and provides
// compile-time safety over raw string usage.
//
// Two types cover the codebase's identity needs:
//   - ID: a sync target ("user", "publications", or "group:N")
//   - ItemRef: composite (Library, Key) pair for map keys
//
// This is a leaf package with zero external dependencies beyond stdlib.
package libid

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"strconv"
	"strings"
)

// Library kind constants used in canonical IDs.
const (
	KindUser         = "user"
	KindPublications = "publications"
	KindGroup        = "group"
)

// validKinds enumerates accepted library kind prefixes in canonical IDs.
var validKinds = map[string]bool{
	KindUser:         true,
	KindPublications: true,
	KindGroup:        true,
}

// IsValidKind reports whether the given string is a valid library kind.
func IsValidKind(k string) bool {
	return validKinds[k]
}

// ID identifies a single syncable library with one of three formats:
//
//   - "user": the personal library of the account that owns the API key
//   - "publications": the account's My Publications library
//   - "group:N": the group library with numeric group ID N
//
// The zero value (ID{}) represents an absent library ID.
//
// ID contains only comparable fields, so it supports == and map keying
// directly. Group IDs are parsed once at construction time.
type ID struct {
	kind  string // "user", "publications", "group"
	group int64  // group only: positive numeric group ID
}

// User returns the ID for the personal library.
func User() ID {
	return ID{kind: KindUser}
}

// Publications returns the ID for the My Publications library.
func Publications() ID {
	return ID{kind: KindPublications}
}

// Group returns the ID for the group library with the given numeric ID.
// Returns an error if the group ID is not positive.
func Group(groupID int64) (ID, error) {
	if groupID <= 0 {
		return ID{}, fmt.Errorf("libid: group ID must be positive, got %d", groupID)
	}

	return ID{kind: KindGroup, group: groupID}, nil
}

// Parse parses and validates a canonical library ID string. Returns an
// error if the format is invalid (unknown kind, missing or non-positive
// group ID, or trailing parts on a non-group kind).
func Parse(raw string) (ID, error) {
	kind, rest, hasRest := strings.Cut(raw, ":")
	if !validKinds[kind] {
		return ID{}, fmt.Errorf(
			"libid: library ID %q has unknown kind %q (valid: group:N, publications, user)", raw, kind)
	}

	if kind != KindGroup {
		if hasRest {
			return ID{}, fmt.Errorf("libid: %s library ID %q must not have a suffix", kind, raw)
		}

		return ID{kind: kind}, nil
	}

	if !hasRest || rest == "" {
		return ID{}, fmt.Errorf("libid: group library ID %q must be \"group:N\" format", raw)
	}

	groupID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || groupID <= 0 {
		return ID{}, fmt.Errorf("libid: group library ID %q requires a positive numeric suffix", raw)
	}

	return ID{kind: KindGroup, group: groupID}, nil
}

// MustParse is like Parse but panics on invalid input. Use only in tests
// and initialization code where the value is known-good.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return id
}

// String returns the canonical library ID string: "user", "publications",
// or "group:N". The zero value returns "".
func (id ID) String() string {
	if id.kind == KindGroup {
		return KindGroup + ":" + strconv.FormatInt(id.group, 10)
	}

	return id.kind
}

// Kind returns the kind prefix ("user", "publications", "group").
// Returns empty string for the zero-value ID.
func (id ID) Kind() string {
	return id.kind
}

// GroupID returns the numeric group ID for group libraries.
// Returns 0 for non-group libraries and the zero-value ID.
func (id ID) GroupID() int64 {
	if id.kind != KindGroup {
		return 0
	}

	return id.group
}

// IsZero reports whether this is the zero-value ID.
func (id ID) IsZero() bool {
	return id.kind == ""
}

// IsUser reports whether this is the personal library.
func (id ID) IsUser() bool {
	return id.kind == KindUser
}

// IsPublications reports whether this is the My Publications library.
func (id ID) IsPublications() bool {
	return id.kind == KindPublications
}

// IsGroup reports whether this is a group library.
func (id ID) IsGroup() bool {
	return id.kind == KindGroup
}

// Prefix returns the API path prefix for this library. User-account
// libraries need the numeric user ID, which is only known after key
// verification:
//
//   - user: "/users/<userID>"
//   - publications: "/users/<userID>/publications"
//   - group: "/groups/<groupID>"
//
// Returns empty string for the zero-value ID.
func (id ID) Prefix(userID int64) string {
	switch id.kind {
	case KindUser:
		return "/users/" + strconv.FormatInt(userID, 10)
	case KindPublications:
		return "/users/" + strconv.FormatInt(userID, 10) + "/publications"
	case KindGroup:
		return "/groups/" + strconv.FormatInt(id.group, 10)
	default:
		return ""
	}
}

// Topic returns the streaming API subscription topic for this library.
// The publications library has no topic of its own; its changes arrive on
// the owning user's topic.
func (id ID) Topic(userID int64) string {
	switch id.kind {
	case KindUser, KindPublications:
		return "/users/" + strconv.FormatInt(userID, 10)
	case KindGroup:
		return "/groups/" + strconv.FormatInt(id.group, 10)
	default:
		return ""
	}
}

// kindRank orders kinds for Compare: user before publications before groups.
func (id ID) kindRank() int {
	switch id.kind {
	case KindUser:
		return 0
	case KindPublications:
		return 1
	case KindGroup:
		return 2
	default:
		return 3
	}
}

// Compare orders IDs for deterministic iteration: user first, then
// publications, then groups by ascending group ID. Returns -1, 0, or 1.
func (id ID) Compare(other ID) int {
	if r, o := id.kindRank(), other.kindRank(); r != o {
		if r < o {
			return -1
		}

		return 1
	}

	switch {
	case id.group < other.group:
		return -1
	case id.group > other.group:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The input is
// validated just like Parse(). Empty input produces the zero ID.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ID{}
		return nil
	}

	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Scan implements sql.Scanner for reading library IDs from SQLite. SQL
// NULL produces the zero ID.
func (id *ID) Scan(src any) error {
	if src == nil {
		*id = ID{}
		return nil
	}

	switch v := src.(type) {
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	default:
		return fmt.Errorf("libid.ID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer for writing library IDs to SQLite. The
// zero ID writes SQL NULL to match the Scan behavior.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}

	return id.String(), nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
	_ driver.Valuer            = ID{}
	_ sql.Scanner              = (*ID)(nil)
)
