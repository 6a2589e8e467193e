// Package store persists synchronized library state in an embedded
// SQLite database: account settings, group metadata, versioned library
// objects, attachment file state, and extracted full-text content.
package store

import (
	"time"

	"github.com/maxsu/zotero/internal/libid"
)

// Object is one versioned library object row. Data holds the raw JSON
// "data" member exactly as the server sent it.
type Object struct {
	Key     string
	Version int64
	Data    []byte
}

// GroupRecord is the locally cached metadata of one group library.
type GroupRecord struct {
	ID            int64
	Version       int64
	Name          string
	Description   string
	Type          string
	Owner         int64
	Editable      bool
	FilesEditable bool
}

// Attachment tracks the file-sync state of one attachment item. Remote
// fields come from item data during the data phase; local fields are
// written when the file lands on disk.
type Attachment struct {
	Library     libid.ID
	Key         string
	Filename    string
	ContentType string
	RemoteMD5   string
	RemoteMtime int64 // milliseconds since epoch, as the server reports
	Size        int64
	LocalMD5    string
	SyncedAt    int64 // unix nanoseconds, 0 = never downloaded
	Stale       bool  // local copy flagged for re-download
}

// Downloaded reports whether the local copy matches the remote file.
func (a *Attachment) Downloaded() bool {
	return !a.Stale && a.LocalMD5 != "" && a.LocalMD5 == a.RemoteMD5
}

// FullTextRecord is the extracted text content of one attachment item.
type FullTextRecord struct {
	Library      libid.ID
	Key          string
	Version      int64
	Content      string
	IndexedChars int64
	TotalChars   int64
	IndexedPages int64
	TotalPages   int64
}

// Versions are the per-library synced version markers. Data covers
// collections, searches, items, and deletions; FullText advances
// independently because full-text content trails item versions.
type Versions struct {
	Data     int64
	FullText int64
}

// LibraryStatus is one row of the local library overview.
type LibraryStatus struct {
	Library         libid.ID
	DataVersion     int64
	FullTextVersion int64
	LastSyncedAt    int64 // unix nanoseconds, 0 = never synced
}

// Tombstone records one applied deletion.
type Tombstone struct {
	Library   libid.ID
	Kind      string
	Key       string
	DeletedAt int64 // unix nanoseconds
}

// Settings keys for the account identity and session bookkeeping rows.
const (
	SettingUserID   = "user_id"
	SettingUsername = "username"
	SettingLastSync = "last_sync"
)

// NowNano returns the current time as Unix nanoseconds, the timestamp
// format used throughout the database.
func NowNano() int64 {
	return time.Now().UnixNano()
}
