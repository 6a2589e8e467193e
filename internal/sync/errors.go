package sync

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/maxsu/zotero/internal/libid"
)

// Severity classifies a sync error for display and precedence. The zero
// value SeverityAnimate marks in-progress state and never participates
// in precedence.
type Severity int

// Severities in ascending precedence order.
const (
	SeverityAnimate Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityUpgrade
)

// String returns the severity name as used in logs and reports.
func (s Severity) String() string {
	switch s {
	case SeverityAnimate:
		return "animate"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ranked reports whether the severity counts toward precedence.
func (s Severity) ranked() bool {
	return s != SeverityAnimate
}

// Sentinel errors for session-level conditions.
var (
	// ErrSessionInProgress rejects a sync started while one is running.
	ErrSessionInProgress = errors.New("sync: session already in progress")

	// ErrKeyNotSet means no API key is configured.
	ErrKeyNotSet = errors.New("sync: credentials not set")

	// ErrTooManyAttempts ends a session whose phases kept demanding
	// another pass past the attempt budget.
	ErrTooManyAttempts = errors.New("sync: too many sync attempts")

	// ErrStopped is returned by the gate and phases after stop.
	ErrStopped = errors.New("sync: stopped")

	// ErrEnumeratedGroupAccess rejects keys granting only a subset of
	// groups. Partial group sync is unsupported, so this fails closed.
	ErrEnumeratedGroupAccess = errors.New("sync: API key grants access to only some groups")
)

// SyncError is one classified failure recorded during a session.
type SyncError struct {
	Type    Severity
	Fatal   bool
	Library libid.ID // zero when not scoped to one library
	Message string

	// Remediation, when set, offers an interactive fix the caller can
	// run after the session.
	Remediation *Remediation

	cause   error
	added   bool // queued already; re-adding is a no-op
	parsed  bool // went through classification
	offline bool // connectivity failure; the session winds down
}

// Error implements error.
func (e *SyncError) Error() string {
	if e.Library.IsZero() {
		return e.Message
	}

	return e.Library.String() + ": " + e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *SyncError) Unwrap() error {
	return e.cause
}

// Remediation is an interactive fix attached to an error. Label names
// the action for display; Fix runs it and reports whether it succeeded.
// A successful fix marks the session for restart.
type Remediation struct {
	Label string
	Fix   func(ctx context.Context) (bool, error)
}

// CanceledError aborts part of a session without recording a failure.
// NextLibrary advances to the next library; otherwise the whole phase
// pass ends.
type CanceledError struct {
	NextLibrary bool
}

// Error implements error.
func (e *CanceledError) Error() string {
	if e.NextLibrary {
		return "sync: canceled, advancing to next library"
	}

	return "sync: canceled"
}

// isOffline reports whether err is a connectivity failure rather than a
// server-side rejection. Offline sessions collapse to a single warning.
// Context cancellation is user intent, not connectivity, and stays
// excluded.
func isOffline(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
