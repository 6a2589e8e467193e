package sync

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	stdsync "sync"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
)

// oversizedTagRE extracts the offending tag from the server's 413
// response body ("Tag 'whatever' too long").
var oversizedTagRE = regexp.MustCompile(`(?i)tag '(.+)' too long`)

// Aggregator collects classified errors for a session. The queue
// survives session teardown so the caller can render a report; the next
// session clears it on entry.
type Aggregator struct {
	logger   *slog.Logger
	prompter Prompter // nil disables interactive remediations
	restart  func()   // marks the active session for restart, nil in tests

	mu    stdsync.Mutex
	queue []*SyncError
}

// NewAggregator returns an empty aggregator. prompter and restart may be
// nil; classification then attaches no remediations.
func NewAggregator(logger *slog.Logger, prompter Prompter, restart func()) *Aggregator {
	return &Aggregator{logger: logger, prompter: prompter, restart: restart}
}

// Add appends a classified error to the queue, attaching the library
// when the error carries none. Re-adding a queued error is a no-op.
func (a *Aggregator) Add(e *SyncError, lib libid.ID) {
	if e == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e.added {
		return
	}

	e.added = true

	if e.Library.IsZero() {
		e.Library = lib
	}

	a.logger.Warn("sync error",
		slog.String("severity", e.Type.String()),
		slog.Bool("fatal", e.Fatal),
		slog.String("library", e.Library.String()),
		slog.String("message", e.Message),
	)

	a.queue = append(a.queue, e)
}

// Queue returns a copy of the queued errors in arrival order.
func (a *Aggregator) Queue() []*SyncError {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*SyncError, len(a.queue))
	copy(out, a.queue)

	return out
}

// ByLibrary returns the queued errors scoped to one library.
func (a *Aggregator) ByLibrary(lib libid.ID) []*SyncError {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*SyncError

	for _, e := range a.queue {
		if e.Library == lib {
			out = append(out, e)
		}
	}

	return out
}

// Len returns the number of queued errors.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.queue)
}

// Clear drops all queued errors. Runs at session start and when an
// offline condition collapses the attempt's errors into one warning.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queue = nil
}

// PrimarySeverity picks the representative severity for a set of
// errors. Any fatal error forces at least SeverityError regardless of
// its declared type; otherwise the maximum ranked severity wins.
// Returns false when nothing ranked (or nothing at all) is present.
func PrimarySeverity(errs []*SyncError) (Severity, bool) {
	var (
		top   Severity
		found bool
		fatal bool
	)

	for _, e := range errs {
		if e.Fatal {
			fatal = true
		}

		if !e.Type.ranked() {
			continue
		}

		if !found || e.Type > top {
			top = e.Type
			found = true
		}
	}

	if fatal {
		if top < SeverityError {
			top = SeverityError
		}

		return top, true
	}

	if !found {
		return 0, false
	}

	return top, true
}

// Classify wraps a raw failure in a SyncError, deciding severity,
// fatality, and remediation. This is the single place error-specific
// handling lives; everything downstream treats the result uniformly.
func (a *Aggregator) Classify(err error, lib libid.ID) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		if se.Library.IsZero() {
			se.Library = lib
		}

		se.parsed = true

		return se
	}

	se = &SyncError{Type: SeverityError, Library: lib, Message: err.Error(), cause: err, parsed: true}

	switch {
	case errors.Is(err, ErrKeyNotSet):
		se.Fatal = true
		se.Message = "credentials not set, run zotero login first"
		se.Remediation = a.credentialsRemediation()

	case errors.Is(err, api.ErrForbidden):
		// A rejected key blocks every library, so the session ends and
		// the user re-authenticates.
		se.Fatal = true
		se.Message = "the server rejected the API key"
		se.Remediation = a.credentialsRemediation()

	case errors.Is(err, api.ErrTooLarge):
		if m := oversizedTagRE.FindStringSubmatch(err.Error()); m != nil {
			se.Message = "tag '" + m[1] + "' is too long for the server"
			se.Remediation = a.tagRemediation(m[1])
		}

	case errors.Is(err, api.ErrThrottled):
		se.Type = SeverityWarning
		se.Message = "the server asked us to slow down"

	case errors.Is(err, ErrTooManyAttempts):
		se.Fatal = true
		se.Message = "too many sync attempts"

	case errors.Is(err, ErrEnumeratedGroupAccess):
		se.Fatal = true
		se.Message = "the API key grants access to only some groups; grant all groups or none"
	}

	return se
}

// credentialsRemediation builds the re-login fix for rejected keys.
func (a *Aggregator) credentialsRemediation() *Remediation {
	if a.prompter == nil {
		return nil
	}

	return &Remediation{
		Label: "Set up sync again",
		Fix: func(ctx context.Context) (bool, error) {
			ok, err := a.prompter.FixCredentials(ctx)
			if err != nil || !ok {
				return false, err
			}

			if a.restart != nil {
				a.restart()
			}

			return true, nil
		},
	}
}

// tagRemediation builds the shorten-tag fix for 413 responses. A
// successful fix restarts the session so the shortened tag syncs.
func (a *Aggregator) tagRemediation(tag string) *Remediation {
	if a.prompter == nil {
		return nil
	}

	return &Remediation{
		Label: "Fix tag",
		Fix: func(ctx context.Context) (bool, error) {
			ok, err := a.prompter.FixOversizedTag(ctx, tag)
			if err != nil || !ok {
				return false, err
			}

			if a.restart != nil {
				a.restart()
			}

			return true, nil
		},
	}
}
