package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
)

// ResolverConfig wires a Resolver. Tests inject fakes for the API and
// store views.
type ResolverConfig struct {
	Logger     *slog.Logger
	API        Gateway
	Store      GroupStore
	Prompter   Prompter
	Skip       []libid.ID
	Background bool
}

// Resolver computes the working set of libraries for one session,
// reconciling the access grant with local and remote group state.
type Resolver struct {
	logger     *slog.Logger
	api        Gateway
	store      GroupStore
	prompter   Prompter
	skip       map[libid.ID]bool
	background bool
}

// NewResolver returns a resolver for one session.
func NewResolver(cfg ResolverConfig) *Resolver {
	skip := make(map[libid.ID]bool, len(cfg.Skip))
	for _, id := range cfg.Skip {
		skip[id] = true
	}

	return &Resolver{
		logger:     cfg.Logger,
		api:        cfg.API,
		store:      cfg.Store,
		prompter:   cfg.Prompter,
		skip:       skip,
		background: cfg.Background,
	}
}

// Resolve returns the deduplicated set of libraries the session will
// sync, sorted for deterministic iteration. An empty set with a nil
// error cancels the whole session. Requested libraries the grant does
// not cover are a fatal access error, as is a key with enumerated
// (partial) group access.
func (r *Resolver) Resolve(ctx context.Context, grant *api.KeyInfo, requested []libid.ID) ([]libid.ID, error) {
	// Partial group grants fail closed before any set is computed:
	// syncing an arbitrary subset of groups is unsupported.
	if !grant.Access.AllGroups && len(grant.Access.Groups) > 0 {
		return nil, &SyncError{
			Type:    SeverityError,
			Fatal:   true,
			Message: "the API key grants access to only some groups; grant all groups or none",
			cause:   ErrEnumeratedGroupAccess,
		}
	}

	syncAll := len(requested) == 0

	seen := make(map[libid.ID]bool)
	var out []libid.ID

	add := func(id libid.ID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	if syncAll {
		if grant.Access.UserLibrary {
			for _, id := range []libid.ID{libid.User(), libid.Publications()} {
				if !r.skip[id] {
					add(id)
				}
			}
		}
	} else {
		for _, id := range requested {
			if id.IsGroup() {
				// Groups are handled below against the remote group
				// set; here only the grant is checked.
				if !grant.Access.AllGroups {
					return nil, accessError(id)
				}

				continue
			}

			if !grant.CanRead(id) {
				return nil, accessError(id)
			}

			add(id)
		}
	}

	if grant.Access.AllGroups {
		groupLibs, canceled, err := r.resolveGroups(ctx, grant, requested, syncAll)
		if err != nil {
			return nil, err
		}

		if canceled {
			r.logger.Info("sync canceled at missing-group prompt")
			return nil, nil
		}

		for _, id := range groupLibs {
			add(id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	r.logger.Debug("resolved library set", slog.Int("count", len(out)))

	return out, nil
}

// resolveGroups reconciles local group records against the remote group
// set and returns the group libraries to sync. canceled means the user
// aborted the session at a prompt.
func (r *Resolver) resolveGroups(ctx context.Context, grant *api.KeyInfo, requested []libid.ID, syncAll bool) (libs []libid.ID, canceled bool, err error) {
	remote, err := r.api.GroupVersions(ctx, grant.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("fetching remote group versions: %w", err)
	}

	requestedGroups := make(map[int64]bool)

	for _, id := range requested {
		if id.IsGroup() {
			requestedGroups[id.GroupID()] = true
		}
	}

	// The skip list only filters in sync-all mode; explicitly requested
	// groups always win over it.
	if syncAll {
		for gid := range remote {
			if lib, idErr := libid.Group(gid); idErr == nil && r.skip[lib] {
				delete(remote, gid)
			}
		}
	}

	local, err := r.store.Groups(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("listing local groups: %w", err)
	}

	localByID := make(map[int64]*store.GroupRecord, len(local))
	for _, g := range local {
		localByID[g.ID] = g
	}

	var toDownload []int64

	for gid, version := range remote {
		lib, idErr := libid.Group(gid)
		if idErr != nil {
			r.logger.Warn("server returned invalid group ID", slog.Int64("group_id", gid))
			continue
		}

		if !syncAll && !requestedGroups[gid] {
			continue
		}

		lg := localByID[gid]

		switch {
		case lg == nil && !syncAll:
			// An explicitly requested group never synced before has no
			// local record to reconcile; a full sync bootstraps it.
			r.logger.Warn("requested group not synced locally yet, run a full sync first",
				slog.Int64("group_id", gid))

		case lg == nil || lg.Version < version:
			toDownload = append(toDownload, gid)

		default:
			libs = append(libs, lib)
		}
	}

	// Missing groups are disjoint from the remote set, so a removal can
	// never strip an entry already added to libs.
	canceled, err = r.reconcileMissing(ctx, local, remote, requestedGroups, syncAll)
	if err != nil || canceled {
		return nil, canceled, err
	}

	downloaded, err := r.downloadGroups(ctx, grant, toDownload, localByID)
	if err != nil {
		return nil, false, err
	}

	libs = append(libs, downloaded...)

	return libs, false, nil
}

// reconcileMissing prompts for each local group absent from the remote
// set: remove erases it transactionally, cancel aborts the session,
// keep leaves it untouched this run. Background sessions keep
// everything.
func (r *Resolver) reconcileMissing(ctx context.Context, local []*store.GroupRecord, remote map[int64]int64, requestedGroups map[int64]bool, syncAll bool) (canceled bool, err error) {
	for _, lg := range local {
		if _, ok := remote[lg.ID]; ok {
			continue
		}

		lib, idErr := libid.Group(lg.ID)
		if idErr != nil {
			continue
		}

		if syncAll {
			if r.skip[lib] {
				continue
			}
		} else if !requestedGroups[lg.ID] {
			// Unrequested groups have unknown remote status in explicit
			// mode; leave them alone.
			continue
		}

		if r.background || r.prompter == nil {
			r.logger.Debug("group missing remotely, keeping during background sync",
				slog.Int64("group_id", lg.ID))

			continue
		}

		decision, err := r.prompter.ResolveMissingGroup(ctx, lg)
		if err != nil {
			return false, fmt.Errorf("missing-group prompt: %w", err)
		}

		switch decision {
		case DecisionRemove:
			if err := r.store.EraseGroup(ctx, lg.ID); err != nil {
				return false, fmt.Errorf("erasing group %d: %w", lg.ID, err)
			}

		case DecisionCancel:
			return true, nil

		case DecisionKeep:
		}
	}

	return false, nil
}

// downloadGroups fetches metadata for missing or stale groups, confirms
// permission losses, and merges the records locally. Groups that have
// vanished or gone inaccessible between the version listing and the
// fetch are skipped for this run.
func (r *Resolver) downloadGroups(ctx context.Context, grant *api.KeyInfo, ids []int64, localByID map[int64]*store.GroupRecord) ([]libid.ID, error) {
	var libs []libid.ID

	for _, gid := range ids {
		g, err := r.api.Group(ctx, gid)
		if err != nil {
			if errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrForbidden) {
				r.logger.Warn("group disappeared during resolution, skipping this run",
					slog.Int64("group_id", gid), slog.Any("error", err))

				continue
			}

			return nil, fmt.Errorf("fetching group %d: %w", gid, err)
		}

		editable := g.Editable(grant.UserID)
		filesEditable := g.FilesEditable(grant.UserID)

		if lg := localByID[gid]; lg != nil {
			change := PermissionChange{
				Group:         g,
				LostWrite:     lg.Editable && !editable,
				LostFileWrite: lg.FilesEditable && !filesEditable,
			}

			if change.LostWrite || change.LostFileWrite {
				ok, err := r.confirmPermissionChange(ctx, change)
				if err != nil {
					return nil, err
				}

				if !ok {
					r.logger.Info("permission change declined, skipping group this run",
						slog.Int64("group_id", gid))

					continue
				}
			}
		}

		rec := &store.GroupRecord{
			ID:            g.ID,
			Version:       g.Version,
			Name:          g.Name,
			Description:   g.Description,
			Type:          g.Type,
			Owner:         g.Owner,
			Editable:      editable,
			FilesEditable: filesEditable,
		}

		if err := r.store.SaveGroup(ctx, rec); err != nil {
			return nil, fmt.Errorf("saving group %d: %w", gid, err)
		}

		lib, idErr := libid.Group(gid)
		if idErr != nil {
			continue
		}

		libs = append(libs, lib)
	}

	return libs, nil
}

// confirmPermissionChange asks the user to accept reduced group
// permissions. Background sessions decline, deferring the group to the
// next interactive sync.
func (r *Resolver) confirmPermissionChange(ctx context.Context, change PermissionChange) (bool, error) {
	if r.background || r.prompter == nil {
		return false, nil
	}

	ok, err := r.prompter.ConfirmPermissionChange(ctx, change)
	if err != nil {
		return false, fmt.Errorf("permission-change prompt: %w", err)
	}

	return ok, nil
}

// accessError builds the fatal error for a requested library the key
// cannot read.
func accessError(lib libid.ID) *SyncError {
	return &SyncError{
		Type:    SeverityError,
		Fatal:   true,
		Library: lib,
		Message: "the API key has no access to this library",
	}
}
