package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// objectBatchSize caps keys per batched object fetch; the server
// rejects longer key lists.
const objectBatchSize = 50

// dataPassBudget bounds full passes in one engine run. The library
// version moving mid-pass restarts the pass once; a second move means
// the library is too hot to fast-forward right now.
const dataPassBudget = 2

// errVersionMoved aborts a pass when a response reports a different
// library version than the pass started from.
var errVersionMoved = errors.New("engine: library version moved")

// dataEngine fast-forwards one library's object data to the current
// remote library version.
type dataEngine struct {
	f    *Factory
	lib  libid.ID
	gate *sync.Gate
}

func (e *dataEngine) Start(ctx context.Context) error {
	prefix, err := e.f.prefix(ctx, e.lib)
	if err != nil {
		return err
	}

	for pass := 1; pass <= dataPassBudget; pass++ {
		done, err := e.pass(ctx, prefix)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		e.f.logger.Debug("library version moved, restarting data pass",
			slog.String("library", e.lib.String()), slog.Int("pass", pass))
	}

	return fmt.Errorf("engine: %s kept changing during data sync: %w",
		e.lib, api.ErrPreconditionFailed)
}

// pass runs one full fast-forward attempt. done=false means the remote
// library version moved underneath the pass and it must restart.
func (e *dataEngine) pass(ctx context.Context, prefix string) (bool, error) {
	versions, err := e.f.store.LibraryVersions(ctx, e.lib)
	if err != nil {
		return false, err
	}

	baseline := versions.Data

	changed, target, err := e.changedKeys(ctx, prefix, baseline)
	if errors.Is(err, errVersionMoved) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if target == baseline {
		// Every remote write bumps the library version, so an
		// unchanged version covers deletions too.
		return true, nil
	}

	for _, kind := range api.Kinds() {
		keys := changed[kind]
		if len(keys) == 0 {
			continue
		}

		objects, err := e.fetch(ctx, prefix, kind, keys, target)
		if errors.Is(err, errVersionMoved) {
			return false, nil
		}

		if err != nil {
			return false, err
		}

		if err := e.f.store.UpsertObjects(ctx, e.lib, string(kind), objects); err != nil {
			return false, err
		}

		if kind == api.KindItem {
			if err := e.indexAttachments(ctx, objects); err != nil {
				return false, err
			}
		}
	}

	err = e.applyDeletions(ctx, prefix, baseline, target)
	if errors.Is(err, errVersionMoved) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if err := e.f.store.SetDataVersion(ctx, e.lib, target); err != nil {
		return false, err
	}

	e.f.logger.Debug("data fast-forward complete",
		slog.String("library", e.lib.String()),
		slog.Int64("from", baseline), slog.Int64("to", target))

	return true, nil
}

// changedKeys diffs remote object versions since baseline against local
// rows, kind by kind. Every listing must report the same library
// version, otherwise the pass is already stale.
func (e *dataEngine) changedKeys(
	ctx context.Context, prefix string, baseline int64,
) (map[api.ObjectKind][]string, int64, error) {
	changed := make(map[api.ObjectKind][]string)
	target := int64(-1)

	for _, kind := range api.Kinds() {
		var (
			remote map[string]int64
			v      int64
		)

		err := e.gate.Run(ctx, func(ctx context.Context) error {
			var err error
			remote, v, err = e.f.api.ObjectVersions(ctx, prefix, kind, baseline)

			return err
		})
		if err != nil {
			return nil, 0, fmt.Errorf("listing changed %s: %w", kind.Path(), err)
		}

		switch {
		case target == -1:
			target = v
			if target == baseline {
				return nil, target, nil
			}
		case v != target:
			return nil, 0, errVersionMoved
		}

		local, err := e.f.store.LocalObjectVersions(ctx, e.lib, string(kind))
		if err != nil {
			return nil, 0, err
		}

		for key, version := range remote {
			if local[key] != version {
				changed[kind] = append(changed[kind], key)
			}
		}

		sort.Strings(changed[kind])
	}

	return changed, target, nil
}

// fetch downloads the changed objects of one kind in gate-bounded
// batches. Object data is NFC-normalized on the way in so text compares
// stably no matter which platform wrote it.
func (e *dataEngine) fetch(
	ctx context.Context, prefix string, kind api.ObjectKind, keys []string, target int64,
) ([]store.Object, error) {
	batches := batchKeys(keys, objectBatchSize)
	results := make([][]store.Object, len(batches))

	eg, ctx := errgroup.WithContext(ctx)

	for i, batch := range batches {
		eg.Go(func() error {
			return e.gate.Run(ctx, func(ctx context.Context) error {
				objects, v, err := e.f.api.Objects(ctx, prefix, kind, batch)
				if err != nil {
					return fmt.Errorf("fetching %s: %w", kind.Path(), err)
				}

				if v != target {
					return errVersionMoved
				}

				rows := make([]store.Object, len(objects))
				for j, o := range objects {
					rows[j] = store.Object{
						Key:     o.Key,
						Version: o.Version,
						Data:    norm.NFC.Bytes(o.Data),
					}
				}

				results[i] = rows

				return nil
			})
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]store.Object, 0, len(keys))
	for _, rows := range results {
		out = append(out, rows...)
	}

	return out, nil
}

// itemData is the slice of item JSON the attachment index needs.
type itemData struct {
	ItemType    string `json:"itemType"`
	LinkMode    string `json:"linkMode"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	MD5         string `json:"md5"`
	Mtime       int64  `json:"mtime"`
}

// storedFile reports whether the item is an attachment whose file
// content lives on the storage backend. Linked attachments point at
// paths or URLs outside the library and carry nothing to download.
func (d *itemData) storedFile() bool {
	if d.ItemType != "attachment" {
		return false
	}

	switch d.LinkMode {
	case "imported_file", "imported_url", "embedded_image":
		return true
	default:
		return false
	}
}

// indexAttachments maintains attachment rows for changed items: stored
// files upsert their remote metadata, everything else clears any row a
// previous version of the item left behind.
func (e *dataEngine) indexAttachments(ctx context.Context, items []store.Object) error {
	for i := range items {
		o := &items[i]

		var d itemData
		if err := json.Unmarshal(o.Data, &d); err != nil {
			return fmt.Errorf("decoding item %s: %w", o.Key, err)
		}

		if !d.storedFile() {
			if err := e.f.store.DeleteAttachment(ctx, e.lib, o.Key); err != nil {
				return err
			}

			continue
		}

		err := e.f.store.UpsertAttachment(ctx, &store.Attachment{
			Library:     e.lib,
			Key:         o.Key,
			Filename:    d.Filename,
			ContentType: d.ContentType,
			RemoteMD5:   d.MD5,
			RemoteMtime: d.Mtime,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// applyDeletions pulls the deletion log since baseline and removes the
// named local rows. Item deletions cascade to attachment and full-text
// rows inside the store.
func (e *dataEngine) applyDeletions(ctx context.Context, prefix string, baseline, target int64) error {
	if baseline == 0 {
		// A first sync has nothing local to delete.
		return nil
	}

	var dels *api.Deletions

	err := e.gate.Run(ctx, func(ctx context.Context) error {
		var (
			v   int64
			err error
		)

		dels, v, err = e.f.api.Deleted(ctx, prefix, baseline)
		if err != nil {
			return fmt.Errorf("listing deletions: %w", err)
		}

		if v != target {
			return errVersionMoved
		}

		return nil
	})
	if err != nil {
		return err
	}

	if dels.Empty() {
		return nil
	}

	removals := []struct {
		kind api.ObjectKind
		keys []string
	}{
		{api.KindCollection, dels.Collections},
		{api.KindSearch, dels.Searches},
		{api.KindItem, dels.Items},
	}

	for _, r := range removals {
		if err := e.f.store.DeleteObjects(ctx, e.lib, string(r.kind), r.keys); err != nil {
			return err
		}
	}

	// Tag and settings deletions have no local rows to clear.
	return nil
}

// batchKeys splits keys into chunks of at most size.
func batchKeys(keys []string, size int) [][]string {
	var batches [][]string

	for len(keys) > size {
		batches = append(batches, keys[:size])
		keys = keys[size:]
	}

	if len(keys) > 0 {
		batches = append(batches, keys)
	}

	return batches
}
