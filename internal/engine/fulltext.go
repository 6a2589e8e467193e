package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/maxsu/zotero/internal/api"
	"github.com/maxsu/zotero/internal/libid"
	"github.com/maxsu/zotero/internal/store"
	"github.com/maxsu/zotero/internal/sync"
)

// fulltextEngine pulls extracted text content for a library's
// attachments since the last full-text checkpoint.
type fulltextEngine struct {
	f    *Factory
	lib  libid.ID
	gate *sync.Gate
}

func (e *fulltextEngine) Start(ctx context.Context) error {
	prefix, err := e.f.prefix(ctx, e.lib)
	if err != nil {
		return err
	}

	versions, err := e.f.store.LibraryVersions(ctx, e.lib)
	if err != nil {
		return err
	}

	baseline := versions.FullText

	var (
		remote map[string]int64
		target int64
	)

	err = e.gate.Run(ctx, func(ctx context.Context) error {
		var err error
		remote, target, err = e.f.api.FullTextVersions(ctx, prefix, baseline)

		return err
	})
	if err != nil {
		return fmt.Errorf("listing full-text versions: %w", err)
	}

	if len(remote) > 0 {
		if err := e.pull(ctx, prefix, remote, target); err != nil {
			return err
		}
	}

	if target != baseline {
		if err := e.f.store.SetFullTextVersion(ctx, e.lib, target); err != nil {
			return err
		}
	}

	return nil
}

// pull downloads each changed item's content through the gate. Content
// carrying a newer version than the listing means the index moved
// mid-pass; the library needs a fresh data pass before trying again.
func (e *fulltextEngine) pull(
	ctx context.Context, prefix string, remote map[string]int64, target int64,
) error {
	keys := make([]string, 0, len(remote))
	for key := range remote {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	eg, ctx := errgroup.WithContext(ctx)

	for _, key := range keys {
		eg.Go(func() error {
			return e.gate.Run(ctx, func(ctx context.Context) error {
				return e.pullOne(ctx, prefix, key, target)
			})
		})
	}

	return eg.Wait()
}

func (e *fulltextEngine) pullOne(ctx context.Context, prefix, key string, target int64) error {
	ft, v, err := e.f.api.FullTextContent(ctx, prefix, key)
	if errors.Is(err, api.ErrNotFound) {
		// Indexed content vanished between listing and fetch.
		return e.f.store.DeleteFullText(ctx, e.lib, key)
	}

	if err != nil {
		return fmt.Errorf("fetching full-text %s: %w", key, err)
	}

	if v > target {
		return fmt.Errorf("engine: %s full-text moved during sync: %w",
			e.lib, api.ErrPreconditionFailed)
	}

	return e.f.store.SaveFullText(ctx, &store.FullTextRecord{
		Library:      e.lib,
		Key:          key,
		Version:      v,
		Content:      ft.Content,
		IndexedChars: ft.IndexedChars,
		TotalChars:   ft.TotalChars,
		IndexedPages: ft.IndexedPages,
		TotalPages:   ft.TotalPages,
	})
}
