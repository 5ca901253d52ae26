package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"kbfiles/internal/content"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/status"
	"kbfiles/internal/store"
	"kbfiles/internal/transfer"
	"kbfiles/internal/vcs"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// UpdateOptions mirror the usual update flags.
type UpdateOptions struct {
	// Check refuses to update over changed big files.
	Check bool
	// Clean discards changed big files instead of carrying their standins.
	Clean bool
	// Store overrides the store URL used for missing big files.
	Store string
}

// SyncResult describes one pass bringing big files in line with their
// standins.
type SyncResult struct {
	// Updated were restored from a cache or downloaded.
	Updated []string
	// Removed lost their standin and were deleted.
	Removed []string
	// Missing could not be found in any cache or the store.
	Missing  []string
	Download transfer.Summary
}

// Update moves the working copy to rev and then brings every big file in
// line with its standin.
func (w *Workspace) Update(ctx context.Context, rev string, opts UpdateOptions) (*SyncResult, error) {
	target, err := w.Repo.Revision(rev)
	if err != nil {
		return nil, err
	}
	s, err := w.Shadow.Status(match.All(), vcs.StatusOptions{})
	if err != nil {
		return nil, fmt.Errorf("shadow status: %w", err)
	}

	if opts.Check {
		changed, err := w.settleUnsure(s.Unsure)
		if err != nil {
			return nil, err
		}
		if len(s.Modified) > 0 || len(changed) > 0 {
			return nil, bferrors.Abort("uncommitted local changes")
		}
	}
	if !opts.Clean {
		for _, f := range concat(s.Unsure, s.Modified, s.Added) {
			hash, err := w.refreshStandin(f)
			if err != nil {
				return nil, fmt.Errorf("refreshing standin for %s: %w", f, err)
			}
			// Keep the local bytes reachable once the update rewrites the file.
			if err := w.Cache.CopyToCache(w.abs(f), hash); err != nil {
				return nil, err
			}
		}
	}

	if err := w.Repo.Checkout(target); err != nil {
		return nil, err
	}
	w.Logger.Info("updated working copy", zap.String("revision", target.ID()))
	return w.syncBigFiles(ctx, match.All(), true, opts.Store)
}

// settleUnsure hashes unsure big files against the working parent, marks
// the unchanged ones clean and returns the rest.
func (w *Workspace) settleUnsure(unsure []string) ([]string, error) {
	if len(unsure) == 0 {
		return nil, nil
	}
	parent, err := w.Repo.Revision(".")
	if err != nil {
		return nil, fmt.Errorf("resolving working parent: %w", err)
	}
	var changed []string
	for _, f := range unsure {
		want, err := recordedHash(parent, f)
		if err != nil {
			return nil, err
		}
		same, err := w.hashMatches(f, want)
		if err != nil {
			return nil, err
		}
		if !same {
			changed = append(changed, f)
			continue
		}
		if err := w.Shadow.Normal(f); err != nil {
			return nil, err
		}
	}
	if err := w.Shadow.Write(); err != nil {
		return nil, err
	}
	return changed, nil
}

// UpdateBigFiles restores every big file whose bytes differ from its
// standin, from the caches first and the store second, and deletes big
// files whose standin is gone.
func (w *Workspace) UpdateBigFiles(ctx context.Context, storeURL string) (*SyncResult, error) {
	return w.syncBigFiles(ctx, match.All(), true, storeURL)
}

// Refresh discards the shadow state, rebuilds it from the tracked
// standins and re-syncs every big file. It is meant for after history was
// rewritten underneath the working copy.
func (w *Workspace) Refresh(ctx context.Context, storeURL string) (*SyncResult, error) {
	w.Shadow.Clear()
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	if err := w.bootstrap(ds); err != nil {
		return nil, err
	}
	return w.syncBigFiles(ctx, match.All(), true, storeURL)
}

// Revert restores matched files to their content at rev, big files
// included.
func (w *Workspace) Revert(ctx context.Context, rev string, m match.Matcher, storeURL string) (*SyncResult, error) {
	if m == nil {
		m = match.All()
	}
	target, err := w.Repo.Revision(rev)
	if err != nil {
		return nil, err
	}
	parent, err := w.Repo.Revision(".")
	if err != nil {
		return nil, fmt.Errorf("resolving working parent: %w", err)
	}

	st, err := w.Status(status.Request{Base: parent})
	if err != nil {
		return nil, err
	}
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	var modified []string
	for _, f := range st.Modified {
		if !isBig(ds, f) {
			continue
		}
		if _, err := w.refreshStandin(f); err != nil {
			return nil, fmt.Errorf("refreshing standin for %s: %w", f, err)
		}
		modified = append(modified, f)
	}

	tracked := func(st string) bool {
		return ds.State(st).Tracked() || target.Has(st)
	}
	if err := w.Repo.Revert(target, match.Standins(m, tracked)); err != nil {
		return nil, fmt.Errorf("reverting: %w", err)
	}

	// Standins outside the revert go back to what the parent recorded.
	for _, f := range modified {
		if m.Match(f) {
			continue
		}
		if _, err := os.Stat(w.abs(standin.Standin(f))); err != nil {
			continue
		}
		hash, err := recordedHash(parent, f)
		if err != nil || hash == "" {
			continue
		}
		exec := parent.Executable(standin.Standin(f))
		if err := standin.Write(w.abs(standin.Standin(f)), hash, exec); err != nil {
			return nil, err
		}
	}

	return w.syncBigFiles(ctx, m, false, storeURL)
}

// BailIfChanged aborts when the working copy has uncommitted changes,
// big files included.
func (w *Workspace) BailIfChanged() error {
	st, err := w.Status(status.Request{})
	if err != nil {
		return err
	}
	if st.Dirty() {
		return bferrors.Abort("outstanding uncommitted changes")
	}
	return nil
}

// syncBigFiles makes each matched big file hold the bytes its on-disk
// standin names. With prune, big files that lost their standin are deleted
// from disk; otherwise they are only dropped from the shadow state.
func (w *Workspace) syncBigFiles(ctx context.Context, m match.Matcher, prune bool, storeURL string) (*SyncResult, error) {
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	bigs, err := bigFiles(ds, m)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{}
	var fetch []store.File
	current := make(map[string]bool, len(bigs))
	for _, f := range bigs {
		current[f] = true
		st := w.abs(standin.Standin(f))
		info, err := os.Stat(st)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		hash, err := standin.Read(st)
		if err != nil {
			return nil, err
		}
		exec := standin.IsExecutable(info.Mode())

		same, err := w.hashMatches(f, hash)
		if err != nil {
			return nil, err
		}
		if same {
			if err := os.Chmod(w.abs(f), standin.Mode(exec)); err != nil {
				return nil, fmt.Errorf("setting mode of %s: %w", f, err)
			}
			if err := w.settle(ds, f); err != nil {
				return nil, err
			}
			continue
		}

		switch err := w.Cache.Restore(hash, w.abs(f), exec); {
		case err == nil:
			res.Updated = append(res.Updated, f)
			if err := w.settle(ds, f); err != nil {
				return nil, err
			}
		case errors.Is(err, content.ErrNotCached), errors.Is(err, content.ErrCorrupt):
			fetch = append(fetch, store.File{Name: f, Hash: hash, Executable: exec})
		default:
			return nil, fmt.Errorf("restoring %s: %w", f, err)
		}
	}

	for _, f := range w.Shadow.Paths() {
		if current[f] || !m.Match(f) {
			continue
		}
		if ds.State(standin.Standin(f)) == vcs.Removed {
			w.Shadow.Remove(f)
			continue
		}
		if prune {
			if err := w.removeFile(f); err != nil {
				return nil, err
			}
			res.Removed = append(res.Removed, f)
		}
		w.Shadow.Forget(f)
	}

	if len(fetch) > 0 {
		if err := w.fetch(ctx, ds, fetch, storeURL, res); err != nil {
			if werr := w.Shadow.Write(); werr != nil {
				err = multierror.Append(err, fmt.Errorf("writing shadow state: %w", werr))
			}
			return res, err
		}
	}

	if err := w.Shadow.Write(); err != nil {
		return res, err
	}
	sort.Strings(res.Updated)
	w.Logger.Info("big files synced",
		zap.Int("updated", len(res.Updated)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("missing", len(res.Missing)))
	return res, nil
}

func (w *Workspace) fetch(ctx context.Context, ds vcs.Dirstate, files []store.File, storeURL string, res *SyncResult) error {
	backend, err := w.Backend(storeURL)
	if err != nil {
		return err
	}
	sum, err := transfer.Download(ctx, backend, files, w.Logger)
	res.Download = sum
	res.Missing = append(res.Missing, sum.Missing...)

	missing := make(map[string]bool, len(sum.Missing))
	for _, f := range sum.Missing {
		missing[f] = true
	}
	for _, f := range files {
		if missing[f.Name] {
			continue
		}
		ok, herr := w.hashMatches(f.Name, f.Hash)
		if herr != nil {
			w.Logger.Warn("cannot hash downloaded big file", zap.String("file", f.Name), zap.Error(herr))
			res.Missing = append(res.Missing, f.Name)
			continue
		}
		if !ok {
			continue
		}
		res.Updated = append(res.Updated, f.Name)
		if err := w.settle(ds, f.Name); err != nil {
			return err
		}
	}
	return err
}

// settle records a big file that now matches its standin, keeping the
// host's view of whether it is added or merged.
func (w *Workspace) settle(ds vcs.Dirstate, f string) error {
	switch ds.State(standin.Standin(f)) {
	case vcs.Added:
		w.Shadow.Add(f)
		return nil
	case vcs.Merged:
		w.Shadow.Merge(f)
		return nil
	}
	return w.Shadow.Normal(f)
}
