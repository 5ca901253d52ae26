package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"kbfiles/internal/content"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"

	"go.uber.org/zap"
)

// Commit refreshes the standins of matched big files from their current
// bytes, commits through the host, and caches every big file the new
// revision records.
func (w *Workspace) Commit(ctx context.Context, message string, m match.Matcher) (vcs.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		m = match.All()
	}
	for _, f := range m.Files() {
		if standin.IsStandin(f) {
			return nil, bferrors.Abort("don't commit big-file standin %s; commit the big file", f)
		}
	}

	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}

	hostMatcher := m
	if m.Always() {
		if err := w.refreshAll(ds); err != nil {
			return nil, err
		}
	} else {
		standins, err := w.refreshMatched(ds, m)
		if err != nil {
			return nil, err
		}
		if len(standins) > 0 {
			hostMatcher = commitMatcher(ds, m, standins)
		}
	}

	rev, err := w.Repo.Commit(message, hostMatcher)
	if err != nil {
		return nil, err
	}
	if err := w.cacheCommitted(rev); err != nil {
		return rev, err
	}
	w.Logger.Info("committed", zap.String("revision", rev.ID()))
	return rev, nil
}

// refreshAll refreshes every big file whose standin exists and forgets
// shadow entries whose standin is gone.
func (w *Workspace) refreshAll(ds vcs.Dirstate) error {
	bigs, err := bigFiles(ds, match.All())
	if err != nil {
		return err
	}
	for _, f := range bigs {
		if err := w.refresh(f); err != nil {
			return err
		}
	}
	for _, f := range w.Shadow.Paths() {
		if _, err := os.Stat(w.abs(standin.Standin(f))); errors.Is(err, fs.ErrNotExist) {
			w.Shadow.Forget(f)
		}
	}
	return w.Shadow.Write()
}

// refreshMatched refreshes the matched big files, including ones removed
// since the parent, and returns their standins.
func (w *Workspace) refreshMatched(ds vcs.Dirstate, m match.Matcher) (map[string]bool, error) {
	bigs, err := bigFiles(ds, m)
	if err != nil {
		return nil, err
	}
	standins := make(map[string]bool)
	for _, f := range bigs {
		if err := w.refresh(f); err != nil {
			return nil, err
		}
		standins[standin.Standin(f)] = true
	}
	for _, f := range w.Shadow.Paths() {
		if m.Match(f) && w.Shadow.State(f) == vcs.Removed {
			w.Shadow.Forget(f)
			standins[standin.Standin(f)] = true
		}
	}
	if err := w.Shadow.Write(); err != nil {
		return nil, err
	}
	return standins, nil
}

// refresh brings one big file's standin up to date. A big file deleted
// from disk keeps its old standin.
func (w *Workspace) refresh(f string) error {
	if w.Shadow.State(f) == vcs.Removed {
		w.Shadow.Forget(f)
		return nil
	}
	if _, err := os.Stat(w.abs(standin.Standin(f))); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := w.refreshStandin(f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.Logger.Warn("big file missing at commit", zap.String("file", f))
			return nil
		}
		return fmt.Errorf("refreshing standin for %s: %w", f, err)
	}
	return w.Shadow.Normal(f)
}

// commitMatcher selects ordinary files matched by m plus the given
// standins, instead of the big files themselves.
func commitMatcher(ds vcs.Dirstate, m match.Matcher, standins map[string]bool) match.Matcher {
	return match.Func(func(p string) bool {
		if standins[p] {
			return true
		}
		return !standin.IsStandin(p) && !isBig(ds, p) && m.Match(p)
	})
}

// cacheCommitted copies the big files recorded by rev into the caches.
func (w *Workspace) cacheCommitted(rev vcs.Revision) error {
	for _, p := range rev.Changed() {
		big, ok := standin.Split(p)
		if !ok || !rev.Has(p) {
			continue
		}
		hash, err := recordedHash(rev, big)
		if err != nil {
			return err
		}
		if err := w.Cache.CopyToCache(w.abs(big), hash); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				w.Logger.Warn("big file not on disk, not cached", zap.String("file", big), zap.String("hash", hash))
				continue
			}
			if errors.Is(err, content.ErrCorrupt) {
				w.Logger.Warn("big file changed since its standin was written, not cached",
					zap.String("file", big), zap.String("hash", hash))
				continue
			}
			return fmt.Errorf("caching %s: %w", big, err)
		}
	}
	return nil
}
