package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
)

// AddOptions selects how new files become big files.
type AddOptions struct {
	// BigFile adds every matched file as a big file.
	BigFile bool
	// Size overrides the configured threshold in megabytes.
	Size   int
	DryRun bool
}

// AddResult lists what Add scheduled.
type AddResult struct {
	BigFiles []string
	Files    []string
	// Rejected are paths the host refused to add.
	Rejected []string
	Warnings []string
}

// Add schedules matched untracked files for the next commit. Files over
// the size threshold, matching a big-file pattern, or all of them with
// BigFile set, get a standin holding their current hash; the rest are
// handed to the host unchanged.
func (w *Workspace) Add(m match.Matcher, opts AddOptions) (*AddResult, error) {
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}

	enabled := w.Config.BigFiles.AutoDetect
	if _, err := os.Stat(standin.Dirname(w.Root)); err == nil {
		enabled = true
	}
	var threshold int64
	if opts.Size > 0 {
		threshold = int64(opts.Size) * 1024 * 1024
	} else if enabled {
		threshold = w.Config.BigFiles.Threshold()
	}
	var patterns match.Matcher
	if enabled && len(w.Config.BigFiles.Patterns) > 0 {
		patterns = match.Patterns(w.Config.BigFiles.Patterns)
	}

	files, err := w.walk(m)
	if err != nil {
		return nil, err
	}

	res := &AddResult{}
	explicit := m.Files()
	for _, f := range files {
		exact := contains(explicit, f)
		big := isBig(ds, f)
		tracked := ds.State(f).Tracked()

		if exact && big {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s already a big file", f))
			continue
		}
		if exact && tracked {
			if opts.BigFile {
				return nil, bferrors.Abort("%s is already tracked as a regular file", f)
			}
			continue
		}
		if big || tracked {
			continue
		}
		if !exact && ds.Ignored(f) {
			continue
		}

		asBig := opts.BigFile || (patterns != nil && patterns.Match(f))
		if !asBig && threshold > 0 {
			info, err := os.Stat(w.abs(f))
			if err != nil {
				return nil, fmt.Errorf("checking size of %s: %w", f, err)
			}
			asBig = info.Size() >= threshold
		}
		if asBig {
			res.BigFiles = append(res.BigFiles, f)
		} else {
			res.Files = append(res.Files, f)
		}
	}

	if opts.DryRun {
		return res, nil
	}

	standins := make([]string, 0, len(res.BigFiles))
	previous := make(map[string]vcs.State, len(res.BigFiles))
	for _, f := range res.BigFiles {
		if _, err := w.refreshStandin(f); err != nil {
			w.undoAdd(previous)
			return nil, fmt.Errorf("creating standin for %s: %w", f, err)
		}
		standins = append(standins, standin.Standin(f))
		previous[f] = w.Shadow.State(f)
		if previous[f] == vcs.Removed {
			w.Shadow.NormalLookup(f)
		} else {
			w.Shadow.Add(f)
		}
		w.Logger.Info("adding big file", zap.String("file", f))
	}
	if err := w.Shadow.Write(); err != nil {
		return nil, err
	}

	rejected, err := w.Repo.Add(append(standins, res.Files...))
	if err != nil {
		w.undoAdd(previous)
		return nil, fmt.Errorf("adding files: %w", err)
	}
	undo := make(map[string]vcs.State)
	for _, p := range rejected {
		if big, ok := standin.Split(p); ok {
			if prev, ok := previous[big]; ok {
				undo[big] = prev
			}
			p = big
		}
		res.Rejected = append(res.Rejected, p)
	}
	if len(undo) > 0 {
		if err := w.undoAdd(undo); err != nil {
			return res, err
		}
	}
	return res, nil
}

// undoAdd puts big files the host did not take back into their previous
// shadow state and deletes the standins written for them.
func (w *Workspace) undoAdd(previous map[string]vcs.State) error {
	for f, prev := range previous {
		if prev == vcs.Removed {
			w.Shadow.Remove(f)
		} else {
			w.Shadow.Forget(f)
		}
		if err := os.Remove(w.abs(standin.Standin(f))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.Logger.Warn("cannot remove standin", zap.String("file", f), zap.Error(err))
		}
	}
	return w.Shadow.Write()
}

// AddRemove adds unknown files and forgets missing ones. It refuses to run
// once big files exist, since it cannot tell them apart from ordinary ones.
func (w *Workspace) AddRemove(m match.Matcher) (*AddResult, error) {
	parent, err := w.Repo.Revision(".")
	if err != nil {
		return nil, fmt.Errorf("resolving working parent: %w", err)
	}
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	for _, p := range parent.Files() {
		if standin.IsStandin(p) {
			return nil, bferrors.Abort("addremove cannot be run on a repo with big files")
		}
	}
	if tracked, err := ds.Walk(match.Func(standin.IsStandin)); err != nil {
		return nil, fmt.Errorf("listing standins: %w", err)
	} else if len(tracked) > 0 {
		return nil, bferrors.Abort("addremove cannot be run on a repo with big files")
	}

	st, err := w.Repo.Status(parent, nil, m, vcs.StatusOptions{Unknown: true})
	if err != nil {
		return nil, fmt.Errorf("host status: %w", err)
	}
	res := &AddResult{Files: st.Unknown}
	if len(st.Unknown) > 0 {
		if res.Rejected, err = w.Repo.Add(st.Unknown); err != nil {
			return nil, fmt.Errorf("adding files: %w", err)
		}
	}
	if len(st.Missing) > 0 {
		if err := w.Repo.Forget(st.Missing); err != nil {
			return nil, fmt.Errorf("forgetting missing files: %w", err)
		}
	}
	return res, nil
}

// hashMatches reports whether the file at p on disk hashes to want.
func (w *Workspace) hashMatches(p, want string) (bool, error) {
	got, err := utils.HashFile(w.abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("hashing %s: %w", p, err)
	}
	return got == want, nil
}
