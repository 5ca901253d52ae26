package workspace

import (
	"fmt"
	"os"
	"path"
	"sort"

	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/status"
	"kbfiles/internal/vcs"
)

// RemoveOptions mirror the usual remove flags.
type RemoveOptions struct {
	// After only records files already deleted from disk.
	After bool
	// Force removes modified files and forgets added ones.
	Force bool
}

// RemoveResult lists what Remove and Forget did.
type RemoveResult struct {
	Removed  []string
	Warnings []string
}

func (r *RemoveResult) warn(files []string, reason string) {
	for _, f := range files {
		r.Warnings = append(r.Warnings, fmt.Sprintf("not removing %s: file %s (use -f to force removal)", f, reason))
	}
}

// Remove stops tracking matched files and deletes them from disk. Big files
// and ordinary files follow the same rules: modified or newly added files
// are kept unless forced.
func (w *Workspace) Remove(m match.Matcher, opts RemoveOptions) (*RemoveResult, error) {
	if m.Always() && !opts.After {
		return nil, bferrors.Abort("no files specified")
	}

	st, err := w.Status(status.Request{Matcher: m, Options: vcs.StatusOptions{Clean: true}})
	if err != nil {
		return nil, err
	}

	res := &RemoveResult{}
	var remove, forget []string
	switch {
	case opts.Force:
		remove = concat(st.Modified, st.Missing, st.Clean)
		forget = st.Added
	case opts.After:
		remove = st.Missing
		res.warn(concat(st.Modified, st.Added, st.Clean), "still exists")
	default:
		remove = concat(st.Missing, st.Clean)
		res.warn(st.Modified, "is modified")
		res.warn(st.Added, "has been marked for add")
	}

	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}

	var standins, unlink, untrack []string
	for _, f := range remove {
		if !isBig(ds, f) {
			if opts.After {
				untrack = append(untrack, f)
			} else {
				unlink = append(unlink, f)
			}
			continue
		}
		if !opts.After {
			if err := w.removeFile(f); err != nil {
				return nil, err
			}
		}
		w.Shadow.Remove(f)
		standins = append(standins, standin.Standin(f))
	}
	for _, f := range forget {
		if !isBig(ds, f) {
			untrack = append(untrack, f)
			continue
		}
		w.Shadow.Forget(f)
		standins = append(standins, standin.Standin(f))
	}
	if err := w.Shadow.Write(); err != nil {
		return nil, err
	}

	if err := w.Repo.Remove(append(standins, unlink...), true); err != nil {
		return nil, fmt.Errorf("removing files: %w", err)
	}
	if len(untrack) > 0 {
		if err := w.Repo.Forget(untrack); err != nil {
			return nil, fmt.Errorf("forgetting files: %w", err)
		}
	}

	res.Removed = concat(remove, forget)
	sort.Strings(res.Removed)
	return res, nil
}

// Forget stops tracking matched files and leaves them on disk.
func (w *Workspace) Forget(m match.Matcher) (*RemoveResult, error) {
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	res := &RemoveResult{}
	for _, f := range m.Files() {
		if isBig(ds, f) || ds.State(f).Tracked() {
			continue
		}
		if info, err := os.Stat(w.abs(f)); err == nil && !info.IsDir() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("not removing %s: file is already untracked", f))
		}
	}

	st, err := w.Status(status.Request{Matcher: m, Options: vcs.StatusOptions{Clean: true}})
	if err != nil {
		return nil, err
	}

	var standins, plain []string
	for _, f := range concat(st.Modified, st.Added, st.Missing, st.Clean) {
		if isBig(ds, f) {
			w.Shadow.Remove(f)
			standins = append(standins, standin.Standin(f))
			continue
		}
		plain = append(plain, f)
	}
	if err := w.Shadow.Write(); err != nil {
		return nil, err
	}
	if len(standins) > 0 {
		if err := w.Repo.Remove(standins, true); err != nil {
			return nil, fmt.Errorf("removing standins: %w", err)
		}
	}
	if len(plain) > 0 {
		if err := w.Repo.Forget(plain); err != nil {
			return nil, fmt.Errorf("forgetting files: %w", err)
		}
	}

	res.Removed = concat(standins, plain)
	for i, p := range res.Removed {
		if big, ok := standin.Split(p); ok {
			res.Removed[i] = big
		}
	}
	sort.Strings(res.Removed)
	return res, nil
}

// removeFile deletes p and any directories it leaves empty.
func (w *Workspace) removeFile(p string) error {
	if err := os.Remove(w.abs(p)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
		entries, err := os.ReadDir(w.abs(dir))
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(w.abs(dir)); err != nil {
			break
		}
	}
	return nil
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
