// Package vcs is the boundary to the host version-control system. Big-file
// handling only needs the operations listed here.
package vcs

import (
	"context"
	"errors"

	"kbfiles/internal/match"
	"kbfiles/internal/wlock"
	"kbfiles/shared/types"
)

// State is a path's entry in a tracked-file state store.
type State byte

const (
	Untracked State = '?'
	Normal    State = 'n'
	Added     State = 'a'
	Removed   State = 'r'
	Merged    State = 'm'
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Merged:
		return "merged"
	default:
		return "untracked"
	}
}

// Tracked is true for states that keep the path in the next commit.
func (s State) Tracked() bool {
	return s == Normal || s == Added || s == Merged
}

var ErrNoRevision = errors.New("unknown revision")

// Dirstate is the host's tracked-file state for the working copy.
type Dirstate interface {
	State(path string) State
	// Walk lists tracked (normal, added, merged) paths matched by m, sorted.
	Walk(m match.Matcher) ([]string, error)
	// Ignored applies the host's ignore rules to an untracked path.
	Ignored(path string) bool
}

// Revision gives read access to one committed snapshot. The null revision
// (before the first commit) has no files.
type Revision interface {
	ID() string
	Files() []string
	Has(path string) bool
	Data(path string) ([]byte, error)
	Executable(path string) bool
	// FileID identifies a file's content at this revision; equal IDs mean
	// equal bytes.
	FileID(path string) string
	// Changed lists paths touched by this revision relative to its first
	// parent.
	Changed() []string
	Parents() ([]Revision, error)
}

// StatusOptions asks for the optional status lists.
type StatusOptions struct {
	Ignored bool
	Clean   bool
	Unknown bool
}

// Repo is a host working copy.
type Repo interface {
	Root() string
	// AdminDir holds the host's metadata; big-file caches and state live
	// beside it.
	AdminDir() string
	Dirstate() (Dirstate, error)
	// Revision resolves rev; "" and "." name the working directory parent.
	Revision(rev string) (Revision, error)
	// Status compares base with target, or with the working copy when
	// target is nil.
	Status(base, target Revision, m match.Matcher, opts StatusOptions) (shared.Status, error)
	// Add starts tracking paths and returns those that could not be added.
	Add(paths []string) ([]string, error)
	// Remove stops tracking paths, deleting them from disk when unlink is set.
	Remove(paths []string, unlink bool) error
	// Forget stops tracking paths and leaves the files alone.
	Forget(paths []string) error
	Commit(message string, m match.Matcher) (Revision, error)
	// Revert restores matched paths to their content at rev.
	Revert(rev Revision, m match.Matcher) error
	// Checkout moves the working copy to rev.
	Checkout(rev Revision) error
	// Outgoing lists revisions not yet known to dest, parents first.
	Outgoing(ctx context.Context, dest string) ([]Revision, error)
	// History lists every revision reachable from the working parent.
	History(ctx context.Context) ([]Revision, error)
	// DefaultPath is the configured default remote location, if any.
	DefaultPath() string
	// Lock takes the exclusive working-copy lock.
	Lock(ctx context.Context) (wlock.Unlocker, error)
}

// StandinTracked reports whether the working copy tracks path.
func StandinTracked(ds Dirstate) func(string) bool {
	return func(p string) bool {
		return ds.State(p).Tracked()
	}
}

// InRevision reports whether rev contains path.
func InRevision(rev Revision) func(string) bool {
	return func(p string) bool {
		return rev.Has(p)
	}
}

// ErrNothingChanged is returned by Commit when no matched path differs from
// the parent.
var ErrNothingChanged = errors.New("nothing changed")

// Compare classifies matched paths between two fixed revisions by content
// identity and executable bit.
func Compare(base, target Revision, m match.Matcher, opts StatusOptions) shared.Status {
	var st shared.Status
	for _, p := range base.Files() {
		if !m.Match(p) {
			continue
		}
		if !target.Has(p) {
			st.Removed = append(st.Removed, p)
			continue
		}
		if base.FileID(p) != target.FileID(p) || base.Executable(p) != target.Executable(p) {
			st.Modified = append(st.Modified, p)
		} else if opts.Clean {
			st.Clean = append(st.Clean, p)
		}
	}
	for _, p := range target.Files() {
		if m.Match(p) && !base.Has(p) {
			st.Added = append(st.Added, p)
		}
	}
	st.Sort()
	return st
}
