// Package memvcs is a small self-contained host: the working copy lives on
// disk while revisions and tracked-file state are kept in memory. It backs
// tests and embedders that do not have a real repository.
package memvcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/internal/wlock"
	"kbfiles/shared/types"
	"kbfiles/shared/utils"
)

// AdminName is the administrative directory below the working copy root.
const AdminName = ".mem"

var ErrNothingChanged = vcs.ErrNothingChanged

type file struct {
	data []byte
	exec bool
}

// Revision is an immutable snapshot.
type Revision struct {
	id      string
	files   map[string]file
	parents []*Revision
	changed []string
}

var null = &Revision{id: "null", files: map[string]file{}}

// NewRevision builds a revision from file contents. Changed files are
// computed against the first parent.
func NewRevision(id string, files map[string][]byte, parents ...*Revision) *Revision {
	rev := &Revision{id: id, files: make(map[string]file, len(files)), parents: parents}
	for p, data := range files {
		rev.files[p] = file{data: append([]byte(nil), data...)}
	}
	base := null
	if len(parents) > 0 {
		base = parents[0]
	}
	rev.changed = diffPaths(base.files, rev.files)
	return rev
}

func diffPaths(a, b map[string]file) []string {
	var out []string
	for p, fa := range a {
		fb, ok := b[p]
		if !ok || !fa.equal(fb) {
			out = append(out, p)
		}
	}
	for p := range b {
		if _, ok := a[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (f file) equal(o file) bool {
	return f.exec == o.exec && bytes.Equal(f.data, o.data)
}

func (r *Revision) ID() string { return r.id }

func (r *Revision) Files() []string {
	out := make([]string, 0, len(r.files))
	for p := range r.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Revision) Has(path string) bool {
	_, ok := r.files[path]
	return ok
}

func (r *Revision) Data(path string) ([]byte, error) {
	f, ok := r.files[path]
	if !ok {
		return nil, fmt.Errorf("%s not in revision %s: %w", path, r.id, fs.ErrNotExist)
	}
	return append([]byte(nil), f.data...), nil
}

func (r *Revision) Executable(path string) bool {
	return r.files[path].exec
}

func (r *Revision) FileID(path string) string {
	f, ok := r.files[path]
	if !ok {
		return ""
	}
	return utils.HashContent(f.data)
}

func (r *Revision) Changed() []string {
	return append([]string(nil), r.changed...)
}

func (r *Revision) Parents() ([]vcs.Revision, error) {
	out := make([]vcs.Revision, len(r.parents))
	for i, p := range r.parents {
		out[i] = p
	}
	return out, nil
}

// Repo implements vcs.Repo.
type Repo struct {
	root   string
	admin  string
	lock   *wlock.Lock
	mu     sync.Mutex
	states map[string]vcs.State
	revs   []*Revision
	byID   map[string]*Revision
	parent *Revision
	pushed map[string]bool
	ignore match.Matcher
	path   string
	refuse map[string]bool
}

// New creates an empty repository rooted at root.
func New(root string) (*Repo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	admin := filepath.Join(root, AdminName)
	if err := os.MkdirAll(admin, 0755); err != nil {
		return nil, fmt.Errorf("creating admin directory: %w", err)
	}
	return &Repo{
		root:   root,
		admin:  admin,
		lock:   wlock.New(filepath.Join(admin, "wlock")),
		states: make(map[string]vcs.State),
		byID:   map[string]*Revision{null.id: null},
		parent: null,
		pushed: make(map[string]bool),
		ignore: match.Patterns(nil),
	}, nil
}

// Refuse makes Add reject paths, the way a host rejects names it cannot
// track.
func (r *Repo) Refuse(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse == nil {
		r.refuse = make(map[string]bool)
	}
	for _, p := range paths {
		r.refuse[p] = true
	}
}

// SetIgnore installs doublestar ignore patterns.
func (r *Repo) SetIgnore(globs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignore = match.Patterns(globs)
}

func (r *Repo) SetDefaultPath(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = p
}

// AddRevision registers an externally built revision, e.g. a merge.
func (r *Repo) AddRevision(rev *Revision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revs = append(r.revs, rev)
	r.byID[rev.id] = rev
}

// MarkPushed records revisions as known to every remote.
func (r *Repo) MarkPushed(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.pushed[id] = true
	}
}

func (r *Repo) Parent() *Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parent
}

func (r *Repo) Root() string     { return r.root }
func (r *Repo) AdminDir() string { return r.admin }

func (r *Repo) DefaultPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *Repo) Lock(ctx context.Context) (wlock.Unlocker, error) {
	return r.lock.Acquire(ctx)
}

type dirstate struct {
	states map[string]vcs.State
	ignore match.Matcher
}

func (d *dirstate) State(path string) vcs.State {
	if s, ok := d.states[path]; ok {
		return s
	}
	return vcs.Untracked
}

func (d *dirstate) Walk(m match.Matcher) ([]string, error) {
	var out []string
	for p, s := range d.states {
		if s.Tracked() && m.Match(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *dirstate) Ignored(path string) bool {
	return d.ignore.Match(path)
}

func (r *Repo) Dirstate() (vcs.Dirstate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirstateLocked(), nil
}

func (r *Repo) dirstateLocked() *dirstate {
	states := make(map[string]vcs.State, len(r.states))
	for p, s := range r.states {
		states[p] = s
	}
	return &dirstate{states: states, ignore: r.ignore}
}

func (r *Repo) Revision(rev string) (vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rev == "" || rev == "." {
		return r.parent, nil
	}
	if found, ok := r.byID[rev]; ok {
		return found, nil
	}
	return nil, fmt.Errorf("%w: %s", vcs.ErrNoRevision, rev)
}

func (r *Repo) Status(base, target vcs.Revision, m match.Matcher, opts vcs.StatusOptions) (shared.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if base == nil {
		base = r.parent
	}
	if target != nil {
		return vcs.Compare(base, target, m, opts), nil
	}

	var st shared.Status

	for p, state := range r.states {
		if !m.Match(p) {
			continue
		}
		if state == vcs.Removed {
			st.Removed = append(st.Removed, p)
			continue
		}
		cur, err := r.readWorking(p)
		if errors.Is(err, fs.ErrNotExist) {
			st.Missing = append(st.Missing, p)
			continue
		}
		if err != nil {
			return st, err
		}
		if !base.Has(p) {
			st.Added = append(st.Added, p)
			continue
		}
		old := file{data: mustData(base, p), exec: base.Executable(p)}
		switch {
		case state == vcs.Merged || !old.equal(cur):
			st.Modified = append(st.Modified, p)
		case opts.Clean:
			st.Clean = append(st.Clean, p)
		}
	}
	for _, p := range base.Files() {
		if _, ok := r.states[p]; !ok && m.Match(p) {
			st.Removed = append(st.Removed, p)
		}
	}

	if opts.Unknown || opts.Ignored {
		err := r.walkWorking(func(p string) {
			if _, ok := r.states[p]; ok || !m.Match(p) {
				return
			}
			if r.ignore.Match(p) {
				if opts.Ignored {
					st.Ignored = append(st.Ignored, p)
				}
				return
			}
			if opts.Unknown {
				st.Unknown = append(st.Unknown, p)
			}
		})
		if err != nil {
			return st, err
		}
	}
	st.Sort()
	return st, nil
}

func mustData(rev vcs.Revision, p string) []byte {
	data, _ := rev.Data(p)
	return data
}

func (r *Repo) readWorking(p string) (file, error) {
	full := filepath.Join(r.root, filepath.FromSlash(p))
	info, err := os.Stat(full)
	if err != nil {
		return file{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return file{}, err
	}
	return file{data: data, exec: standin.IsExecutable(info.Mode())}, nil
}

func (r *Repo) walkWorking(fn func(string)) error {
	return filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == r.admin {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		fn(filepath.ToSlash(rel))
		return nil
	})
}

func (r *Repo) Add(paths []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rejected []string
	for _, p := range paths {
		if r.refuse[p] {
			rejected = append(rejected, p)
			continue
		}
		if _, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(p))); err != nil {
			rejected = append(rejected, p)
			continue
		}
		switch r.states[p] {
		case vcs.Removed:
			r.states[p] = vcs.Normal
		case vcs.Normal, vcs.Added, vcs.Merged:
		default:
			r.states[p] = vcs.Added
		}
	}
	return rejected, nil
}

func (r *Repo) Remove(paths []string, unlink bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(paths, unlink)
}

func (r *Repo) removeLocked(paths []string, unlink bool) error {
	for _, p := range paths {
		switch r.states[p] {
		case vcs.Added:
			delete(r.states, p)
		case vcs.Normal, vcs.Merged:
			r.states[p] = vcs.Removed
		}
		if unlink {
			if err := os.Remove(filepath.Join(r.root, filepath.FromSlash(p))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", p, err)
			}
		}
	}
	return nil
}

func (r *Repo) Forget(paths []string) error {
	return r.Remove(paths, false)
}

func (r *Repo) Commit(message string, m match.Matcher) (vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := make(map[string]file, len(r.parent.files))
	for p, f := range r.parent.files {
		files[p] = f
	}
	var changed []string
	for p, state := range r.states {
		if !m.Match(p) {
			continue
		}
		if state == vcs.Removed {
			delete(files, p)
			delete(r.states, p)
			changed = append(changed, p)
			continue
		}
		cur, err := r.readWorking(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if old, ok := files[p]; !ok || !old.equal(cur) {
			changed = append(changed, p)
		}
		files[p] = cur
		r.states[p] = vcs.Normal
	}
	if len(changed) == 0 {
		return nil, ErrNothingChanged
	}
	sort.Strings(changed)

	rev := &Revision{
		id:      fmt.Sprintf("r%d", len(r.revs)),
		files:   files,
		changed: changed,
	}
	if r.parent != null {
		rev.parents = []*Revision{r.parent}
	}
	r.revs = append(r.revs, rev)
	r.byID[rev.id] = rev
	r.parent = rev
	return rev, nil
}

func (r *Repo) Revert(target vcs.Revision, m match.Matcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range target.Files() {
		if !m.Match(p) {
			continue
		}
		data, err := target.Data(p)
		if err != nil {
			return err
		}
		if err := r.writeWorking(p, file{data: data, exec: target.Executable(p)}); err != nil {
			return err
		}
		if r.parent.Has(p) {
			r.states[p] = vcs.Normal
		} else {
			r.states[p] = vcs.Added
		}
	}
	for p, state := range r.states {
		if target.Has(p) || !m.Match(p) {
			continue
		}
		if state == vcs.Added {
			delete(r.states, p)
			continue
		}
		if err := r.removeLocked([]string{p}, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) writeWorking(p string, f file) error {
	full := filepath.Join(r.root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(full, f.data, standin.Mode(f.exec)); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return os.Chmod(full, standin.Mode(f.exec))
}

func (r *Repo) Checkout(target vcs.Revision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rev, ok := r.byID[target.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", vcs.ErrNoRevision, target.ID())
	}
	for p := range r.states {
		if !rev.Has(p) {
			if err := os.Remove(filepath.Join(r.root, filepath.FromSlash(p))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", p, err)
			}
		}
	}
	r.states = make(map[string]vcs.State, len(rev.files))
	for p, f := range rev.files {
		if err := r.writeWorking(p, f); err != nil {
			return err
		}
		r.states[p] = vcs.Normal
	}
	r.parent = rev
	return nil
}

func (r *Repo) Outgoing(ctx context.Context, dest string) ([]vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []vcs.Revision
	for _, rev := range r.revs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.pushed[rev.id] {
			out = append(out, rev)
		}
	}
	return out, nil
}

func (r *Repo) History(ctx context.Context) ([]vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reachable := make(map[string]bool)
	stack := []*Revision{r.parent}
	for len(stack) > 0 {
		rev := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if rev == null || reachable[rev.id] {
			continue
		}
		reachable[rev.id] = true
		stack = append(stack, rev.parents...)
	}

	var out []vcs.Revision
	for _, rev := range r.revs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reachable[rev.id] {
			out = append(out, rev)
		}
	}
	return out, nil
}
