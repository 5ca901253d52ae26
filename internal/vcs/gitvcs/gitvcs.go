// Package gitvcs hosts big files in a git working copy through go-git.
package gitvcs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/internal/wlock"
	"kbfiles/shared/types"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// AdminName is the git directory below the working copy root.
const AdminName = ".git"

// ConfigSection holds big-file settings in the git config, e.g.
// "[kbfiles] store = https://example.com/repo".
const ConfigSection = "kbfiles"

// Options configures commit authorship. Empty fields fall back to the git
// config user, then to a fixed identity.
type Options struct {
	AuthorName  string
	AuthorEmail string
	Now         func() time.Time
}

// Repo adapts a git working copy to vcs.Repo.
type Repo struct {
	repo  *gogit.Repository
	wt    *gogit.Worktree
	root  string
	admin string
	lock  *wlock.Lock
	opts  Options
	mu    sync.Mutex
}

var _ vcs.Repo = (*Repo)(nil)

// Open finds the git working copy containing path.
func Open(path string, opts Options) (*Repo, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening git repository at %s: %w", path, err)
	}
	return wrap(repo, opts)
}

// Init creates a new git working copy at path.
func Init(path string, opts Options) (*Repo, error) {
	repo, err := gogit.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("initializing git repository at %s: %w", path, err)
	}
	return wrap(repo, opts)
}

func wrap(repo *gogit.Repository, opts Options) (*Repo, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	root := wt.Filesystem.Root()
	admin := filepath.Join(root, AdminName)
	return &Repo{
		repo:  repo,
		wt:    wt,
		root:  root,
		admin: admin,
		lock:  wlock.New(filepath.Join(admin, "kbf.lock")),
		opts:  opts,
	}, nil
}

func (r *Repo) Root() string     { return r.root }
func (r *Repo) AdminDir() string { return r.admin }

func (r *Repo) Lock(ctx context.Context) (wlock.Unlocker, error) {
	return r.lock.Acquire(ctx)
}

func (r *Repo) abs(p string) string {
	return filepath.Join(r.root, filepath.FromSlash(p))
}

// DefaultPath is the kbfiles.store setting, or the origin remote's URL.
func (r *Repo) DefaultPath() string {
	cfg, err := r.repo.Config()
	if err != nil {
		return ""
	}
	if cfg.Raw != nil {
		if store := cfg.Raw.Section(ConfigSection).Option("store"); store != "" {
			return store
		}
	}
	if remote, ok := cfg.Remotes["origin"]; ok && len(remote.URLs) > 0 {
		return remote.URLs[0]
	}
	return ""
}

func (r *Repo) head() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	return r.repo.CommitObject(ref.Hash())
}

func (r *Repo) Revision(rev string) (vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revisionLocked(rev)
}

func (r *Repo) revisionLocked(rev string) (*revision, error) {
	if rev == "" || rev == "." {
		c, err := r.head()
		if err != nil {
			return nil, err
		}
		return newRevision(r.repo, c), nil
	}
	if rev == NullID {
		return newRevision(r.repo, nil), nil
	}
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vcs.ErrNoRevision, rev)
	}
	c, err := r.repo.CommitObject(*h)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vcs.ErrNoRevision, rev)
	}
	return newRevision(r.repo, c), nil
}

// dirstate derives tracked-file states from the index and HEAD.
type dirstate struct {
	states  map[string]vcs.State
	entries map[string]*index.Entry
	ignore  gitignore.Matcher
}

func (d *dirstate) State(p string) vcs.State {
	if s, ok := d.states[p]; ok {
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

func (d *dirstate) Ignored(p string) bool {
	return d.ignore.Match(strings.Split(p, "/"), false)
}

func (r *Repo) Dirstate() (vcs.Dirstate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirstateLocked()
}

func (r *Repo) dirstateLocked() (*dirstate, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	parent, err := r.revisionLocked(".")
	if err != nil {
		return nil, err
	}
	patterns, err := gitignore.ReadPatterns(r.wt.Filesystem, nil)
	if err != nil {
		return nil, fmt.Errorf("reading ignore rules: %w", err)
	}

	d := &dirstate{
		states:  make(map[string]vcs.State),
		entries: make(map[string]*index.Entry),
		ignore:  gitignore.NewMatcher(patterns),
	}
	for _, e := range idx.Entries {
		d.entries[e.Name] = e
		switch {
		case e.Stage > 0:
			d.states[e.Name] = vcs.Merged
		case parent.Has(e.Name):
			d.states[e.Name] = vcs.Normal
		default:
			d.states[e.Name] = vcs.Added
		}
	}
	for _, p := range parent.Files() {
		if _, ok := d.states[p]; !ok {
			d.states[p] = vcs.Removed
		}
	}
	return d, nil
}

// Status compares base with target, or with the working copy. Working files
// are compared by blob hash unless their index stat data proves them
// unchanged.
func (r *Repo) Status(base, target vcs.Revision, m match.Matcher, opts vcs.StatusOptions) (shared.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if base == nil {
		parent, err := r.revisionLocked(".")
		if err != nil {
			return shared.Status{}, err
		}
		base = parent
	}
	if target != nil {
		return vcs.Compare(base, target, m, opts), nil
	}

	ds, err := r.dirstateLocked()
	if err != nil {
		return shared.Status{}, err
	}

	var st shared.Status
	for p, state := range ds.states {
		if !m.Match(p) {
			continue
		}
		if state == vcs.Removed {
			if base.Has(p) {
				st.Removed = append(st.Removed, p)
			}
			continue
		}
		info, err := os.Lstat(r.abs(p))
		if errors.Is(err, fs.ErrNotExist) {
			st.Missing = append(st.Missing, p)
			continue
		}
		if err != nil {
			return st, fmt.Errorf("checking %s: %w", p, err)
		}
		if !base.Has(p) {
			st.Added = append(st.Added, p)
			continue
		}
		same, err := r.sameAsRevision(base, p, ds.entries[p], info)
		if err != nil {
			return st, err
		}
		switch {
		case state == vcs.Merged || !same:
			st.Modified = append(st.Modified, p)
		case opts.Clean:
			st.Clean = append(st.Clean, p)
		}
	}
	for _, p := range base.Files() {
		if _, ok := ds.states[p]; !ok && m.Match(p) {
			st.Removed = append(st.Removed, p)
		}
	}

	if opts.Unknown || opts.Ignored {
		err := r.walkWorking(func(p string) {
			if _, ok := ds.states[p]; ok || !m.Match(p) {
				return
			}
			if ds.Ignored(p) {
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

func (r *Repo) sameAsRevision(rev vcs.Revision, p string, e *index.Entry, info os.FileInfo) (bool, error) {
	if standin.IsExecutable(info.Mode()) != rev.Executable(p) {
		return false, nil
	}
	want := rev.FileID(p)
	if e != nil && e.Hash.String() == want && int64(e.Size) == info.Size() && e.ModifiedAt.Equal(info.ModTime()) {
		return true, nil
	}
	data, err := os.ReadFile(r.abs(p))
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", p, err)
	}
	return plumbing.ComputeHash(plumbing.BlobObject, data).String() == want, nil
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
		if _, err := os.Lstat(r.abs(p)); err != nil {
			rejected = append(rejected, p)
			continue
		}
		if _, err := r.wt.Add(p); err != nil {
			return rejected, fmt.Errorf("adding %s: %w", p, err)
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
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}
	for _, p := range paths {
		if _, err := idx.Remove(p); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
			return fmt.Errorf("untracking %s: %w", p, err)
		}
		if unlink {
			if err := os.Remove(r.abs(p)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", p, err)
			}
		}
	}
	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

func (r *Repo) Forget(paths []string) error {
	return r.Remove(paths, false)
}

func (r *Repo) author() *object.Signature {
	name, email := r.opts.AuthorName, r.opts.AuthorEmail
	if name == "" || email == "" {
		if cfg, err := r.repo.ConfigScoped(config.GlobalScope); err == nil {
			if name == "" {
				name = cfg.User.Name
			}
			if email == "" {
				email = cfg.User.Email
			}
		}
	}
	if name == "" {
		name = "kbfiles"
	}
	if email == "" {
		email = "kbfiles@localhost"
	}
	return &object.Signature{Name: name, Email: email, When: r.opts.Now()}
}

// Commit stages the matched tracked paths as they are on disk and commits
// the index.
func (r *Repo) Commit(message string, m match.Matcher) (vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds, err := r.dirstateLocked()
	if err != nil {
		return nil, err
	}
	var gone []string
	for p, state := range ds.states {
		if !m.Match(p) || state == vcs.Removed {
			continue
		}
		if _, err := os.Lstat(r.abs(p)); errors.Is(err, fs.ErrNotExist) {
			gone = append(gone, p)
			continue
		}
		if _, err := r.wt.Add(p); err != nil {
			return nil, fmt.Errorf("staging %s: %w", p, err)
		}
	}
	if len(gone) > 0 {
		if err := r.removeLocked(gone, false); err != nil {
			return nil, err
		}
	}

	h, err := r.wt.Commit(message, &gogit.CommitOptions{Author: r.author()})
	if errors.Is(err, gogit.ErrEmptyCommit) {
		return nil, vcs.ErrNothingChanged
	}
	if err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("reading new commit: %w", err)
	}
	return newRevision(r.repo, c), nil
}

// Revert restores matched paths to their content at rev, in the working
// copy and the index.
func (r *Repo) Revert(rev vcs.Revision, m match.Matcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range rev.Files() {
		if !m.Match(p) {
			continue
		}
		data, err := rev.Data(p)
		if err != nil {
			return err
		}
		full := r.abs(p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		mode := standin.Mode(rev.Executable(p))
		if err := os.WriteFile(full, data, mode); err != nil {
			return fmt.Errorf("writing %s: %w", p, err)
		}
		if err := os.Chmod(full, mode); err != nil {
			return err
		}
		if _, err := r.wt.Add(p); err != nil {
			return fmt.Errorf("staging %s: %w", p, err)
		}
	}

	ds, err := r.dirstateLocked()
	if err != nil {
		return err
	}
	var drop, unlink []string
	for p, state := range ds.states {
		if rev.Has(p) || !m.Match(p) || state == vcs.Removed {
			continue
		}
		if state == vcs.Added {
			drop = append(drop, p)
		} else {
			unlink = append(unlink, p)
		}
	}
	if err := r.removeLocked(drop, false); err != nil {
		return err
	}
	return r.removeLocked(unlink, true)
}

func (r *Repo) Checkout(rev vcs.Revision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rev.ID() == NullID {
		return fmt.Errorf("%w: cannot check out the null revision", vcs.ErrNoRevision)
	}
	err := r.wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(rev.ID()), Force: true})
	if err != nil {
		return fmt.Errorf("checking out %s: %w", rev.ID(), err)
	}
	return nil
}

// log lists commits reachable from HEAD, parents first, skipping known.
func (r *Repo) log(ctx context.Context, known map[plumbing.Hash]bool) ([]vcs.Revision, error) {
	head, err := r.head()
	if err != nil || head == nil {
		return nil, err
	}
	iter, err := r.repo.Log(&gogit.LogOptions{From: head.Hash, Order: gogit.LogOrderDFSPost})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer iter.Close()

	var out []vcs.Revision
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !known[c.Hash] {
			out = append(out, newRevision(r.repo, c))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) History(ctx context.Context) ([]vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log(ctx, nil)
}

// Outgoing lists commits not reachable from any remote-tracking ref of
// dest, a remote name defaulting to origin.
func (r *Repo) Outgoing(ctx context.Context, dest string) ([]vcs.Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dest == "" || strings.Contains(dest, "://") {
		dest = "origin"
	}
	prefix := "refs/remotes/" + dest + "/"

	refs, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	known := make(map[plumbing.Hash]bool)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if !ref.Name().IsRemote() || !strings.HasPrefix(ref.Name().String(), prefix) || ref.Type() != plumbing.HashReference {
			return nil
		}
		iter, err := r.repo.Log(&gogit.LogOptions{From: ref.Hash()})
		if err != nil {
			return err
		}
		defer iter.Close()
		return iter.ForEach(func(c *object.Commit) error {
			if known[c.Hash] {
				return storer.ErrStop
			}
			known[c.Hash] = true
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading remote history: %w", err)
	}
	return r.log(ctx, known)
}
