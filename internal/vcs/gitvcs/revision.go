package gitvcs

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"kbfiles/internal/vcs"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// NullID names the revision before the first commit.
const NullID = "null"

// revision is a commit snapshot. A nil commit is the null revision.
type revision struct {
	repo   *gogit.Repository
	commit *object.Commit

	once  sync.Once
	files map[string]*object.File
	names []string
	err   error
}

func newRevision(repo *gogit.Repository, commit *object.Commit) *revision {
	return &revision{repo: repo, commit: commit}
}

func (r *revision) ID() string {
	if r.commit == nil {
		return NullID
	}
	return r.commit.Hash.String()
}

func (r *revision) load() error {
	r.once.Do(func() {
		r.files = make(map[string]*object.File)
		if r.commit == nil {
			return
		}
		tree, err := r.commit.Tree()
		if err != nil {
			r.err = fmt.Errorf("reading tree of %s: %w", r.ID(), err)
			return
		}
		r.err = tree.Files().ForEach(func(f *object.File) error {
			r.files[f.Name] = f
			r.names = append(r.names, f.Name)
			return nil
		})
		sort.Strings(r.names)
	})
	return r.err
}

func (r *revision) Files() []string {
	if r.load() != nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

func (r *revision) file(p string) *object.File {
	if r.load() != nil {
		return nil
	}
	return r.files[p]
}

func (r *revision) Has(p string) bool {
	return r.file(p) != nil
}

func (r *revision) Data(p string) ([]byte, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	f := r.files[p]
	if f == nil {
		return nil, fmt.Errorf("%s: not in revision %s", p, r.ID())
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening %s at %s: %w", p, r.ID(), err)
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

func (r *revision) Executable(p string) bool {
	f := r.file(p)
	return f != nil && f.Mode == filemode.Executable
}

// FileID is the blob hash.
func (r *revision) FileID(p string) string {
	f := r.file(p)
	if f == nil {
		return ""
	}
	return f.Hash.String()
}

func (r *revision) Changed() []string {
	if r.commit == nil {
		return nil
	}
	tree, err := r.commit.Tree()
	if err != nil {
		return nil
	}
	var parentTree *object.Tree
	if r.commit.NumParents() > 0 {
		parent, err := r.commit.Parent(0)
		if err != nil {
			return nil
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil
		}
	}

	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (r *revision) Parents() ([]vcs.Revision, error) {
	if r.commit == nil {
		return nil, nil
	}
	var out []vcs.Revision
	err := r.commit.Parents().ForEach(func(c *object.Commit) error {
		out = append(out, newRevision(r.repo, c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading parents of %s: %w", r.ID(), err)
	}
	return out, nil
}
