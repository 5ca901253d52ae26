// Package store moves big-file blobs between the working copy and a central
// store. The store is addressed by URL; the scheme picks the backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"kbfiles/internal/content"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UserAgent identifies HTTP requests made by this module.
const UserAgent = "kbfiles/1.0"

// errMissing means the store does not have the requested hash.
var errMissing = errors.New("not found in store")

// File names one big file to transfer.
type File struct {
	Name       string
	Hash       string
	Executable bool
}

// GetResult splits a batch into the files that arrived and those that did
// not. Every failed file is also listed in Missing.
type GetResult struct {
	Success  []string
	Missing  []string
	Failures []*bferrors.StoreError
}

// VerifyReport totals a verification scan.
type VerifyReport struct {
	Changesets int
	Revisions  int
	Files      int
	Failures   int
}

// Progress receives one call per finished file in a batch.
type Progress interface {
	Step(name string, done, total int)
}

// Backend is a central big-file store.
type Backend interface {
	URL() string
	// Put uploads the file at source under hash.
	Put(ctx context.Context, source, hash string) error
	Exists(ctx context.Context, hash string) (bool, error)
	// Get downloads files into the working copy. A returned error means the
	// batch was cut short; the result still describes what was done.
	Get(ctx context.Context, files []File) (*GetResult, error)
	// Verify checks that every big file referenced by revs is in the store,
	// re-hashing the content when contents is set.
	Verify(ctx context.Context, revs []vcs.Revision, contents bool) (VerifyReport, error)
}

// Options configures a Backend.
type Options struct {
	// Root is the working copy that Get writes into.
	Root string
	// Cache receives every downloaded blob. Optional.
	Cache    *content.Store
	Logger   *zap.Logger
	Progress Progress
	// Concurrency bounds parallel downloads; values below 2 download
	// sequentially.
	Concurrency int
	HTTPClient  *http.Client
	// AdminName is the host's administrative directory name, used to
	// resolve the big-file store of a local repository path.
	AdminName string
}

// Open connects to the store at rawURL. An empty URL or a file URL is a
// local store served from the system cache; http and https are remote.
func Open(rawURL string, opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, bferrors.Abort("invalid store URL %q: %v", rawURL, err)
	}

	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = rawURL
		}
		return newLocal(dir, opts)
	case "http", "https":
		return newHTTP(u, opts), nil
	default:
		return nil, bferrors.Abort("unsupported URL scheme %q", u.Scheme)
	}
}

// retriever is the per-backend half of Get and Verify. retrieve returns
// errMissing when the hash is unknown, a *remoteError when only this file
// failed, and any other error when the store cannot be reached.
type retriever interface {
	retrieve(ctx context.Context, w io.Writer, hash string) error
	exists(ctx context.Context, hash string) (bool, error)
}

type remoteError struct {
	detail string
}

func (e *remoteError) Error() string { return e.detail }

// transfers implements Get and Verify on top of a retriever.
type transfers struct {
	url    string
	r      retriever
	opts   Options
	logger *zap.Logger
}

func (t *transfers) Get(ctx context.Context, files []File) (*GetResult, error) {
	res := &GetResult{}
	var mu sync.Mutex
	done := 0

	limit := t.opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := t.getOne(gctx, f)

			mu.Lock()
			defer mu.Unlock()
			done++
			if t.opts.Progress != nil {
				t.opts.Progress.Step(f.Name, done, len(files))
			}

			var re *remoteError
			switch {
			case err == nil:
				res.Success = append(res.Success, f.Name)
			case errors.Is(err, errMissing):
				res.Missing = append(res.Missing, f.Name)
			case errors.As(err, &re):
				res.Missing = append(res.Missing, f.Name)
				res.Failures = append(res.Failures, bferrors.NewStoreError(f.Name, f.Hash, t.url, re.detail))
			default:
				return fmt.Errorf("getting %s: %w", f.Name, err)
			}
			return nil
		})
	}

	err := g.Wait()
	sort.Strings(res.Success)
	sort.Strings(res.Missing)
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Filename < res.Failures[j].Filename })
	return res, err
}

func (t *transfers) getOne(ctx context.Context, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := filepath.Join(t.opts.Root, filepath.FromSlash(f.Name))
	tmp, err := content.CreateTemp(dest)
	if err != nil {
		return err
	}

	if err := t.r.retrieve(ctx, tmp, f.Hash); err != nil {
		tmp.Discard()
		return err
	}
	if got := tmp.Digest().String(); got != f.Hash {
		tmp.Discard()
		t.logger.Warn("data corruption",
			zap.String("file", f.Name), zap.String("expected", f.Hash), zap.String("actual", got))
		return &remoteError{detail: fmt.Sprintf("data corruption (expected %s, got %s)", f.Hash, got)}
	}
	if err := tmp.Commit(standin.Mode(f.Executable), true); err != nil {
		return err
	}

	if t.opts.Cache != nil {
		if err := t.opts.Cache.CopyToCache(dest, f.Hash); err != nil {
			return fmt.Errorf("caching %s: %w", f.Name, err)
		}
	}
	t.logger.Debug("got big file", zap.String("file", f.Name), zap.String("hash", f.Hash))
	return nil
}

type verifyKey struct {
	name string
	id   string
}

func (t *transfers) Verify(ctx context.Context, revs []vcs.Revision, contents bool) (VerifyReport, error) {
	var report VerifyReport
	seen := make(map[verifyKey]bool)
	names := make(map[string]bool)

	for _, rev := range revs {
		report.Changesets++
		for _, p := range rev.Files() {
			name, ok := standin.Split(p)
			if !ok {
				continue
			}
			key := verifyKey{name: name, id: rev.FileID(p)}
			if seen[key] {
				continue
			}
			seen[key] = true
			names[name] = true

			data, err := rev.Data(p)
			if err != nil {
				return report, fmt.Errorf("reading %s at %s: %w", p, rev.ID(), err)
			}
			hash, err := standin.Parse(p, data)
			if err != nil {
				return report, err
			}

			problem, err := t.verifyOne(ctx, hash, contents)
			if err != nil {
				return report, err
			}
			if problem != "" {
				report.Failures++
				t.logger.Warn("big file revision "+problem,
					zap.String("changeset", rev.ID()), zap.String("file", name), zap.String("hash", hash))
			}
		}
	}

	report.Revisions = len(seen)
	report.Files = len(names)
	t.logger.Info("verified big files",
		zap.Bool("contents", contents),
		zap.Int("revisions", report.Revisions),
		zap.Int("files", report.Files),
		zap.Int("failures", report.Failures))
	return report, nil
}

// verifyOne returns "missing" or "corrupt" for a bad hash and "" otherwise.
func (t *transfers) verifyOne(ctx context.Context, hash string, contents bool) (string, error) {
	if !contents {
		ok, err := t.r.exists(ctx, hash)
		var se *bferrors.StoreError
		if errors.As(err, &se) {
			t.logger.Warn(se.Error())
			return "missing", nil
		}
		if err != nil {
			return "", err
		}
		if !ok {
			return "missing", nil
		}
		return "", nil
	}

	h := utils.NewHasher()
	err := t.r.retrieve(ctx, h, hash)
	var re *remoteError
	switch {
	case errors.Is(err, errMissing):
		return "missing", nil
	case errors.As(err, &re):
		t.logger.Warn(re.detail, zap.String("hash", hash))
		return "missing", nil
	case err != nil:
		return "", err
	}
	if h.Digest().String() != hash {
		return "corrupt", nil
	}
	return "", nil
}
