// Package workspace runs big-file operations against one locked working
// copy. It ties the host, the shadow state, the local caches and the
// central store together.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"kbfiles/internal/config"
	"kbfiles/internal/content"
	"kbfiles/internal/match"
	"kbfiles/internal/shadow"
	"kbfiles/internal/standin"
	"kbfiles/internal/status"
	"kbfiles/internal/store"
	"kbfiles/internal/vcs"
	"kbfiles/internal/wlock"
	"kbfiles/shared/types"
	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// StateDir is the shadow state database below the host's admin directory.
const StateDir = "kbfdirstate"

// Options tunes Open.
type Options struct {
	// InMemory keeps the shadow state out of the admin directory.
	InMemory   bool
	Progress   store.Progress
	HTTPClient *http.Client
}

// Workspace holds the working-copy lock from Open until Close.
type Workspace struct {
	Root   string
	Repo   vcs.Repo
	DB     *badger.DB
	Shadow *shadow.Tracker
	Cache  *content.Store
	Config *config.Config
	Logger *zap.Logger

	opts   Options
	status *status.Reconciler
	unlock wlock.Unlocker
}

// Open locks the working copy of repo and loads its big-file state,
// bootstrapping it from the tracked standins on first use.
func Open(ctx context.Context, repo vcs.Repo, cfg *config.Config, logger *zap.Logger, opts Options) (_ *Workspace, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	unlock, err := repo.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("locking working copy: %w", err)
	}
	w := &Workspace{
		Root:   repo.Root(),
		Repo:   repo,
		Config: cfg,
		Logger: logger,
		opts:   opts,
		unlock: unlock,
	}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	dbOpts := badger.DefaultOptions(filepath.Join(repo.AdminDir(), StateDir))
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts.Logger = nil // Disable logging noise
	if w.DB, err = badger.Open(dbOpts); err != nil {
		return nil, fmt.Errorf("opening shadow state database: %w", err)
	}

	w.Cache, err = content.NewFileStore(repo.AdminDir(), content.Options{
		SystemCache: cfg.BigFiles.SystemCache,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening content store: %w", err)
	}

	ds, err := repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	w.Shadow, err = shadow.Open(w.Root, w.DB, shadow.Options{
		Ignored:  ds.Ignored,
		SkipDirs: []string{filepath.Base(repo.AdminDir())},
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	w.status = status.New(repo, w.Shadow, logger)

	if !w.Shadow.Initialized() {
		if err := w.bootstrap(ds); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Close releases the database and the working-copy lock.
func (w *Workspace) Close() error {
	var result *multierror.Error
	if w.DB != nil {
		if err := w.DB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing shadow state database: %w", err))
		}
		w.DB = nil
	}
	if w.unlock != nil {
		if err := w.unlock(); err != nil {
			result = multierror.Append(result, fmt.Errorf("releasing working-copy lock: %w", err))
		}
		w.unlock = nil
	}
	return result.ErrorOrNil()
}

// bootstrap seeds the shadow state from the standins the host tracks.
func (w *Workspace) bootstrap(ds vcs.Dirstate) error {
	standins, err := ds.Walk(match.Func(standin.IsStandin))
	if err != nil {
		return fmt.Errorf("listing standins: %w", err)
	}
	recorded := make(map[string]string, len(standins))
	for _, st := range standins {
		big, _ := standin.Split(st)
		hash, err := standin.Read(w.abs(st))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		recorded[big] = hash
	}
	if err := w.Shadow.Bootstrap(recorded); err != nil {
		return err
	}
	return w.Shadow.Write()
}

func (w *Workspace) abs(p string) string {
	return filepath.Join(w.Root, filepath.FromSlash(p))
}

// Backend opens the central store. An empty url falls back to the
// configured store, then to the host's default path. Local paths are served
// from the system cache.
func (w *Workspace) Backend(url string) (store.Backend, error) {
	if url == "" {
		url = w.Config.BigFiles.StoreURL
	}
	if url == "" {
		url = w.Repo.DefaultPath()
	}
	return store.Open(url, store.Options{
		Root:        w.Root,
		Cache:       w.Cache,
		Logger:      w.Logger,
		Progress:    w.opts.Progress,
		Concurrency: w.Config.BigFiles.Concurrency,
		HTTPClient:  w.opts.HTTPClient,
		AdminName:   filepath.Base(w.Repo.AdminDir()),
	})
}

// Status reports the working copy or a revision pair with big files under
// their own names.
func (w *Workspace) Status(req status.Request) (shared.Status, error) {
	return w.status.Status(req)
}

// BigFiles lists the big files whose standins the host tracks, restricted
// to m.
func (w *Workspace) BigFiles(m match.Matcher) ([]string, error) {
	if m == nil {
		m = match.All()
	}
	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	return bigFiles(ds, m)
}

func bigFiles(ds vcs.Dirstate, m match.Matcher) ([]string, error) {
	standins, err := ds.Walk(match.Func(func(p string) bool {
		big, ok := standin.Split(p)
		return ok && m.Match(big)
	}))
	if err != nil {
		return nil, fmt.Errorf("listing standins: %w", err)
	}
	out := make([]string, 0, len(standins))
	for _, st := range standins {
		big, _ := standin.Split(st)
		out = append(out, big)
	}
	return out, nil
}

// isBig reports whether the host tracks a standin for p.
func isBig(ds vcs.Dirstate, p string) bool {
	return ds.State(standin.Standin(p)).Tracked()
}

// refreshStandin rewrites big's standin with the hash and executable bit
// of the file on disk.
func (w *Workspace) refreshStandin(big string) (string, error) {
	full := w.abs(big)
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	hash, err := utils.HashFile(full)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", big, err)
	}
	if err := standin.Write(w.abs(standin.Standin(big)), hash, standin.IsExecutable(info.Mode())); err != nil {
		return "", err
	}
	return hash, nil
}

// recordedHash reads big's standin at rev, "" when rev has none.
func recordedHash(rev vcs.Revision, big string) (string, error) {
	st := standin.Standin(big)
	if !rev.Has(st) {
		return "", nil
	}
	data, err := rev.Data(st)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", st, rev.ID(), err)
	}
	return standin.Parse(st, data)
}

// Invalidate flags clean big files among paths for a content recheck.
func (w *Workspace) Invalidate(paths []string) error {
	n := 0
	for _, p := range paths {
		if e, ok := w.Shadow.Get(p); ok && e.State == vcs.Normal && !e.Lookup {
			w.Shadow.NormalLookup(p)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	w.Logger.Debug("invalidated big files", zap.Int("files", n))
	return w.Shadow.Write()
}

// walk lists regular working files matched by m, skipping the admin and
// standin directories.
func (w *Workspace) walk(m match.Matcher) ([]string, error) {
	admin := filepath.Base(w.Repo.AdminDir())
	var out []string
	err := filepath.WalkDir(w.Root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.Root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == admin || rel == standin.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && m.Match(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking working copy: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func contains(list []string, p string) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}
