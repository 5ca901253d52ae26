// internal/content/store.go
package content

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kbfiles/internal/standin"
	"kbfiles/shared/utils"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Name is the directory name of both caches.
const Name = "kbfiles"

var (
	ErrNotCached = errors.New("content not in cache")
	ErrCorrupt   = errors.New("cache entry is corrupt")
)

// Store is the content-addressed blob cache: one flat directory per
// repository and one per user, with identical blobs hard-linked between them.
type Store struct {
	root   string
	system string
	found  *lru.Cache[string, string]
	logger *zap.Logger
}

// Options configures a Store.
type Options struct {
	// SystemCache overrides the per-user cache location.
	SystemCache string
	// FindCacheSize bounds the memo of recent Find hits.
	FindCacheSize int
	Logger        *zap.Logger
}

// SystemCacheDir resolves the per-user cache directory.
func SystemCacheDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory for system cache: %w", err)
	}
	return filepath.Join(home, "."+Name), nil
}

// NewFileStore opens the cache pair for the repository whose administrative
// directory is adminDir.
func NewFileStore(adminDir string, opts Options) (*Store, error) {
	system, err := SystemCacheDir(opts.SystemCache)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(adminDir, Name)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating content store directory: %w", err)
	}

	if opts.FindCacheSize <= 0 {
		opts.FindCacheSize = 1024
	}
	found, err := lru.New[string, string](opts.FindCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating find cache: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		root:   root,
		system: system,
		found:  found,
		logger: logger,
	}, nil
}

// Path is where hash lives in the local cache.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.root, hash)
}

// SystemPath is where hash lives in the system cache.
func (s *Store) SystemPath(hash string) string {
	return filepath.Join(s.system, hash)
}

func (s *Store) SystemDir() string {
	return s.system
}

// Exists checks the local cache only.
func (s *Store) Exists(hash string) bool {
	if hash == "" {
		return false
	}
	return isFile(s.Path(hash))
}

// InSystemCache checks the system cache only.
func (s *Store) InSystemCache(hash string) bool {
	if hash == "" {
		return false
	}
	return isFile(s.SystemPath(hash))
}

// Find returns the cached location of hash, local cache first.
func (s *Store) Find(hash string) (string, bool) {
	if hash == "" {
		return "", false
	}
	if p, ok := s.found.Get(hash); ok {
		if isFile(p) {
			return p, true
		}
		s.found.Remove(hash)
	}
	for _, p := range []string{s.Path(hash), s.SystemPath(hash)} {
		if isFile(p) {
			s.found.Add(hash, p)
			return p, true
		}
	}
	return "", false
}

// CopyToCache makes sure the working file at file, whose content is hash,
// is present in both caches. Calling it again for a cached hash does nothing.
// A file whose bytes no longer hash to hash returns ErrCorrupt and nothing is
// cached.
func (s *Store) CopyToCache(file, hash string) error {
	if s.Exists(hash) {
		return nil
	}

	local := s.Path(hash)
	if s.InSystemCache(hash) {
		if err := link(s.SystemPath(hash), local); err != nil {
			return fmt.Errorf("linking %s from system cache: %w", hash, err)
		}
		return nil
	}

	info, err := os.Stat(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}
	src, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer src.Close()

	tmp, err := CreateTemp(local)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(tmp, src, make([]byte, utils.BlockSize)); err != nil {
		tmp.Discard()
		return fmt.Errorf("copying %s into cache: %w", file, err)
	}
	if got := tmp.Digest().String(); got != hash {
		tmp.Discard()
		s.logger.Warn("file does not match its hash, not cached", zap.String("file", file), zap.String("expected", hash), zap.String("actual", got))
		return fmt.Errorf("%w: %s (expected %s, got %s)", ErrCorrupt, file, hash, got)
	}
	if err := tmp.Commit(standin.Mode(standin.IsExecutable(info.Mode())), false); err != nil {
		return fmt.Errorf("committing %s to cache: %w", hash, err)
	}

	if err := link(local, s.SystemPath(hash)); err != nil {
		return fmt.Errorf("mirroring %s to system cache: %w", hash, err)
	}
	s.logger.Debug("cached big file", zap.String("file", file), zap.String("hash", hash))
	return nil
}

// Restore writes the cached blob for hash to dest, re-hashing on the way.
// A corrupt entry returns ErrCorrupt and dest is left untouched.
func (s *Store) Restore(hash, dest string, executable bool) error {
	path, ok := s.Find(hash)
	if !ok {
		return ErrNotCached
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening cache entry %s: %w", hash, err)
	}
	defer src.Close()

	tmp, err := CreateTemp(dest)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(tmp, src, make([]byte, utils.BlockSize)); err != nil {
		tmp.Discard()
		return fmt.Errorf("copying %s from cache: %w", hash, err)
	}
	if got := tmp.Digest().String(); got != hash {
		tmp.Discard()
		s.found.Remove(hash)
		s.logger.Warn("corrupt cache entry", zap.String("path", path), zap.String("expected", hash), zap.String("actual", got))
		return fmt.Errorf("%w: %s (expected %s, got %s)", ErrCorrupt, path, hash, got)
	}
	return tmp.Commit(standin.Mode(executable), true)
}

// Verify re-hashes the local cache entry for hash.
func (s *Store) Verify(hash string) error {
	got, err := utils.HashFile(s.Path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotCached
		}
		return err
	}
	if got != hash {
		return fmt.Errorf("%w: %s (got %s)", ErrCorrupt, hash, got)
	}
	return nil
}

// link hard-links src to dst, falling back to a copy that keeps src's mode
// when the link cannot be made (different devices, no link support).
func link(src, dst string) error {
	if isFile(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Link(src, dst); err == nil || os.IsExist(err) {
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := CreateTemp(dst)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(tmp, in, make([]byte, utils.BlockSize)); err != nil {
		tmp.Discard()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return tmp.Commit(info.Mode().Perm(), false)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
