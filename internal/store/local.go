package store

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"kbfiles/internal/content"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
)

// DefaultAdminName is the administrative directory assumed inside a local
// repository path when Options.AdminName is empty.
const DefaultAdminName = ".git"

// localStore stands in for a repository on this machine. Every working copy
// on the machine shares the system cache, so the cache is the store: Put has
// nothing to do and reads never touch the repository at url.
type localStore struct {
	*transfers
	url    string
	system string
}

func newLocal(path string, opts Options) (*localStore, error) {
	var system string
	if opts.Cache != nil {
		system = opts.Cache.SystemDir()
	} else {
		var err error
		if system, err = content.SystemCacheDir(""); err != nil {
			return nil, err
		}
	}

	url := system
	if path != "" {
		admin := opts.AdminName
		if admin == "" {
			admin = DefaultAdminName
		}
		url = filepath.Join(path, admin, content.Name)
	}

	s := &localStore{url: url, system: system}
	s.transfers = &transfers{
		url:    url,
		r:      s,
		opts:   opts,
		logger: opts.Logger.With(zap.String("store", url)),
	}
	return s, nil
}

func (s *localStore) URL() string {
	return s.url
}

func (s *localStore) path(hash string) string {
	return filepath.Join(s.system, hash)
}

// Put does nothing: a committed big file is already in the system cache.
func (s *localStore) Put(context.Context, string, string) error {
	return nil
}

func (s *localStore) Exists(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, hash)
}

func (s *localStore) exists(_ context.Context, hash string) (bool, error) {
	info, err := os.Stat(s.path(hash))
	if err != nil {
		return false, nil
	}
	return info.Mode().IsRegular(), nil
}

func (s *localStore) retrieve(ctx context.Context, w io.Writer, hash string) error {
	f, err := os.Open(s.path(hash))
	if os.IsNotExist(err) {
		return errMissing
	}
	if err != nil {
		return &remoteError{detail: "can't get file locally: " + err.Error()}
	}
	defer f.Close()

	if _, err := io.CopyBuffer(w, f, make([]byte, utils.BlockSize)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &remoteError{detail: err.Error()}
	}
	return nil
}
