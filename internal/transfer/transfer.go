// Package transfer decides which big files a push must upload and drives
// batched uploads and downloads against a store.
package transfer

import (
	"context"
	"fmt"
	"os"
	"sort"

	"kbfiles/internal/content"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/standin"
	"kbfiles/internal/store"
	"kbfiles/internal/vcs"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Summary totals one batch. Bytes counts uploaded bytes only.
type Summary struct {
	Total   int
	Done    int
	Failed  int
	Bytes   int64
	Missing []string
	errs    *multierror.Error
}

// Err aggregates every per-file failure, or is nil.
func (s *Summary) Err() error {
	return s.errs.ErrorOrNil()
}

func (s *Summary) fail(err error) {
	s.Failed++
	s.errs = multierror.Append(s.errs, err)
}

// OutgoingFiles lists the big files referenced by revs that a push must make
// available in the store, one per hash, sorted by name.
func OutgoingFiles(revs []vcs.Revision) ([]store.File, error) {
	byHash := make(map[string]store.File)

	for _, rev := range revs {
		files, err := touched(rev)
		if err != nil {
			return nil, err
		}
		for _, p := range files {
			name, ok := standin.Split(p)
			if !ok || !rev.Has(p) {
				continue
			}
			data, err := rev.Data(p)
			if err != nil {
				return nil, fmt.Errorf("reading %s at %s: %w", p, rev.ID(), err)
			}
			hash, err := standin.Parse(p, data)
			if err != nil {
				return nil, err
			}
			if _, seen := byHash[hash]; !seen {
				byHash[hash] = store.File{Name: name, Hash: hash, Executable: rev.Executable(p)}
			}
		}
	}

	out := make([]store.File, 0, len(byHash))
	for _, f := range byHash {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// touched is the revision's changed files, widened for merges to every file
// that left the merge or differs from either parent.
func touched(rev vcs.Revision) ([]string, error) {
	set := make(map[string]bool)
	for _, p := range rev.Changed() {
		set[p] = true
	}

	parents, err := rev.Parents()
	if err != nil {
		return nil, fmt.Errorf("reading parents of %s: %w", rev.ID(), err)
	}
	if len(parents) == 2 {
		p1, p2 := parents[0], parents[1]
		for _, parent := range parents {
			for _, p := range parent.Files() {
				if !rev.Has(p) {
					set[p] = true
				}
			}
		}
		for _, p := range rev.Files() {
			id := rev.FileID(p)
			if id != fileID(p1, p) || id != fileID(p2, p) {
				set[p] = true
			}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func fileID(rev vcs.Revision, p string) string {
	if !rev.Has(p) {
		return ""
	}
	return rev.FileID(p)
}

// Upload puts every file's cached blob into the store. Per-file store
// failures are collected and the batch goes on; a blob missing from the
// cache or an unreachable store stops it.
func Upload(ctx context.Context, backend store.Backend, cache *content.Store, files []store.File, progress store.Progress, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sum := Summary{Total: len(files)}

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		source, ok := cache.Find(f.Hash)
		if !ok {
			return sum, bferrors.Abort("missing big file %s (%s) needs to be uploaded", f.Name, f.Hash)
		}

		err := backend.Put(ctx, source, f.Hash)
		if se, isStore := bferrors.AsStoreError(err); isStore {
			se.Filename = f.Name
			logger.Warn("upload failed", zap.String("file", f.Name), zap.String("hash", f.Hash), zap.String("detail", se.Detail))
			sum.fail(se)
		} else if err != nil {
			return sum, fmt.Errorf("uploading %s: %w", f.Name, err)
		} else {
			sum.Done++
			if info, err := os.Stat(source); err == nil {
				sum.Bytes += info.Size()
			}
		}

		if progress != nil {
			progress.Step(f.Name, i+1, len(files))
		}
	}

	logger.Info("uploaded big files", zap.Int("done", sum.Done), zap.Int("failed", sum.Failed), zap.Int64("bytes", sum.Bytes))
	return sum, nil
}

// Download fetches files into the working copy the backend was opened on.
func Download(ctx context.Context, backend store.Backend, files []store.File, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sum := Summary{Total: len(files)}

	res, err := backend.Get(ctx, files)
	if res != nil {
		sum.Done = len(res.Success)
		sum.Missing = res.Missing
		for _, se := range res.Failures {
			sum.fail(se)
		}
		sum.Failed = len(res.Missing)
	}
	if err != nil {
		return sum, err
	}

	for _, name := range sum.Missing {
		logger.Warn("big file not available from store", zap.String("file", name), zap.String("store", backend.URL()))
	}
	logger.Info("downloaded big files", zap.Int("done", sum.Done), zap.Int("missing", len(sum.Missing)))
	return sum, nil
}
