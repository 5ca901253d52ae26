package workspace

import (
	"context"
	"fmt"
	"os"

	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"

	"go.uber.org/zap"
)

// Choice is the answer to a big-file merge conflict.
type Choice int

const (
	KeepLocal Choice = iota
	TakeOther
)

// ConflictFunc decides a big file changed differently on both sides.
type ConflictFunc func(path string, local, other Side) Choice

// Side is one version of a big file in a merge.
type Side struct {
	Hash       string
	Executable bool
}

func (s Side) same(o Side) bool {
	return s.Hash == o.Hash && s.Executable == o.Executable
}

// Merge picks the merged version of a big file. Identical sides need no
// decision; a side equal to the ancestor yields to the other; only true
// conflicts reach ask, which defaults to keeping local when nil.
func Merge(path string, local, other, ancestor Side, ask ConflictFunc) Side {
	switch {
	case local.same(other):
		return local
	case other.same(ancestor):
		return local
	case local.same(ancestor):
		return other
	}
	if ask != nil && ask(path, local, other) == TakeOther {
		return other
	}
	return local
}

// ResolveMerge merges big file path from other into the working copy,
// using ancestor as the common base, and restores the winning bytes.
func (w *Workspace) ResolveMerge(ctx context.Context, path string, other, ancestor vcs.Revision, ask ConflictFunc, storeURL string) (Side, error) {
	st := standin.Standin(path)
	local, err := w.workingSide(path)
	if err != nil {
		return Side{}, err
	}
	theirs, err := revisionSide(other, path)
	if err != nil {
		return Side{}, err
	}
	base, err := revisionSide(ancestor, path)
	if err != nil {
		return Side{}, err
	}

	result := Merge(path, local, theirs, base, ask)
	if result.same(local) {
		return result, nil
	}

	w.Logger.Info("merging big file", zap.String("file", path), zap.String("hash", result.Hash))
	if err := standin.Write(w.abs(st), result.Hash, result.Executable); err != nil {
		return Side{}, err
	}
	if _, err := w.syncBigFiles(ctx, match.Exact(path), false, storeURL); err != nil {
		return Side{}, err
	}
	w.Shadow.Merge(path)
	return result, w.Shadow.Write()
}

func (w *Workspace) workingSide(path string) (Side, error) {
	full := w.abs(standin.Standin(path))
	info, err := os.Stat(full)
	if err != nil {
		return Side{}, fmt.Errorf("reading standin for %s: %w", path, err)
	}
	hash, err := standin.Read(full)
	if err != nil {
		return Side{}, err
	}
	return Side{Hash: hash, Executable: standin.IsExecutable(info.Mode())}, nil
}

func revisionSide(rev vcs.Revision, path string) (Side, error) {
	hash, err := recordedHash(rev, path)
	if err != nil {
		return Side{}, err
	}
	return Side{Hash: hash, Executable: rev.Executable(standin.Standin(path))}, nil
}
