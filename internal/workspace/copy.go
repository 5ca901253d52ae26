package workspace

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"kbfiles/internal/content"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
)

// Copy copies the tracked files at src, a file or directory, to dst and
// schedules the copies for addition. Big files are copied together with
// their standins.
func (w *Workspace) Copy(src, dst string, force bool) ([]string, error) {
	return w.copy(src, dst, force, false)
}

// Rename moves the tracked files at src to dst.
func (w *Workspace) Rename(src, dst string, force bool) ([]string, error) {
	return w.copy(src, dst, force, true)
}

func (w *Workspace) copy(src, dst string, force, rename bool) ([]string, error) {
	src = path.Clean(filepath.ToSlash(src))
	dst = path.Clean(filepath.ToSlash(dst))
	if standin.IsStandin(src) || standin.IsStandin(dst) {
		return nil, bferrors.Abort("cannot copy standins directly; copy the big file instead")
	}

	ds, err := w.Repo.Dirstate()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}
	m := match.Exact(src)
	bigs, err := bigFiles(ds, m)
	if err != nil {
		return nil, err
	}
	plain, err := ds.Walk(match.Func(func(p string) bool {
		return !standin.IsStandin(p) && m.Match(p)
	}))
	if err != nil {
		return nil, fmt.Errorf("listing tracked files: %w", err)
	}
	if len(bigs)+len(plain) == 0 {
		return nil, bferrors.Abort("no files to copy")
	}

	intoDir := false
	if info, err := os.Stat(w.abs(dst)); err == nil && info.IsDir() {
		intoDir = true
	}
	target := func(p string) string {
		rest := strings.TrimPrefix(p, src)
		if intoDir {
			return path.Join(dst, path.Base(src), rest)
		}
		return path.Clean(dst + rest)
	}

	for _, p := range concat(bigs, plain) {
		t := target(p)
		if _, err := os.Lstat(w.abs(t)); err == nil && !force {
			if contains(bigs, p) {
				return nil, bferrors.Abort("destination big file %s already exists", t)
			}
			return nil, bferrors.Abort("%s: not overwriting - file exists", t)
		}
	}

	var added, gone, done []string
	for _, p := range bigs {
		t := target(p)
		if t == p {
			continue
		}
		st := w.abs(standin.Standin(p))
		hash, err := standin.Read(st)
		if err != nil {
			return nil, fmt.Errorf("reading standin for %s: %w", p, err)
		}
		info, err := os.Stat(st)
		if err != nil {
			return nil, err
		}
		if err := w.transferFile(p, t, rename); err != nil {
			return nil, err
		}
		if err := standin.Write(w.abs(standin.Standin(t)), hash, standin.IsExecutable(info.Mode())); err != nil {
			return nil, err
		}
		w.Shadow.Add(t)
		added = append(added, standin.Standin(t))
		if rename {
			w.Shadow.Remove(p)
			gone = append(gone, standin.Standin(p))
		}
		done = append(done, t)
		w.Logger.Debug("copied big file", zap.String("from", p), zap.String("to", t), zap.Bool("rename", rename))
	}
	for _, p := range plain {
		t := target(p)
		if t == p {
			continue
		}
		if err := w.transferFile(p, t, rename); err != nil {
			return nil, err
		}
		added = append(added, t)
		if rename {
			gone = append(gone, p)
		}
		done = append(done, t)
	}
	if err := w.Shadow.Write(); err != nil {
		return nil, err
	}

	if _, err := w.Repo.Add(added); err != nil {
		return nil, fmt.Errorf("adding copies: %w", err)
	}
	if len(gone) > 0 {
		if err := w.Repo.Remove(gone, true); err != nil {
			return nil, fmt.Errorf("removing sources: %w", err)
		}
	}
	return done, nil
}

// transferFile moves or copies the working file from to to.
func (w *Workspace) transferFile(from, to string, rename bool) error {
	if err := os.MkdirAll(filepath.Dir(w.abs(to)), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", to, err)
	}
	if rename {
		if err := os.Rename(w.abs(from), w.abs(to)); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", from, to, err)
		}
		return w.removeFile(from)
	}

	info, err := os.Stat(w.abs(from))
	if err != nil {
		return err
	}
	in, err := os.Open(w.abs(from))
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := content.CreateTemp(w.abs(to))
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(tmp, in, make([]byte, utils.BlockSize)); err != nil {
		tmp.Discard()
		return fmt.Errorf("copying %s to %s: %w", from, to, err)
	}
	return tmp.Commit(info.Mode().Perm(), true)
}
