package content

import (
	"fmt"
	"os"
	"path/filepath"

	"kbfiles/shared/utils"
)

// TempFile is written next to its destination and only becomes visible under
// the destination name on Commit, so readers never see a partial blob.
type TempFile struct {
	f      *os.File
	dst    string
	hasher *utils.Hasher
	closed bool
	done   bool
}

// CreateTemp opens a temporary sibling of dst, creating dst's directory.
func CreateTemp(dst string) (*TempFile, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &TempFile{f: f, dst: dst, hasher: utils.NewHasher()}, nil
}

func (t *TempFile) Write(p []byte) (int, error) {
	n, err := t.f.Write(p)
	t.hasher.Write(p[:n])
	return n, err
}

// Digest is the hash of everything written so far.
func (t *TempFile) Digest() utils.Digest {
	return t.hasher.Digest()
}

// Size is the number of bytes written so far.
func (t *TempFile) Size() int64 {
	return t.hasher.Size()
}

// Close flushes the temp file without committing it.
func (t *TempFile) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.f.Close()
}

// Commit renames the temp file into place with mode. Unless replace is set,
// an existing destination wins and the temp file is discarded.
func (t *TempFile) Commit(mode os.FileMode, replace bool) error {
	if t.done {
		return fmt.Errorf("temp file for %s already finished", t.dst)
	}
	if err := t.Close(); err != nil {
		t.Discard()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if !replace {
		if _, err := os.Lstat(t.dst); err == nil {
			return t.Discard()
		}
	}
	if err := os.Chmod(t.f.Name(), mode); err != nil {
		t.Discard()
		return fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Rename(t.f.Name(), t.dst); err != nil {
		t.Discard()
		return fmt.Errorf("renaming into place: %w", err)
	}
	t.done = true
	return nil
}

// Discard removes the temp file. It is safe to call after Commit.
func (t *TempFile) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	t.Close()
	if err := os.Remove(t.f.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}
