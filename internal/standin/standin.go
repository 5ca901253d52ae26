// Package standin maps big-file paths to the small tracked records that stand
// in for them and reads and writes those records.
package standin

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	bferrors "kbfiles/internal/errors"
	"kbfiles/shared/utils"
)

// Dir is the reserved top-level directory holding standins.
const Dir = ".kbf"

// Size is the exact byte length of a standin on write.
const Size = utils.HashLen + 1

const prefix = Dir + "/"

// Standin returns the standin path for a repo-relative big-file path.
func Standin(p string) string {
	return prefix + normalize(p)
}

// IsStandin reports whether p lives under the standin directory.
func IsStandin(p string) bool {
	return strings.HasPrefix(normalize(p), prefix)
}

// Split returns the big-file path for a standin path. ok is false when p is
// not a standin.
func Split(p string) (string, bool) {
	p = normalize(p)
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

func normalize(p string) string {
	return filepath.ToSlash(p)
}

// Encode renders the on-disk record for hash.
func Encode(hash string) []byte {
	return []byte(hash + "\n")
}

// Parse extracts the hash from a standin record. name is only used in the
// error message.
func Parse(name string, data []byte) (string, error) {
	if len(data) < utils.HashLen {
		return "", bferrors.Abort("bad hash in '%s' (only %d bytes long)", name, len(data))
	}
	return string(bytes.TrimSpace(data[:utils.HashLen])), nil
}

// Read loads the hash recorded in the standin file at file.
func Read(file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return Parse(file, data)
}

// Write replaces the standin file at file with a record for hash.
func Write(file, hash string, executable bool) error {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("creating standin directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), ".standin-*")
	if err != nil {
		return fmt.Errorf("creating temp standin: %w", err)
	}
	success := false
	defer func() {
		if !success {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(Encode(hash)); err != nil {
		tmp.Close()
		return fmt.Errorf("writing standin: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing standin: %w", err)
	}
	if err := os.Chmod(tmp.Name(), Mode(executable)); err != nil {
		return fmt.Errorf("setting standin mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("renaming standin into place: %w", err)
	}
	success = true
	return nil
}

// IsExecutable reports whether user, group and other may all execute.
func IsExecutable(mode os.FileMode) bool {
	return mode&0111 == 0111
}

// Mode is the permission set written for a big file or its standin.
func Mode(executable bool) os.FileMode {
	if executable {
		return 0755
	}
	return 0644
}

// Dirname returns the standin directory's path below root.
func Dirname(root string) string {
	return filepath.Join(root, Dir)
}

// Under reports whether big-file path p sits inside directory dir ("" or "."
// is the repository root).
func Under(p, dir string) bool {
	dir = path.Clean(normalize(dir))
	if dir == "." {
		return true
	}
	p = normalize(p)
	return p == dir || strings.HasPrefix(p, dir+"/")
}
