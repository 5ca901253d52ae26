package content

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kbfiles/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, string) {
	base := t.TempDir()
	s, err := NewFileStore(filepath.Join(base, "repo", ".git"), Options{SystemCache: filepath.Join(base, "system")})
	require.NoError(t, err)
	return s, filepath.Join(base, "repo")
}

func writeWorkingFile(t *testing.T, dir, name string, data []byte, mode os.FileMode) (string, string) {
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, mode))
	require.NoError(t, os.Chmod(p, mode))
	return p, utils.HashContent(data)
}

func TestCopyToCache(t *testing.T) {
	s, repo := setupStore(t)
	file, hash := writeWorkingFile(t, repo, "big.bin", []byte("payload"), 0755)

	require.NoError(t, s.CopyToCache(file, hash))

	assert.True(t, s.Exists(hash))
	assert.True(t, s.InSystemCache(hash))

	data, err := os.ReadFile(s.Path(hash))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	info, err := os.Stat(s.Path(hash))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	local, err := os.Stat(s.Path(hash))
	require.NoError(t, err)
	system, err := os.Stat(s.SystemPath(hash))
	require.NoError(t, err)
	assert.True(t, os.SameFile(local, system))
}

func TestCopyToCacheIsIdempotent(t *testing.T) {
	s, repo := setupStore(t)
	file, hash := writeWorkingFile(t, repo, "big.bin", []byte("payload"), 0644)

	require.NoError(t, s.CopyToCache(file, hash))
	before, err := os.ReadDir(s.root)
	require.NoError(t, err)

	// a second call must not even read the working file
	require.NoError(t, os.Remove(file))
	require.NoError(t, s.CopyToCache(file, hash))

	after, err := os.ReadDir(s.root)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestCopyToCacheRejectsStaleHash(t *testing.T) {
	s, repo := setupStore(t)
	file, stale := writeWorkingFile(t, repo, "big.bin", []byte("committed"), 0644)
	require.NoError(t, os.WriteFile(file, []byte("edited after add"), 0644))

	err := s.CopyToCache(file, stale)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.False(t, s.Exists(stale))
	assert.False(t, s.InSystemCache(stale))

	entries, err := os.ReadDir(s.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCopyToCacheLinksFromSystemCache(t *testing.T) {
	s, _ := setupStore(t)
	data := []byte("shared across repos")
	hash := utils.HashContent(data)
	require.NoError(t, os.MkdirAll(s.SystemDir(), 0755))
	require.NoError(t, os.WriteFile(s.SystemPath(hash), data, 0644))

	require.NoError(t, s.CopyToCache("/does/not/exist", hash))
	assert.True(t, s.Exists(hash))
}

func TestFindPrefersLocal(t *testing.T) {
	s, repo := setupStore(t)
	file, hash := writeWorkingFile(t, repo, "a.bin", []byte("a"), 0644)

	_, ok := s.Find(hash)
	assert.False(t, ok)

	require.NoError(t, s.CopyToCache(file, hash))
	p, ok := s.Find(hash)
	require.True(t, ok)
	assert.Equal(t, s.Path(hash), p)

	require.NoError(t, os.Remove(s.Path(hash)))
	p, ok = s.Find(hash)
	require.True(t, ok)
	assert.Equal(t, s.SystemPath(hash), p)
}

func TestRestore(t *testing.T) {
	s, repo := setupStore(t)
	file, hash := writeWorkingFile(t, repo, "big.bin", []byte("v1"), 0644)
	require.NoError(t, s.CopyToCache(file, hash))
	require.NoError(t, os.WriteFile(file, []byte("v2"), 0644))

	require.NoError(t, s.Restore(hash, file, true))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	err = s.Restore(utils.HashContent([]byte("nope")), file, false)
	assert.True(t, errors.Is(err, ErrNotCached))
}

func TestRestoreDetectsCorruption(t *testing.T) {
	s, repo := setupStore(t)
	hash := utils.HashContent([]byte("expected"))
	require.NoError(t, os.WriteFile(s.Path(hash), []byte("tampered"), 0644))

	dest := filepath.Join(repo, "big.bin")
	err := s.Restore(hash, dest, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(repo)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".git", e.Name(), "temp file must be discarded")
	}

	assert.True(t, errors.Is(s.Verify(hash), ErrCorrupt))
}

func TestTempFileLosingWriterDiscards(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(dst, []byte("winner"), 0644))

	tmp, err := CreateTemp(dst)
	require.NoError(t, err)
	_, err = tmp.Write([]byte("loser"))
	require.NoError(t, err)
	require.NoError(t, tmp.Commit(0644, false))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("winner"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
