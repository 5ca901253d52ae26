package safe

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSafe(t *testing.T, compress bool) (*Safe, string) {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	s, err := New(db, Options{Root: root, CacheSize: 8, Compress: compress})
	require.NoError(t, err)
	return s, root
}

func readAll(t *testing.T, s *Safe, hash string) []byte {
	t.Helper()
	rc, _, err := s.Open(hash)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestPutAndOpen(t *testing.T) {
	data := bytes.Repeat([]byte("big file content "), 4096)
	hash := utils.HashContent(data)

	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			s, root := setupSafe(t, compress)

			meta, err := s.Put(hash, bytes.NewReader(data), int64(len(data)))
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), meta.Size)
			assert.Equal(t, compress, meta.Compressed)
			if compress {
				assert.Less(t, meta.Stored, meta.Size)
			}
			assert.FileExists(t, filepath.Join(root, hash[:2], hash[2:]))

			assert.Equal(t, data, readAll(t, s, hash))
			require.NoError(t, s.Verify(hash))

			_, ok, err := s.Stat(hash)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestPutRejectsWrongContent(t *testing.T) {
	s, _ := setupSafe(t, false)
	hash := utils.HashContent([]byte("expected"))

	_, err := s.Put(hash, bytes.NewReader([]byte("something else")), -1)
	require.ErrorIs(t, err, ErrHashMismatch)

	_, ok, err := s.Stat(hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put("not-a-hash", bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestPutIsIdempotent(t *testing.T) {
	s, _ := setupSafe(t, false)
	data := []byte("same bytes")
	hash := utils.HashContent(data)

	first, err := s.Put(hash, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	second, err := s.Put(hash, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMissingBlob(t *testing.T) {
	s, root := setupSafe(t, false)
	data := []byte("short lived")
	hash := utils.HashContent(data)

	_, _, err := s.Open(hash)
	assert.ErrorIs(t, err, ErrContentNotFound)

	_, err = s.Put(hash, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, hash[:2], hash[2:])))

	_, _, err = s.Open(hash)
	assert.ErrorIs(t, err, ErrContentNotFound)
	_, ok, err := s.Stat(hash)
	require.NoError(t, err)
	assert.False(t, ok, "stale metadata is dropped")
}

func TestDeleteAndReindex(t *testing.T) {
	s, _ := setupSafe(t, true)
	small := []byte("tiny")
	large := bytes.Repeat([]byte{'z'}, 64*1024)

	for _, data := range [][]byte{small, large} {
		_, err := s.Put(utils.HashContent(data), bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(utils.HashContent(small)))
	_, ok, err := s.Stat(utils.HashContent(small))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Reindex()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	meta, ok, err := s.Stat(utils.HashContent(large))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta.Compressed, "compression is detected from the frame header")
	assert.Equal(t, large, readAll(t, s, utils.HashContent(large)))
}
