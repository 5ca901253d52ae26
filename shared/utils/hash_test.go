package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestHashContent(t *testing.T) {
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", HashContent(nil))
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", HashContent([]byte("abc")))
}

func TestSumMatchesAcrossBlockBoundaries(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), BlockSize/5)

	d, err := Sum(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, HashContent(data), d.String())
}

func TestCopyAndSum(t *testing.T) {
	data := []byte(strings.Repeat("big file content\n", 10000))
	dst := &closeRecorder{}

	d, err := CopyAndSum(dst, bytes.NewReader(data))
	require.NoError(t, err)

	assert.True(t, dst.closed)
	assert.Equal(t, data, dst.Bytes())
	assert.Equal(t, HashContent(data), d.String())
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", h)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestIsHash(t *testing.T) {
	assert.True(t, IsHash("a9993e364706816aba3e25717850c26c9cd0d89d"))
	assert.False(t, IsHash("a9993e36"))
	assert.False(t, IsHash("z9993e364706816aba3e25717850c26c9cd0d89d"))
}
