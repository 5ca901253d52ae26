package wlock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "admin", "wlock"))

	unlock, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, unlock())
	// second release is a no-op
	require.NoError(t, unlock())

	unlock, err = l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wlock")
	holder := New(path)

	unlock, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = New(path).Acquire(ctx)
	assert.Error(t, err)
}
