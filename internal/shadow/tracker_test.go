package shadow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kbfiles/internal/match"
	"kbfiles/internal/vcs"
	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *badger.DB {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// writeOld writes a file with an mtime safely outside the racy window.
func writeOld(t *testing.T, root, p, data string) {
	full := filepath.Join(root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(data), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(full, old, old))
}

func TestBootstrapAndStatus(t *testing.T) {
	root := t.TempDir()
	db := setupTestDB(t)

	writeOld(t, root, "clean.bin", "clean")
	writeOld(t, root, "dirty.bin", "dirty")
	writeOld(t, root, "junk.tmp", "junk")
	writeOld(t, root, "stray.bin", "stray")

	tr, err := Open(root, db, Options{
		Ignored: func(p string) bool { return filepath.Ext(p) == ".tmp" },
	})
	require.NoError(t, err)
	assert.False(t, tr.Initialized())

	require.NoError(t, tr.Bootstrap(map[string]string{
		"clean.bin": utils.HashContent([]byte("clean")),
		"dirty.bin": utils.HashContent([]byte("recorded")),
		"gone.bin":  utils.HashContent([]byte("gone")),
	}))
	assert.True(t, tr.Initialized())

	res, err := tr.Status(match.All(), vcs.StatusOptions{Clean: true, Unknown: true, Ignored: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"clean.bin"}, res.Clean)
	assert.Equal(t, []string{"dirty.bin"}, res.Unsure)
	assert.Equal(t, []string{"gone.bin"}, res.Missing)
	assert.Equal(t, []string{"stray.bin"}, res.Unknown)
	assert.Equal(t, []string{"junk.tmp"}, res.Ignored)
}

func TestStatusDetectsChanges(t *testing.T) {
	root := t.TempDir()
	db := setupTestDB(t)
	writeOld(t, root, "a.bin", "aaaa")
	writeOld(t, root, "b.bin", "bbbb")

	tr, err := Open(root, db, Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Normal("a.bin"))
	require.NoError(t, tr.Normal("b.bin"))

	t.Run("size change is modified", func(t *testing.T) {
		writeOld(t, root, "a.bin", "longer")
		res, err := tr.Status(match.All(), vcs.StatusOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.bin"}, res.Modified)
	})

	t.Run("mtime change is unsure", func(t *testing.T) {
		full := filepath.Join(root, "b.bin")
		later := time.Now().Add(-time.Minute)
		require.NoError(t, os.Chtimes(full, later, later))
		res, err := tr.Status(match.Exact("b.bin"), vcs.StatusOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b.bin"}, res.Unsure)
		assert.Empty(t, res.Modified)
	})

	t.Run("exec bit change is modified", func(t *testing.T) {
		require.NoError(t, tr.Normal("b.bin"))
		require.NoError(t, os.Chmod(filepath.Join(root, "b.bin"), 0755))
		res, err := tr.Status(match.Exact("b.bin"), vcs.StatusOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b.bin"}, res.Modified)
	})
}

func TestStateTransitions(t *testing.T) {
	root := t.TempDir()
	tr, err := Open(root, setupTestDB(t), Options{})
	require.NoError(t, err)

	tr.Add("new.bin")
	assert.Equal(t, vcs.Added, tr.State("new.bin"))
	tr.Remove("new.bin")
	assert.Equal(t, vcs.Untracked, tr.State("new.bin"))

	tr.NormalLookup("old.bin")
	tr.Remove("old.bin")
	assert.Equal(t, vcs.Removed, tr.State("old.bin"))

	tr.Merge("m.bin")
	assert.Equal(t, vcs.Merged, tr.State("m.bin"))
	tr.Forget("m.bin")
	assert.False(t, tr.Has("m.bin"))

	assert.Equal(t, []string{"old.bin"}, tr.Paths())

	res, err := tr.Status(match.All(), vcs.StatusOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old.bin"}, res.Removed)

	tr.Clear()
	assert.Empty(t, tr.Paths())
	assert.False(t, tr.Initialized())
}

func TestWritePersists(t *testing.T) {
	root := t.TempDir()
	db := setupTestDB(t)
	writeOld(t, root, "old.bin", "old")
	writeOld(t, root, "fresh.bin", "fresh")
	now := time.Now()
	require.NoError(t, os.Chtimes(filepath.Join(root, "fresh.bin"), now, now))

	tr, err := Open(root, db, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, tr.Normal("old.bin"))
	require.NoError(t, tr.Normal("fresh.bin"))
	tr.Add("added.bin")
	require.NoError(t, tr.Write())

	reopened, err := Open(root, db, Options{})
	require.NoError(t, err)
	assert.True(t, reopened.Initialized())
	assert.Equal(t, []string{"added.bin", "fresh.bin", "old.bin"}, reopened.Paths())

	e, ok := reopened.Get("old.bin")
	require.True(t, ok)
	assert.False(t, e.Lookup)

	e, ok = reopened.Get("fresh.bin")
	require.True(t, ok)
	assert.True(t, e.Lookup, "a file written in the same instant must be rechecked")

	reopened.Forget("added.bin")
	require.NoError(t, reopened.Write())
	again, err := Open(root, db, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh.bin", "old.bin"}, again.Paths())
}

func TestWatcherReportsBigFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))

	w, err := NewWatcher(root, func(rel string) bool { return filepath.Ext(rel) == ".bin" }, []string{".git"}, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.handle(fsnotify.Event{Name: filepath.Join(root, "a.bin"), Op: fsnotify.Write}))
	assert.False(t, w.handle(fsnotify.Event{Name: filepath.Join(root, "a.txt"), Op: fsnotify.Write}))
	assert.False(t, w.handle(fsnotify.Event{Name: filepath.Join(root, ".git", "x.bin"), Op: fsnotify.Write}))
	assert.False(t, w.handle(fsnotify.Event{Name: filepath.Join(root, ".kbf", "a.bin"), Op: fsnotify.Write}))
	assert.Equal(t, []string{"a.bin"}, w.drain())
	assert.Empty(t, w.drain())

	ctx, cancel := context.WithCancel(context.Background())
	w.handle(fsnotify.Event{Name: filepath.Join(root, "b.bin"), Op: fsnotify.Create})
	cancel()
	var flushed []string
	require.NoError(t, w.Run(ctx, time.Hour, func(paths []string) error {
		flushed = append(flushed, paths...)
		return nil
	}))
	assert.Equal(t, []string{"b.bin"}, flushed)
}
