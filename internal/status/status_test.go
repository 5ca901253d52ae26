package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kbfiles/internal/match"
	"kbfiles/internal/shadow"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/internal/vcs/memvcs"
	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo    *memvcs.Repo
	tracker *shadow.Tracker
	rec     *Reconciler
	first   vcs.Revision
}

func writeAt(t *testing.T, root, p, data string, mtime time.Time) {
	full := filepath.Join(root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(data), 0644))
	require.NoError(t, os.Chtimes(full, mtime, mtime))
}

// setup commits one regular file and one big file and records the big file
// as clean in the shadow state.
func setup(t *testing.T) *fixture {
	repo, err := memvcs.New(t.TempDir())
	require.NoError(t, err)
	repo.SetIgnore("*.log")
	root := repo.Root()
	old := time.Now().Add(-time.Hour)

	writeAt(t, root, "plain.txt", "plain", old)
	writeAt(t, root, "big.bin", "big content", old)
	require.NoError(t, standin.Write(filepath.Join(root, standin.Dir, "big.bin"), utils.HashContent([]byte("big content")), false))

	_, err = repo.Add([]string{"plain.txt", standin.Standin("big.bin")})
	require.NoError(t, err)
	first, err := repo.Commit("first", match.All())
	require.NoError(t, err)

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ds, err := repo.Dirstate()
	require.NoError(t, err)
	tracker, err := shadow.Open(root, db, shadow.Options{Ignored: ds.Ignored, SkipDirs: []string{memvcs.AdminName}})
	require.NoError(t, err)
	require.NoError(t, tracker.Normal("big.bin"))

	return &fixture{repo: repo, tracker: tracker, rec: New(repo, tracker, nil), first: first}
}

func TestWorkingStatus(t *testing.T) {
	f := setup(t)
	root := f.repo.Root()
	all := vcs.StatusOptions{Clean: true, Unknown: true, Ignored: true}

	t.Run("clean", func(t *testing.T) {
		st, err := f.rec.Status(Request{Options: all})
		require.NoError(t, err)
		assert.Equal(t, []string{"big.bin", "plain.txt"}, st.Clean)
		assert.False(t, st.Dirty())
		assert.Empty(t, st.Unknown)
	})

	t.Run("same size edit is found by hashing", func(t *testing.T) {
		writeAt(t, root, "big.bin", "BIG CONTENT", time.Now().Add(-30*time.Minute))
		st, err := f.rec.Status(Request{})
		require.NoError(t, err)
		assert.Equal(t, []string{"big.bin"}, st.Modified)
		assert.Empty(t, st.Clean, "clean is trimmed unless asked for")
	})

	t.Run("touched but unchanged is clean and recorded", func(t *testing.T) {
		writeAt(t, root, "big.bin", "big content", time.Now().Add(-20*time.Minute))
		st, err := f.rec.Status(Request{Options: all})
		require.NoError(t, err)
		assert.Empty(t, st.Modified)
		assert.Contains(t, st.Clean, "big.bin")

		e, ok := f.tracker.Get("big.bin")
		require.True(t, ok)
		assert.False(t, e.Lookup)
	})

	t.Run("unknown and ignored", func(t *testing.T) {
		writeAt(t, root, "new.txt", "n", time.Now())
		writeAt(t, root, "debug.log", "d", time.Now())
		st, err := f.rec.Status(Request{Options: all})
		require.NoError(t, err)
		assert.Equal(t, []string{"new.txt"}, st.Unknown)
		assert.Equal(t, []string{"debug.log"}, st.Ignored)

		st, err = f.rec.Status(Request{})
		require.NoError(t, err)
		assert.Empty(t, st.Unknown)
		assert.Empty(t, st.Ignored)
	})

	t.Run("standins are never listed", func(t *testing.T) {
		st, err := f.rec.Status(Request{Options: all})
		require.NoError(t, err)
		for _, l := range st.Lists() {
			for _, p := range *l {
				assert.False(t, standin.IsStandin(p), p)
			}
		}
	})

	t.Run("explicit big file name", func(t *testing.T) {
		st, err := f.rec.Status(Request{Matcher: match.Exact("big.bin"), Options: all})
		require.NoError(t, err)
		assert.Equal(t, []string{"big.bin"}, st.Clean)
	})

	t.Run("forgotten big file is removed", func(t *testing.T) {
		f.tracker.Forget("big.bin")
		defer func() { require.NoError(t, f.tracker.Normal("big.bin")) }()
		st, err := f.rec.Status(Request{})
		require.NoError(t, err)
		assert.Equal(t, []string{"big.bin"}, st.Removed)
	})

	t.Run("raw mode shows standins", func(t *testing.T) {
		st, err := f.rec.Status(Request{Mode: Raw, Options: all})
		require.NoError(t, err)
		assert.Contains(t, st.Clean, standin.Standin("big.bin"))
	})
}

func TestArbitraryBaseRechecksEverything(t *testing.T) {
	f := setup(t)
	root := f.repo.Root()

	writeAt(t, root, "big.bin", "second version", time.Now().Add(-10*time.Minute))
	require.NoError(t, standin.Write(filepath.Join(root, standin.Dir, "big.bin"), utils.HashContent([]byte("second version")), false))
	_, err := f.repo.Commit("second", match.All())
	require.NoError(t, err)
	require.NoError(t, f.tracker.Normal("big.bin"))

	st, err := f.rec.Status(Request{Options: vcs.StatusOptions{Clean: true}})
	require.NoError(t, err)
	assert.Contains(t, st.Clean, "big.bin")

	st, err = f.rec.Status(Request{Base: f.first})
	require.NoError(t, err)
	assert.Equal(t, []string{"big.bin"}, st.Modified)
}

func TestRevisionPair(t *testing.T) {
	f := setup(t)
	root := f.repo.Root()

	writeAt(t, root, "big.bin", "changed", time.Now())
	require.NoError(t, standin.Write(filepath.Join(root, standin.Dir, "big.bin"), utils.HashContent([]byte("changed")), false))
	writeAt(t, root, "other.txt", "o", time.Now())
	_, err := f.repo.Add([]string{"other.txt"})
	require.NoError(t, err)
	second, err := f.repo.Commit("second", match.All())
	require.NoError(t, err)

	st, err := f.rec.Status(Request{Base: f.first, Target: second})
	require.NoError(t, err)
	assert.Equal(t, []string{"big.bin"}, st.Modified)
	assert.Equal(t, []string{"other.txt"}, st.Added)
}

func TestTypeChangeIsRemovedAndAdded(t *testing.T) {
	f := setup(t)
	root := f.repo.Root()

	require.NoError(t, f.repo.Remove([]string{standin.Standin("big.bin")}, true))
	f.tracker.Forget("big.bin")
	_, err := f.repo.Add([]string{"big.bin"})
	require.NoError(t, err)
	second, err := f.repo.Commit("now a regular file", match.All())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "big.bin"))

	st, err := f.rec.Status(Request{Base: f.first, Target: second})
	require.NoError(t, err)
	assert.Equal(t, []string{"big.bin"}, st.Removed)
	assert.Equal(t, []string{"big.bin"}, st.Added)
}
