package storage

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func (r *record) GetID() string { return r.ID }

func setupTestDB(t *testing.T) (*badger.DB, func()) {
	dir, err := os.MkdirTemp("", "badger-test")
	require.NoError(t, err)

	opts := badger.DefaultOptions(dir).WithInMemory(true)
	opts.Logger = nil
	opts.Dir = ""
	opts.ValueDir = ""

	db, err := badger.Open(opts)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}
	return db, cleanup
}

func TestBadgerStoreCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := NewBadgerStore(db, "rec")

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, s.Create(&record{ID: "a", Value: 1}))
		assert.Error(t, s.Create(&record{ID: "a", Value: 2}))

		var got record
		require.NoError(t, s.Get("a", &got))
		assert.Equal(t, 1, got.Value)
	})

	t.Run("put overwrites", func(t *testing.T) {
		require.NoError(t, s.Put(&record{ID: "a", Value: 3}))
		var got record
		require.NoError(t, s.Get("a", &got))
		assert.Equal(t, 3, got.Value)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete("a"))
		var got record
		err := s.Get("a", &got)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.Delete("a"), ErrNotFound))
	})

	t.Run("empty id", func(t *testing.T) {
		assert.Error(t, s.Put(&record{}))
	})
}

func TestBadgerStoreReplace(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := NewBadgerStore(db, "rec")
	other := NewBadgerStore(db, "other")

	require.NoError(t, s.Put(&record{ID: "stale", Value: 1}))
	require.NoError(t, other.Put(&record{ID: "untouched", Value: 9}))

	require.NoError(t, s.Replace([]Entity{&record{ID: "x", Value: 1}, &record{ID: "y", Value: 2}}))

	var ids []string
	require.NoError(t, s.Each(func(id string, raw []byte) error {
		var r record
		require.NoError(t, json.Unmarshal(raw, &r))
		assert.Equal(t, id, r.ID)
		ids = append(ids, id)
		return nil
	}))
	sort.Strings(ids)
	assert.Equal(t, []string{"x", "y"}, ids)

	var kept record
	require.NoError(t, other.Get("untouched", &kept))
	assert.Equal(t, 9, kept.Value)
}
