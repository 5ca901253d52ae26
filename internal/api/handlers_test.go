package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/safe"
	"kbfiles/internal/store"
	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T) (*http.ServeMux, *safe.Safe) {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := safe.New(db, safe.Options{Root: t.TempDir(), Compress: true})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewBlobHandler(s, nil).Routes(mux)
	return mux, s
}

func TestBlobHandler(t *testing.T) {
	mux, _ := setupServer(t)
	data := bytes.Repeat([]byte("payload "), 512)
	hash := utils.HashContent(data)

	tests := []struct {
		name       string
		method     string
		hash       string
		header     string
		body       []byte
		wantStatus int
	}{
		{name: "head before upload", method: http.MethodHead, hash: hash, wantStatus: http.StatusNotFound},
		{name: "get before upload", method: http.MethodGet, hash: hash, wantStatus: http.StatusNotFound},
		{name: "post wrong content", method: http.MethodPost, hash: hash, body: []byte("other"), wantStatus: http.StatusBadRequest},
		{name: "post mismatched header", method: http.MethodPost, hash: hash, header: utils.HashContent([]byte("x")), body: data, wantStatus: http.StatusBadRequest},
		{name: "invalid hash", method: http.MethodGet, hash: "nothex", wantStatus: http.StatusBadRequest},
		{name: "post", method: http.MethodPost, hash: hash, header: hash, body: data, wantStatus: http.StatusCreated},
		{name: "head after upload", method: http.MethodHead, hash: hash, wantStatus: http.StatusOK},
		{name: "get after upload", method: http.MethodGet, hash: hash, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/bfile/"+tt.hash, bytes.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set(store.HeaderRequest, tt.header)
			}
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if rr.Code == http.StatusOK {
				assert.Equal(t, hash, rr.Header().Get(store.HeaderContent))
			}
			if tt.method == http.MethodGet && rr.Code == http.StatusOK {
				assert.Equal(t, data, rr.Body.Bytes())
			}
			if rr.Code == http.StatusBadRequest {
				var apiErr bferrors.Error
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
				assert.Equal(t, bferrors.ErrorTypeValidation, apiErr.Type)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	mux, _ := setupServer(t)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

// The store client and the server must agree on the wire protocol.
func TestStoreClientRoundTrip(t *testing.T) {
	mux, _ := setupServer(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	data := bytes.Repeat([]byte{7}, 300*1024)
	hash := utils.HashContent(data)
	src := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(src, data, 0644))

	root := t.TempDir()
	backend, err := store.Open(srv.URL, store.Options{Root: root})
	require.NoError(t, err)

	ok, err := backend.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Put(ctx, src, hash))
	ok, err = backend.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := utils.HashContent([]byte("never uploaded"))
	res, err := backend.Get(ctx, []store.File{
		{Name: "dir/big.bin", Hash: hash},
		{Name: "gone.bin", Hash: missing},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/big.bin"}, res.Success)
	assert.Equal(t, []string{"gone.bin"}, res.Missing)

	got, err := os.ReadFile(filepath.Join(root, "dir", "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetStreamsStoredBytes(t *testing.T) {
	mux, s := setupServer(t)
	data := []byte("direct")
	hash := utils.HashContent(data)
	_, err := s.Put(hash, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	srv := httptest.NewServer(mux)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/bfile/" + hash)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
	assert.Equal(t, "6", resp.Header.Get("Content-Length"))
}
