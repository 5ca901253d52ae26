package store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"kbfiles/internal/content"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/internal/vcs/memvcs"
	"kbfiles/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeServer speaks the store wire protocol from memory.
type fakeServer struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	posts    int
	noHash   bool
	failHash string
	user     string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{blobs: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/bfile/{hash}", fs.serve)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if u, _, ok := r.BasicAuth(); ok {
		f.user = u
	}
	hash := r.PathValue("hash")
	if r.Header.Get(HeaderRequest) != hash {
		http.Error(w, "hash mismatch", http.StatusBadRequest)
		return
	}
	if hash == f.failHash {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodPost:
		data, _ := io.ReadAll(r.Body)
		f.blobs[hash] = data
		f.posts++
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead, http.MethodGet:
		data, ok := f.blobs[hash]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if !f.noHash {
			w.Header().Set(HeaderContent, utils.HashContent(data))
		}
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	}
}

func writeFile(t *testing.T, path, data string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func TestOpenDispatch(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(dir, Options{})
	require.NoError(t, err)
	assert.IsType(t, &localStore{}, b)

	b, err = Open("file://"+dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".git", "kbfiles"), b.URL())

	b, err = Open(dir, Options{AdminName: ".hg"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".hg", "kbfiles"), b.URL())

	b, err = Open("https://user:pw@example.com/repo/", Options{})
	require.NoError(t, err)
	hs := b.(*httpStore)
	assert.Equal(t, "https://example.com/repo/bfile", hs.baseURL)
	assert.Equal(t, "https://example.com/repo/", hs.URL())

	_, err = Open("ftp://example.com", Options{})
	require.Error(t, err)
	assert.True(t, bferrors.IsAbort(err))
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestHTTPPutExistsGet(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	root := t.TempDir()

	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, src, "big content")
	hash := utils.HashContent([]byte("big content"))

	b, err := Open(srv.URL, Options{Root: root})
	require.NoError(t, err)

	ok, err := b.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, src, hash))
	require.NoError(t, b.Put(ctx, src, hash))
	assert.Equal(t, 1, fs.posts, "second put must be skipped")

	ok, err = b.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := utils.HashContent([]byte("nope"))
	res, err := b.Get(ctx, []File{
		{Name: "dir/a.bin", Hash: hash, Executable: true},
		{Name: "b.bin", Hash: missing},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/a.bin"}, res.Success)
	assert.Equal(t, []string{"b.bin"}, res.Missing)
	assert.Empty(t, res.Failures)

	data, err := os.ReadFile(filepath.Join(root, "dir", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, "big content", string(data))
	info, err := os.Stat(filepath.Join(root, "dir", "a.bin"))
	require.NoError(t, err)
	assert.True(t, standin.IsExecutable(info.Mode()))
	assert.NoFileExists(t, filepath.Join(root, "b.bin"))
}

func TestHTTPGetRejectsCorruption(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	root := t.TempDir()

	hash := utils.HashContent([]byte("expected"))
	fs.blobs[hash] = []byte("tampered")
	writeFile(t, filepath.Join(root, "f.bin"), "previous")

	b, err := Open(srv.URL, Options{Root: root})
	require.NoError(t, err)
	res, err := b.Get(ctx, []File{{Name: "f.bin", Hash: hash}})
	require.NoError(t, err)
	assert.Empty(t, res.Success)
	assert.Equal(t, []string{"f.bin"}, res.Missing)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Detail, "data corruption")

	data, err := os.ReadFile(filepath.Join(root, "f.bin"))
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be removed")
}

func TestHTTPStatusFailures(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)

	good := utils.HashContent([]byte("good"))
	bad := utils.HashContent([]byte("bad"))
	fs.blobs[good] = []byte("good")
	fs.blobs[bad] = []byte("bad")
	fs.failHash = bad

	b, err := Open(srv.URL, Options{Root: t.TempDir(), Concurrency: 2})
	require.NoError(t, err)
	res, err := b.Get(ctx, []File{{Name: "bad", Hash: bad}, {Name: "good", Hash: good}})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, res.Success)
	assert.Equal(t, []string{"bad"}, res.Missing)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad", res.Failures[0].Filename)

	t.Run("missing content hash", func(t *testing.T) {
		fs.noHash = true
		defer func() { fs.noHash = false }()
		_, err := b.Exists(ctx, good)
		se, ok := bferrors.AsStoreError(err)
		require.True(t, ok)
		assert.Equal(t, "remote did not send a hash", se.Detail)
	})

	t.Run("connection error aborts the batch", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		b, err := Open(dead.URL, Options{Root: t.TempDir()})
		require.NoError(t, err)
		_, err = b.Get(ctx, []File{{Name: "good", Hash: good}})
		require.Error(t, err)
		_, isStore := bferrors.AsStoreError(err)
		assert.False(t, isStore)
	})

	t.Run("connection error stops scheduling", func(t *testing.T) {
		rt := &refusingTransport{}
		steps := &countingProgress{}
		b, err := Open("http://store.invalid", Options{
			Root:       t.TempDir(),
			HTTPClient: &http.Client{Transport: rt},
			Progress:   steps,
		})
		require.NoError(t, err)

		var files []File
		for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
			files = append(files, File{Name: name, Hash: utils.HashContent([]byte(name))})
		}
		res, err := b.Get(ctx, files)
		require.Error(t, err)
		assert.Equal(t, 1, rt.calls, "files after the failure must not be attempted")
		assert.Equal(t, 1, steps.n)
		assert.Empty(t, res.Success)
		assert.Empty(t, res.Missing)
	})
}

type refusingTransport struct {
	mu    sync.Mutex
	calls int
}

func (r *refusingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil, errors.New("connection refused")
}

type countingProgress struct {
	n int
}

func (c *countingProgress) Step(string, int, int) { c.n++ }

func TestHTTPBasicAuth(t *testing.T) {
	fs, srv := newFakeServer(t)
	u := "http://alice:secret@" + srv.Listener.Addr().String()
	b, err := Open(u, Options{})
	require.NoError(t, err)
	_, err = b.Exists(context.Background(), utils.HashContent([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "alice", fs.user)
}

func TestLocalStoreUsesSystemCache(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	remote := t.TempDir()
	system := t.TempDir()
	cache, err := content.NewFileStore(filepath.Join(repo, ".git"), content.Options{SystemCache: system})
	require.NoError(t, err)

	src := filepath.Join(repo, "big.bin")
	writeFile(t, src, "payload")
	hash := utils.HashContent([]byte("payload"))

	b, err := Open(remote, Options{Root: t.TempDir(), Cache: cache})
	require.NoError(t, err)

	ok, err := b.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, src, hash))
	entries, err := os.ReadDir(remote)
	require.NoError(t, err)
	assert.Empty(t, entries, "put must not write into the remote repository")

	res, err := b.Get(ctx, []File{{Name: "out.bin", Hash: hash}})
	require.NoError(t, err)
	assert.Equal(t, []string{"out.bin"}, res.Missing)

	require.NoError(t, cache.CopyToCache(src, hash))
	require.NoError(t, os.Remove(cache.Path(hash)))

	ok, err = b.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = b.Get(ctx, []File{{Name: "out.bin", Hash: hash}})
	require.NoError(t, err)
	assert.Equal(t, []string{"out.bin"}, res.Success)
	assert.True(t, cache.Exists(hash), "downloads are copied into the local cache")

	b, err = Open("", Options{Cache: cache})
	require.NoError(t, err)
	assert.Equal(t, system, b.URL())
}

func TestLocalVerify(t *testing.T) {
	ctx := context.Background()
	system := t.TempDir()
	cache, err := content.NewFileStore(filepath.Join(t.TempDir(), ".git"), content.Options{SystemCache: system})
	require.NoError(t, err)

	present := utils.HashContent([]byte("present"))
	corrupt := utils.HashContent([]byte("corrupt"))
	writeFile(t, filepath.Join(system, present), "present")
	writeFile(t, filepath.Join(system, corrupt), "tampered")

	rev := memvcs.NewRevision("r0", map[string][]byte{
		standin.Standin("a.bin"): standin.Encode(present),
		standin.Standin("b.bin"): standin.Encode(corrupt),
	})

	b, err := Open(t.TempDir(), Options{Cache: cache})
	require.NoError(t, err)

	report, err := b.Verify(ctx, []vcs.Revision{rev}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failures)

	report, err = b.Verify(ctx, []vcs.Revision{rev}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)

	present := utils.HashContent([]byte("present"))
	corrupt := utils.HashContent([]byte("corrupt"))
	absent := utils.HashContent([]byte("absent"))
	fs.blobs[present] = []byte("present")
	fs.blobs[corrupt] = []byte("something else")

	r0 := memvcs.NewRevision("r0", map[string][]byte{
		standin.Standin("a.bin"): standin.Encode(present),
		standin.Standin("b.bin"): standin.Encode(corrupt),
		"plain.txt":              []byte("not big"),
	})
	r1 := memvcs.NewRevision("r1", map[string][]byte{
		standin.Standin("a.bin"): standin.Encode(present),
		standin.Standin("b.bin"): standin.Encode(corrupt),
		standin.Standin("c.bin"): standin.Encode(absent),
	}, r0)
	revs := []vcs.Revision{r0, r1}

	core, logs := observer.New(zap.WarnLevel)
	b, err := Open(srv.URL, Options{Logger: zap.New(core)})
	require.NoError(t, err)

	report, err := b.Verify(ctx, revs, false)
	require.NoError(t, err)
	assert.Equal(t, VerifyReport{Changesets: 2, Revisions: 3, Files: 3, Failures: 2}, report)

	assert.Equal(t, 2, logs.FilterMessage("big file revision missing").Len())
	missing := logs.FilterField(zap.String("file", "c.bin")).TakeAll()
	require.Len(t, missing, 1)
	assert.Equal(t, "big file revision missing", missing[0].Message)
	fields := missing[0].ContextMap()
	assert.Equal(t, "r1", fields["changeset"])
	assert.Equal(t, "c.bin", fields["file"])
	assert.Equal(t, absent, fields["hash"])

	report, err = b.Verify(ctx, revs, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failures)
}
