// Package safe is the central store's blob safe: big file contents
// addressed by their hash, sharded on disk, optionally zstd compressed at
// rest, with their metadata in badger.
package safe

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"kbfiles/internal/storage"
	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
	ErrHashMismatch    = errors.New("content hash mismatch")
)

const metaPrefix = "content"

// ContentMeta stores metadata about stored content
type ContentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	Stored     int64     `json:"stored"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

func (m *ContentMeta) GetID() string { return m.Hash }

// Safe stores each blob once under its hash.
type Safe struct {
	root   string
	meta   *storage.BadgerStore
	cache  *lru.Cache[string, ContentMeta]
	cm       *compressionManager
	compress bool
	logger   *zap.Logger
}

type Options struct {
	Root      string
	CacheSize int
	// Compress enables zstd at rest for blobs of at least Compression.MinSize.
	Compress    bool
	Compression CompressionOptions
	Logger      *zap.Logger
}

func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, ContentMeta](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	copts := opts.Compression
	if copts.Level == 0 {
		copts = DefaultCompressionOptions()
	}
	// Decoding stays available with compression off, for blobs written
	// while it was on.
	cm, err := newCompressionManager(copts)
	if err != nil {
		return nil, err
	}

	return &Safe{
		root:     opts.Root,
		meta:     storage.NewBadgerStore(db, metaPrefix),
		cache:    cache,
		cm:       cm,
		compress: opts.Compress,
		logger:   opts.Logger,
	}, nil
}

// Put streams r into the safe as hash. size may be -1 when unknown. The
// bytes are hashed on the way in and rejected with ErrHashMismatch unless
// they match. Putting a blob that is already present is a no-op.
func (s *Safe) Put(hash string, r io.Reader, size int64) (ContentMeta, error) {
	if !utils.IsHash(hash) {
		return ContentMeta{}, ErrInvalidHash
	}
	if meta, ok, err := s.Stat(hash); err != nil {
		return ContentMeta{}, err
	} else if ok {
		io.Copy(io.Discard, r)
		return meta, nil
	}

	dest := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return ContentMeta{}, fmt.Errorf("creating content directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".incoming-*")
	if err != nil {
		return ContentMeta{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	compressed := s.compress && s.cm.shouldCompress(size)
	var sink io.WriteCloser = tmp
	if compressed {
		sink = &closeBoth{pw: s.cm.writer(tmp), f: tmp}
	}
	counted := &countingReader{r: r}
	digest, err := utils.CopyAndSum(sink, counted)
	if err != nil {
		return ContentMeta{}, fmt.Errorf("writing content: %w", err)
	}
	if digest.String() != hash {
		return ContentMeta{}, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, digest, hash)
	}

	info, err := os.Stat(tmp.Name())
	if err != nil {
		return ContentMeta{}, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return ContentMeta{}, fmt.Errorf("committing content: %w", err)
	}

	now := time.Now()
	meta := ContentMeta{
		Hash:       hash,
		Size:       counted.n,
		Stored:     info.Size(),
		Compressed: compressed,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if err := s.meta.Put(&meta); err != nil {
		os.Remove(dest)
		return ContentMeta{}, fmt.Errorf("storing metadata: %w", err)
	}
	s.cache.Add(hash, meta)
	s.logger.Debug("stored big file",
		zap.String("hash", hash),
		zap.Int64("size", meta.Size),
		zap.Int64("stored", meta.Stored))
	return meta, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// closeBoth finishes the compressed stream before closing the file under it.
type closeBoth struct {
	pw *pooledWriter
	f  *os.File
}

func (c *closeBoth) Write(p []byte) (int, error) { return c.pw.Write(p) }

func (c *closeBoth) Close() error {
	err := c.pw.Close()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Stat returns hash's metadata and whether the safe holds it.
func (s *Safe) Stat(hash string) (ContentMeta, bool, error) {
	if !utils.IsHash(hash) {
		return ContentMeta{}, false, ErrInvalidHash
	}
	if meta, ok := s.cache.Get(hash); ok {
		return meta, true, nil
	}
	var meta ContentMeta
	err := s.meta.Get(hash, &meta)
	if errors.Is(err, storage.ErrNotFound) {
		return ContentMeta{}, false, nil
	}
	if err != nil {
		return ContentMeta{}, false, fmt.Errorf("getting metadata: %w", err)
	}
	s.cache.Add(hash, meta)
	return meta, true, nil
}

// Open returns a reader over hash's original bytes.
func (s *Safe) Open(hash string) (io.ReadCloser, ContentMeta, error) {
	meta, ok, err := s.Stat(hash)
	if err != nil {
		return nil, ContentMeta{}, err
	}
	if !ok {
		return nil, ContentMeta{}, ErrContentNotFound
	}

	f, err := os.Open(s.contentPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		s.forget(hash)
		return nil, ContentMeta{}, ErrContentNotFound
	}
	if err != nil {
		return nil, ContentMeta{}, fmt.Errorf("reading content: %w", err)
	}

	meta.AccessedAt = time.Now()
	s.cache.Add(hash, meta)
	if err := s.meta.Put(&meta); err != nil {
		s.logger.Warn("updating access time", zap.String("hash", hash), zap.Error(err))
	}

	if !meta.Compressed {
		return f, meta, nil
	}
	rc, err := s.cm.reader(f)
	if err != nil {
		f.Close()
		return nil, ContentMeta{}, err
	}
	return rc, meta, nil
}

// Verify re-hashes hash's stored bytes.
func (s *Safe) Verify(hash string) error {
	rc, _, err := s.Open(hash)
	if err != nil {
		return err
	}
	defer rc.Close()
	d, err := utils.Sum(rc)
	if err != nil {
		return err
	}
	if d.String() != hash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, hash)
	}
	return nil
}

// Delete removes hash's bytes and metadata.
func (s *Safe) Delete(hash string) error {
	if !utils.IsHash(hash) {
		return ErrInvalidHash
	}
	if err := os.Remove(s.contentPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing content file: %w", err)
	}
	if err := s.meta.Delete(hash); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(hash)
	return nil
}

func (s *Safe) forget(hash string) {
	s.cache.Remove(hash)
	if err := s.meta.Delete(hash); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("dropping stale metadata", zap.String("hash", hash), zap.Error(err))
	}
}

// Reindex rebuilds the metadata from the blobs on disk, for a safe whose
// database was lost. Blobs whose name is not a hash are skipped.
func (s *Safe) Reindex() (int, error) {
	var metas []storage.Entity
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		hash := filepath.Dir(rel) + filepath.Base(rel)
		if !utils.IsHash(hash) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		compressed, err := sniff(path)
		if err != nil {
			return err
		}
		metas = append(metas, &ContentMeta{
			Hash:       hash,
			Size:       -1,
			Stored:     info.Size(),
			Compressed: compressed,
			CreatedAt:  info.ModTime(),
			AccessedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning safe: %w", err)
	}
	if err := s.meta.Replace(metas); err != nil {
		return 0, err
	}
	s.cache.Purge()
	s.logger.Info("reindexed safe", zap.Int("blobs", len(metas)))
	return len(metas), nil
}

func sniff(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(zstdMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return isCompressed(head[:n]), nil
}

func (s *Safe) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}
