package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// BlockSize is the chunk size used when streaming content through the hasher.
const BlockSize = 128 * 1024

// HashLen is the length of a hex encoded content hash.
const HashLen = sha1.Size * 2

// Digest is a raw content fingerprint.
type Digest [sha1.Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Hasher accumulates a digest over written bytes.
type Hasher struct {
	h hash.Hash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha1.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Size reports how many bytes have been hashed so far.
func (h *Hasher) Size() int64 {
	return h.n
}

func (h *Hasher) Digest() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// Sum hashes a stream block by block.
func Sum(r io.Reader) (Digest, error) {
	h := NewHasher()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Digest{}, fmt.Errorf("hashing stream: %w", err)
	}
	return h.Digest(), nil
}

// HashFile returns the hex digest of an on-disk file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d, err := Sum(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return d.String(), nil
}

// CopyAndSum writes src to dst one block at a time while hashing it. dst is
// closed before the digest is returned, so a nil error means the bytes are
// fully written.
func CopyAndSum(dst io.WriteCloser, src io.Reader) (Digest, error) {
	h := NewHasher()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(io.MultiWriter(dst, h), src, buf); err != nil {
		dst.Close()
		return Digest{}, fmt.Errorf("copying content: %w", err)
	}
	if err := dst.Close(); err != nil {
		return Digest{}, fmt.Errorf("closing destination: %w", err)
	}
	return h.Digest(), nil
}

func HashContent(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}

// IsHash reports whether s looks like a hex encoded content hash.
func IsHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
