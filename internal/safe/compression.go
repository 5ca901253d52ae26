package safe

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int64
	// Compression level (1=fastest, 4=best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024, // 1KB
		Level:   2,
	}
}

// compressionManager pools zstd encoders and decoders across requests.
type compressionManager struct {
	opts CompressionOptions

	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	// Create encoder/decoder for validation
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()

	cm := &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
				)
				return dec
			},
		},
	}

	return cm, nil
}

// shouldCompress reports whether a blob of size bytes is worth compressing.
// A negative size means unknown.
func (cm *compressionManager) shouldCompress(size int64) bool {
	return size < 0 || size >= cm.opts.MinSize
}

// pooledWriter compresses into w and returns its encoder to the pool on
// Close. Closing does not close w.
type pooledWriter struct {
	cm  *compressionManager
	enc *zstd.Encoder
}

func (cm *compressionManager) writer(w io.Writer) *pooledWriter {
	enc := cm.encoders.Get().(*zstd.Encoder)
	enc.Reset(w)
	return &pooledWriter{cm: cm, enc: enc}
}

func (p *pooledWriter) Write(b []byte) (int, error) {
	return p.enc.Write(b)
}

func (p *pooledWriter) Close() error {
	err := p.enc.Close()
	p.enc.Reset(nil)
	p.cm.encoders.Put(p.enc)
	return err
}

// pooledReader decompresses from an underlying reader and returns its
// decoder to the pool on Close.
type pooledReader struct {
	cm  *compressionManager
	dec *zstd.Decoder
	src io.Closer
}

func (cm *compressionManager) reader(r io.ReadCloser) (*pooledReader, error) {
	dec := cm.decoders.Get().(*zstd.Decoder)
	if err := dec.Reset(r); err != nil {
		cm.decoders.Put(dec)
		return nil, fmt.Errorf("starting decompression: %w", err)
	}
	return &pooledReader{cm: cm, dec: dec, src: r}, nil
}

func (p *pooledReader) Read(b []byte) (int, error) {
	return p.dec.Read(b)
}

func (p *pooledReader) Close() error {
	p.dec.Reset(nil)
	p.cm.decoders.Put(p.dec)
	return p.src.Close()
}

// isCompressed sniffs the zstd frame magic.
func isCompressed(head []byte) bool {
	return len(head) >= len(zstdMagic) && bytes.Equal(head[:len(zstdMagic)], zstdMagic)
}
