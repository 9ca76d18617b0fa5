// Package compression provides the byte codecs used for encoded pdata payloads
// and exporter output streams.
//
// # Algorithm Selection
//
// Choose algorithms based on your requirements:
//   - Snappy/S2: Best for speed, moderate compression
//   - LZ4: Extremely fast, decent compression
//   - Zstd: Best compression ratio, good speed
//   - Gzip: Wide compatibility, good compression
//
// # Basic Usage
//
//	codec, err := compression.Get(compression.Zstd)
//	compressed, err := codec.Compress(data)
//	original, err := codec.Decompress(compressed)
//
// # Streaming
//
//	w, err := codec.NewWriter(file)
//	defer w.Close()
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/dfengine/pkg/pool"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents snappy framed compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Codec compresses whole buffers and wraps streams.
// All implementations are safe for concurrent use.
type Codec interface {
	Algorithm() Algorithm
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Get returns the codec for an algorithm. The empty string selects None.
func Get(algo Algorithm) (Codec, error) {
	switch algo {
	case "", None:
		return noneCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case Zstd:
		return defaultZstd, nil
	case S2:
		return s2Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algo)
	}
}

// Extension returns the conventional file suffix for the algorithm
func Extension(algo Algorithm) string {
	switch algo {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressVia runs data through a streaming writer into a fresh buffer
// scratch holds compression output until it is copied out
var scratch = pool.NewBufferPool()

func compressVia(c Codec, data []byte) ([]byte, error) {
	buf := scratch.Get()
	defer scratch.Put(buf)
	w, err := c.NewWriter(buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func decompressVia(c Codec, data []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r) //nolint:gosec // G110: payload sizes are bounded by the producer
}

type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm                  { return None }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}
func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil }

type gzipCodec struct{}

func (gzipCodec) Algorithm() Algorithm { return Gzip }
func (c gzipCodec) Compress(data []byte) ([]byte, error) {
	return compressVia(c, data)
}
func (c gzipCodec) Decompress(data []byte) ([]byte, error) {
	return decompressVia(c, data)
}
func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.DefaultCompression)
}
func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }

type snappyCodec struct{}

func (snappyCodec) Algorithm() Algorithm { return Snappy }
func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}
func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
func (snappyCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}
func (snappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

type lz4Codec struct{}

func (lz4Codec) Algorithm() Algorithm { return LZ4 }
func (c lz4Codec) Compress(data []byte) ([]byte, error) {
	return compressVia(c, data)
}
func (c lz4Codec) Decompress(data []byte) ([]byte, error) {
	return decompressVia(c, data)
}
func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	return zw, nil
}
func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

type s2Codec struct{}

func (s2Codec) Algorithm() Algorithm { return S2 }
func (s2Codec) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}
func (s2Codec) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
func (s2Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return s2.NewWriter(w), nil
}
func (s2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(r)), nil
}

// zstdCodec pools encoders and decoders; both are expensive to construct
type zstdCodec struct {
	encoders sync.Pool
	decoders sync.Pool
}

var defaultZstd = newZstdCodec()

func newZstdCodec() *zstdCodec {
	zc := &zstdCodec{}
	zc.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	}
	zc.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}
	return zc
}

func (zc *zstdCodec) Algorithm() Algorithm { return Zstd }

func (zc *zstdCodec) Compress(data []byte) ([]byte, error) {
	enc := zc.encoders.Get().(*zstd.Encoder)
	defer zc.encoders.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (zc *zstdCodec) Decompress(data []byte) ([]byte, error) {
	dec := zc.decoders.Get().(*zstd.Decoder)
	defer zc.decoders.Put(dec)
	return dec.DecodeAll(data, nil)
}

func (zc *zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func (zc *zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
