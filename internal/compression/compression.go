// Package compression implements the pluggable compressor set the cache
// uses for chunk and archive bodies, and the streaming pipeline that tees a
// digest off the compressed output as it is produced.
package compression

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/quantarax/nixcache/internal/hashing"
	"github.com/quantarax/nixcache/internal/streamhash"
)

// Type identifies a compression algorithm.
type Type string

const (
	None   Type = "none"
	Zstd   Type = "zstd"
	Brotli Type = "brotli"
	Xz     Type = "xz"
)

// defaultLevels holds the per-algorithm default level used when a Config
// omits Level.
var defaultLevels = map[Type]int{
	Brotli: 5,
	Zstd:   8,
	Xz:     2,
}

// Config selects a compressor and optional explicit level.
type Config struct {
	Type  Type
	Level int // 0 means "use the algorithm's default"
}

func (c Config) resolvedLevel() int {
	if c.Level != 0 {
		return c.Level
	}
	return defaultLevels[c.Type]
}

// NewReader wraps src so that reading from the result yields the compressed
// form of src's bytes under cfg. Compression runs in a background goroutine
// feeding an io.Pipe, since none of the backing libraries expose a
// compress-on-read Reader directly.
func NewReader(src io.Reader, cfg Config) (io.ReadCloser, error) {
	if cfg.Type == None {
		return io.NopCloser(src), nil
	}

	pr, pw := io.Pipe()

	encode, err := newEncoder(cfg, pw)
	if err != nil {
		pw.Close()
		return nil, err
	}

	go func() {
		_, copyErr := io.Copy(encode, src)
		closeErr := encode.Close()
		err := copyErr
		if err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	return pr, nil
}

// NewDecompressor wraps src so that reading from the result yields the
// decompressed form of src's (cfg-compressed) bytes. It is the download
// path's counterpart to NewReader: chunks are stored compressed, but a
// narinfo with Compression: none promises the client an already-decoded
// NAR stream, so the server decodes on the way out.
func NewDecompressor(src io.Reader, cfg Config) (io.ReadCloser, error) {
	switch cfg.Type {
	case None, "":
		return io.NopCloser(src), nil
	case Zstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("compression: zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(src)), nil
	case Xz:
		r, err := xz.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("compression: xz decoder: %w", err)
		}
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("compression: unknown type %q", cfg.Type)
	}
}

// newEncoder returns an io.WriteCloser that compresses into w under cfg.
func newEncoder(cfg Config, w io.Writer) (io.WriteCloser, error) {
	switch cfg.Type {
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.resolvedLevel())))
	case Brotli:
		return brotli.NewWriterLevel(w, cfg.resolvedLevel()), nil
	case Xz:
		// ulikunitz/xz has no notion of preset compression levels; the
		// configured level is accepted for schema compatibility but has no
		// effect here.
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("compression: unknown type %q", cfg.Type)
	}
}

// Stream wraps a raw reader with a compressor and a trailing StreamHasher,
// so the compressed file's hash and size are available once the compressed
// output is fully drained:
//
//	raw -> Compressor -> StreamHasher(sha256) -> out
//
// The resulting digest is the chunk key (to_typed_base32) stored in the
// archive manifest, so it has to be sha256 like every other hash this cache
// hands a client.
type Stream struct {
	r      io.Reader
	hasher *streamhash.Hasher
}

// NewStream builds a Stream compressing raw under cfg.
func NewStream(raw io.Reader, cfg Config) (*Stream, error) {
	compressed, err := NewReader(raw, cfg)
	if err != nil {
		return nil, err
	}
	hasher, err := streamhash.New(compressed, hashing.SHA256)
	if err != nil {
		return nil, err
	}
	return &Stream{r: hasher, hasher: hasher}, nil
}

// Read implements io.Reader, yielding compressed bytes.
func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// FileHashAndSize returns the compressed output's digest and byte count.
// Populated only once the stream has been fully drained.
func (s *Stream) FileHashAndSize() (streamhash.Result, bool) {
	return s.hasher.Result()
}
