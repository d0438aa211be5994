package compression

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/quantarax/nixcache/internal/hashing"
)

func TestNoneRoundTrip(t *testing.T) {
	data := []byte("identity compressor passes bytes through unchanged")
	r, err := NewReader(bytes.NewReader(data), Config{Type: None})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("None compressor must not modify the bytes")
	}
}

func TestZstdRoundTripShape(t *testing.T) {
	data := make([]byte, 64*1024)
	rand.Read(data)

	r, err := NewReader(bytes.NewReader(data), Config{Type: Zstd})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	compressed, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(compressed) == 0 {
		t.Error("expected non-empty compressed output")
	}
	// random data rarely compresses smaller, but the stream must still be
	// well formed (non-empty, readable to completion without error).
}

func TestStreamFileHashAndSize(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	s, err := NewStream(bytes.NewReader(data), Config{Type: None})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	if _, ok := s.FileHashAndSize(); ok {
		t.Error("FileHashAndSize should be absent before the stream is drained")
	}

	out, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("None-compressed stream should equal input")
	}

	result, ok := s.FileHashAndSize()
	if !ok {
		t.Fatal("FileHashAndSize should be present after draining")
	}
	want := hashing.SHA256Bytes(data)
	if !result.Hash.Equal(want) {
		t.Errorf("Hash = %v, want %v", result.Hash, want)
	}
	if result.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}
}

func TestDecompressorRoundTrip(t *testing.T) {
	for _, typ := range []Type{None, Zstd, Brotli, Xz} {
		data := []byte("round trip through " + string(typ) + " and back out again, over and over")
		cfg := Config{Type: typ}

		compressed, err := NewReader(bytes.NewReader(data), cfg)
		if err != nil {
			t.Fatalf("%s: NewReader: %v", typ, err)
		}
		compressedBytes, err := io.ReadAll(compressed)
		if err != nil {
			t.Fatalf("%s: read compressed: %v", typ, err)
		}

		decompressed, err := NewDecompressor(bytes.NewReader(compressedBytes), cfg)
		if err != nil {
			t.Fatalf("%s: NewDecompressor: %v", typ, err)
		}
		out, err := io.ReadAll(decompressed)
		if err != nil {
			t.Fatalf("%s: read decompressed: %v", typ, err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s: round trip mismatch: got %q, want %q", typ, out, data)
		}
	}
}

func TestResolvedLevelDefaults(t *testing.T) {
	cases := []struct {
		cfg  Config
		want int
	}{
		{Config{Type: Brotli}, 5},
		{Config{Type: Zstd}, 8},
		{Config{Type: Xz}, 2},
		{Config{Type: Brotli, Level: 11}, 11},
	}
	for _, tc := range cases {
		if got := tc.cfg.resolvedLevel(); got != tc.want {
			t.Errorf("resolvedLevel(%+v) = %d, want %d", tc.cfg, got, tc.want)
		}
	}
}

func TestUnknownTypeErrors(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil), Config{Type: "lz4"})
	if err == nil {
		t.Error("expected error for unsupported compressor type")
	}
}
