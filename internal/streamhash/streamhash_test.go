package streamhash

import (
	"bytes"
	"io"
	"testing"

	"github.com/quantarax/nixcache/internal/hashing"
)

func TestHasherAbsentBeforeEOF(t *testing.T) {
	data := []byte("hello, nixcache")
	h, err := New(bytes.NewReader(data), hashing.SHA256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := h.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := h.Result(); ok {
		t.Error("Result should be absent before the stream is drained")
	}
}

func TestHasherPresentAfterEOF(t *testing.T) {
	data := []byte("hello, nixcache")
	h, err := New(bytes.NewReader(data), hashing.SHA256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("Hasher must re-emit bytes unchanged")
	}

	result, ok := h.Result()
	if !ok {
		t.Fatal("Result should be present after the stream is drained")
	}
	want := hashing.SHA256Bytes(data)
	if !result.Hash.Equal(want) {
		t.Errorf("Hash = %v, want %v", result.Hash, want)
	}
	if result.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}
}

func TestCellSharedAcrossHandles(t *testing.T) {
	data := []byte("shared cell contents")
	h, err := New(bytes.NewReader(data), hashing.SHA256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cell := h.Cell()

	if _, ok := cell.Get(); ok {
		t.Error("cell should be absent before draining")
	}

	if _, err := io.Copy(io.Discard, h); err != nil {
		t.Fatalf("io.Copy: %v", err)
	}

	result, ok := cell.Get()
	if !ok {
		t.Fatal("cell should be populated after draining")
	}
	if result.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}
}

func TestDrain(t *testing.T) {
	data := []byte("drain me")
	result, err := Drain(bytes.NewReader(data), hashing.SHA256)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	want := hashing.SHA256Bytes(data)
	if !result.Hash.Equal(want) {
		t.Errorf("Hash = %v, want %v", result.Hash, want)
	}
}

func TestDrainUnsupportedAlgorithm(t *testing.T) {
	if _, err := Drain(bytes.NewReader(nil), hashing.Algorithm("crc32")); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}
