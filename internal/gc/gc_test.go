package gc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/hashing"
	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/storage"
)

func buildBackend(t *testing.T) *storage.LocalBackend {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return backend
}

func putManifest(t *testing.T, backend *storage.LocalBackend, storePathHash string, chunkHashes ...hashing.Hash) {
	t.Helper()
	sph, err := manifest.ParseStorePathHash(storePathHash)
	if err != nil {
		t.Fatalf("ParseStorePathHash: %v", err)
	}
	chunks := make([]manifest.UploadedChunk, len(chunkHashes))
	for i, h := range chunkHashes {
		chunks[i] = manifest.UploadedChunk{FileHash: h, FileSize: 10, Compression: compression.Config{Type: compression.None}}
	}
	m := manifest.ArchiveManifest{
		StorePath:     "/nix/store/" + storePathHash + "-foo",
		StorePathHash: sph,
		NarHash:       hashing.SHA256Bytes([]byte("x")),
		NarSize:       10,
		Chunks:        chunks,
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if _, err := backend.UploadNar(context.Background(), storePathHash, bytes.NewReader(data)); err != nil {
		t.Fatalf("UploadNar: %v", err)
	}
}

func putChunk(t *testing.T, backend *storage.LocalBackend, h hashing.Hash) {
	t.Helper()
	key := h.ToTypedBase32()
	if _, err := backend.UploadChunk(context.Background(), key, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
}

func TestSweepFindsOrphanedChunk(t *testing.T) {
	backend := buildBackend(t)
	referenced := hashing.SHA256Bytes([]byte("referenced"))
	orphan := hashing.SHA256Bytes([]byte("orphan"))

	putChunk(t, backend, referenced)
	putChunk(t, backend, orphan)
	putManifest(t, backend, "000000000000000000000000000000aa", referenced)

	report, err := Sweep(context.Background(), backend)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.ManifestsScanned != 1 {
		t.Errorf("ManifestsScanned = %d, want 1", report.ManifestsScanned)
	}
	if report.TotalChunks != 2 {
		t.Errorf("TotalChunks = %d, want 2", report.TotalChunks)
	}
	if len(report.OrphanedChunks) != 1 || report.OrphanedChunks[0] != orphan.ToTypedBase32() {
		t.Errorf("OrphanedChunks = %v, want [%s]", report.OrphanedChunks, orphan.ToTypedBase32())
	}
}

func TestSweepNoOrphansWhenAllReferenced(t *testing.T) {
	backend := buildBackend(t)
	h := hashing.SHA256Bytes([]byte("only-chunk"))
	putChunk(t, backend, h)
	putManifest(t, backend, "000000000000000000000000000000bb", h)

	report, err := Sweep(context.Background(), backend)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(report.OrphanedChunks) != 0 {
		t.Errorf("OrphanedChunks = %v, want none", report.OrphanedChunks)
	}
}

func TestHandlerRejectsMissingTokenWhenSecretConfigured(t *testing.T) {
	backend := buildBackend(t)
	h := Handler(backend, []byte("secret"))

	req := httptest.NewRequest("POST", "/_api/v1/gc", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerRunsWhenSecretEmpty(t *testing.T) {
	backend := buildBackend(t)
	h := Handler(backend, nil)

	req := httptest.NewRequest("POST", "/_api/v1/gc", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
