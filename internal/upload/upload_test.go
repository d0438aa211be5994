package upload

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/quantarax/nixcache/internal/chunker"
	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/hashing"
	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/observability"
	"github.com/quantarax/nixcache/internal/storage"
)

// testMetrics is shared across this file's tests: promauto registers its
// collectors against the default registry, so constructing more than one
// Metrics per test binary panics on duplicate registration.
var testMetrics = observability.NewMetrics()
var testLogger = observability.NewLogger("nixcache-test", "test", io.Discard)

const validHash = "000000000000000000000000000000aa"

func buildHandler(t *testing.T, threshold int64) (*Handler, *storage.LocalBackend) {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return &Handler{
		Backend:           backend,
		ChunkerOptions:    chunker.Options{MinSize: 64, AvgSize: 128, MaxSize: 256},
		CompressionConfig: compression.Config{Type: compression.None},
		NarSizeThreshold:  threshold,
		Metrics:           testMetrics,
		Logger:            testLogger,
	}, backend
}

func putRequest(t *testing.T, data []byte, storePathHash string) *http.Request {
	t.Helper()
	narHash := hashing.SHA256Bytes(data)
	preamble := manifest.UploadRequest{
		StorePathHash: manifest.StorePathHash(storePathHash),
		StorePath:     "/nix/store/" + storePathHash + "-foo",
		NarHash:       narHash.ToTypedBase16(),
		NarSize:       int64(len(data)),
	}
	preambleJSON, err := json.Marshal(preamble)
	if err != nil {
		t.Fatalf("marshal preamble: %v", err)
	}

	var body bytes.Buffer
	body.Write(preambleJSON)
	body.Write(data)

	req := httptest.NewRequest(http.MethodPut, "/_api/v1/upload-path", &body)
	req.Header.Set("X-Nixcache-Nar-Info-Preamble-Size", strconv.Itoa(len(preambleJSON)))
	return req
}

func TestUploadUnchunkedRoundTrip(t *testing.T) {
	h, backend := buildHandler(t, 0) // threshold 0 disables chunking
	data := make([]byte, 100)
	rand.Read(data)

	req := putRequest(t, data, validHash)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp uploadedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Kind != "Uploaded" {
		t.Errorf("kind = %q, want Uploaded", resp.Kind)
	}

	rc, err := backend.DownloadNar(req.Context(), validHash)
	if err != nil {
		t.Fatalf("DownloadNar: %v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m manifest.ArchiveManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(m.Chunks) != 1 {
		t.Errorf("chunks = %d, want 1", len(m.Chunks))
	}
}

func TestUploadChunkedDispatchAndOrdering(t *testing.T) {
	h, backend := buildHandler(t, 50) // threshold below the test payload forces chunking
	data := make([]byte, 4096)
	rand.Read(data)

	req := putRequest(t, data, validHash)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rc, err := backend.DownloadNar(req.Context(), validHash)
	if err != nil {
		t.Fatalf("DownloadNar: %v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m manifest.ArchiveManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(m.Chunks) < 2 {
		t.Fatalf("expected multiple chunks for a %d-byte payload with small chunking bounds, got %d", len(data), len(m.Chunks))
	}

	var reassembled bytes.Buffer
	for _, c := range m.Chunks {
		rc, err := backend.DownloadChunk(req.Context(), c.FileHash.ToTypedBase32())
		if err != nil {
			t.Fatalf("DownloadChunk: %v", err)
		}
		if _, err := io.Copy(&reassembled, rc); err != nil {
			t.Fatalf("copy chunk: %v", err)
		}
		rc.Close()
	}
	if !bytes.Equal(reassembled.Bytes(), data) {
		t.Error("reassembled chunks in manifest order do not equal the original archive")
	}
}

func TestUploadChunkedDedupsRepeatedChunk(t *testing.T) {
	h, backend := buildHandler(t, 50)
	block := bytes.Repeat([]byte{0x42}, 512)
	data := append(append([]byte{}, block...), block...)

	req := putRequest(t, data, validHash)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rc, err := backend.DownloadNar(req.Context(), validHash)
	if err != nil {
		t.Fatalf("DownloadNar: %v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m manifest.ArchiveManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}

	if len(m.Chunks) < 2 {
		t.Fatalf("expected the repeated-block payload to split into multiple chunks, got %d", len(m.Chunks))
	}
	seen := map[string]bool{}
	for _, c := range m.Chunks {
		seen[c.FileHash.ToTypedBase32()] = true
	}
	if len(seen) >= len(m.Chunks) {
		t.Errorf("chunks=%d distinct=%d: identical repeated blocks should collapse onto fewer distinct keys", len(m.Chunks), len(seen))
	}
}

func TestUploadRejectsNarHashMismatch(t *testing.T) {
	h, _ := buildHandler(t, 0)
	data := make([]byte, 64)
	rand.Read(data)

	req := putRequest(t, data, validHash)
	// Corrupt the body after the preamble was built against the original data.
	body, _ := io.ReadAll(req.Body)
	corrupted := append([]byte(nil), body...)
	corrupted[len(corrupted)-1] ^= 0xFF
	req.Body = io.NopCloser(bytes.NewReader(corrupted))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRejectsMissingPreambleHeader(t *testing.T) {
	h, _ := buildHandler(t, 0)
	req := httptest.NewRequest(http.MethodPut, "/_api/v1/upload-path", bytes.NewReader([]byte("data")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadAcceptsFullHeaderPreambleForm(t *testing.T) {
	h, _ := buildHandler(t, 0)
	data := make([]byte, 32)
	rand.Read(data)
	narHash := hashing.SHA256Bytes(data)

	preamble := manifest.UploadRequest{
		StorePathHash: validHash,
		StorePath:     "/nix/store/" + validHash + "-foo",
		NarHash:       narHash.ToTypedBase16(),
		NarSize:       int64(len(data)),
	}
	preambleJSON, err := json.Marshal(preamble)
	if err != nil {
		t.Fatalf("marshal preamble: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/_api/v1/upload-path", bytes.NewReader(data))
	req.Header.Set("X-Nixcache-Nar-Info", string(preambleJSON))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRejectsInvalidStorePathHash(t *testing.T) {
	h, _ := buildHandler(t, 0)
	data := []byte("x")
	req := putRequest(t, data, "too-short")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadUnchunkedRejectsOversizeArchive(t *testing.T) {
	h, _ := buildHandler(t, 0) // no threshold: unchunked path handles everything
	h.ChunkerOptions = chunker.Options{MinSize: 64, AvgSize: 128, MaxSize: 256}
	data := make([]byte, 512) // exceeds MaxSize
	rand.Read(data)

	req := putRequest(t, data, validHash)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}
