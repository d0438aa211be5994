package apiserver

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quantarax/nixcache/internal/chunker"
	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/download"
	"github.com/quantarax/nixcache/internal/hashing"
	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/observability"
	"github.com/quantarax/nixcache/internal/signing"
	"github.com/quantarax/nixcache/internal/storage"
	"github.com/quantarax/nixcache/internal/upload"
)

var testMetrics = observability.NewMetrics()
var testLogger = observability.NewLogger("nixcache-test", "test", io.Discard)

const validHash = "000000000000000000000000000000aa"

func buildRouter(t *testing.T, tokenSecret []byte) (http.Handler, *storage.LocalBackend) {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	kp, err := signing.Generate("cache.example.org-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dl := &download.Handler{Backend: backend, Keypair: kp, Metrics: testMetrics, Logger: testLogger}
	ul := &upload.Handler{
		Backend:           backend,
		ChunkerOptions:    chunker.Options{MinSize: 64, AvgSize: 128, MaxSize: 256},
		CompressionConfig: compression.Config{Type: compression.None},
		NarSizeThreshold:  0,
		Metrics:           testMetrics,
		Logger:            testLogger,
	}

	cfg := Config{
		Download:         dl,
		Upload:           ul,
		TokenSecret:      tokenSecret,
		Keypair:          kp,
		StoreDir:         "/nix/store",
		NarSizeThreshold: 0,
	}
	return New(cfg), backend
}

func TestRootIdentity(t *testing.T) {
	r, _ := buildRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nixcache") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestNixCacheInfoRoute(t *testing.T) {
	r, _ := buildRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/nix-cache-info", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "StoreDir: /nix/store\n") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestUploadThenNarinfoThenNarRoundTrip(t *testing.T) {
	r, _ := buildRouter(t, nil)
	data := make([]byte, 100)
	rand.Read(data)
	narHash := hashing.SHA256Bytes(data)

	preamble := manifest.UploadRequest{
		StorePathHash: manifest.StorePathHash(validHash),
		StorePath:     "/nix/store/" + validHash + "-foo",
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

	putReq := httptest.NewRequest(http.MethodPut, "/_api/v1/upload-path", &body)
	putReq.Header.Set("X-Nixcache-Nar-Info-Preamble-Size", strconv.Itoa(len(preambleJSON)))
	putRec := httptest.NewRecorder()
	r.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", putRec.Code, putRec.Body.String())
	}

	narinfoReq := httptest.NewRequest(http.MethodGet, "/"+validHash+".narinfo", nil)
	narinfoRec := httptest.NewRecorder()
	r.ServeHTTP(narinfoRec, narinfoReq)
	if narinfoRec.Code != http.StatusOK {
		t.Fatalf("narinfo status = %d, body = %s", narinfoRec.Code, narinfoRec.Body.String())
	}
	if !strings.Contains(narinfoRec.Body.String(), "URL: nar/"+validHash+".nar\n") {
		t.Errorf("narinfo body = %q", narinfoRec.Body.String())
	}

	narReq := httptest.NewRequest(http.MethodGet, "/nar/"+validHash+".nar", nil)
	narRec := httptest.NewRecorder()
	r.ServeHTTP(narRec, narReq)
	if narRec.Code != http.StatusOK {
		t.Fatalf("nar status = %d, body = %s", narRec.Code, narRec.Body.String())
	}
	if !bytes.Equal(narRec.Body.Bytes(), data) {
		t.Error("served NAR bytes do not match the uploaded archive")
	}
}

func TestCacheConfigRoute(t *testing.T) {
	r, _ := buildRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/_api/v1/cache-config", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp cacheConfigResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.StoreDir != "/nix/store" {
		t.Errorf("StoreDir = %q", resp.StoreDir)
	}
	if resp.PublicKey == "" {
		t.Error("PublicKey should not be empty")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	r, _ := buildRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/no-such-route", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUploadRouteRejectsMissingToken(t *testing.T) {
	secret := []byte("super-secret-key")
	r, _ := buildRouter(t, secret)

	req := httptest.NewRequest(http.MethodPut, "/_api/v1/upload-path", bytes.NewReader([]byte("data")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUploadRouteAcceptsValidToken(t *testing.T) {
	secret := []byte("super-secret-key")
	r, _ := buildRouter(t, secret)
	data := make([]byte, 32)
	rand.Read(data)
	narHash := hashing.SHA256Bytes(data)

	preamble := manifest.UploadRequest{
		StorePathHash: manifest.StorePathHash(validHash),
		StorePath:     "/nix/store/" + validHash + "-foo",
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
	req.Header.Set("Authorization", "Bearer "+mustSignToken(t, secret))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func mustSignToken(t *testing.T, secret []byte) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}
