// Package apiserver wires the cache's read path, write path, and
// supporting admin/observability endpoints into a single chi router.
package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quantarax/nixcache/internal/auth"
	"github.com/quantarax/nixcache/internal/download"
	"github.com/quantarax/nixcache/internal/observability"
	"github.com/quantarax/nixcache/internal/signing"
	"github.com/quantarax/nixcache/internal/upload"
)

// Version is the server identity string served at "/".
const Version = "0.1.0"

// Config bundles the handlers and settings the router wires together. It
// is the composition point for a running server; cmd/nixcache-server's
// job is only to build one of these (including the GC handler, built by
// the caller from internal/gc since that package depends on the concrete
// storage backend) and call New.
type Config struct {
	Download         *download.Handler
	Upload           *upload.Handler
	TokenSecret      []byte
	GC               http.HandlerFunc
	Health           *observability.HealthChecker
	Metrics          *observability.Metrics
	Keypair          *signing.Keypair
	StoreDir         string
	NarSizeThreshold int64
}

// New builds the chi router serving every route named in the cache's HTTP
// surface: the identity string, the Nix binary-cache read path, the
// upload-path write endpoint, the cache-config descriptor, the GC admin
// sweep, and the metrics/health endpoints.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "nixcache %s\n", Version)
	})

	r.Get("/nix-cache-info", cfg.Download.NixCacheInfo)
	r.Get("/{hash}.narinfo", func(w http.ResponseWriter, r *http.Request) {
		cfg.Download.Narinfo(w, r, chi.URLParam(r, "hash"))
	})
	r.Head("/{hash}.narinfo", func(w http.ResponseWriter, r *http.Request) {
		cfg.Download.Narinfo(w, r, chi.URLParam(r, "hash"))
	})
	r.Get("/nar/{hash}.nar", func(w http.ResponseWriter, r *http.Request) {
		cfg.Download.Nar(w, r, chi.URLParam(r, "hash"))
	})

	r.With(auth.RequireToken(cfg.TokenSecret)).Put("/_api/v1/upload-path", cfg.Upload.ServeHTTP)
	r.Get("/_api/v1/cache-config", cfg.handleCacheConfig)

	if cfg.GC != nil {
		r.Post("/_api/v1/gc", cfg.GC)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.Handler())
	}

	r.NotFound(notFound)

	return r
}

type cacheConfigResponse struct {
	PublicKey        string `json:"public_key"`
	NarSizeThreshold int64  `json:"nar_size_threshold"`
	StoreDir         string `json:"store_dir"`
}

func (cfg Config) handleCacheConfig(w http.ResponseWriter, r *http.Request) {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "/nix/store"
	}
	writeJSON(w, http.StatusOK, cacheConfigResponse{
		PublicKey:        cfg.Keypair.PublicKey().String(),
		NarSizeThreshold: cfg.NarSizeThreshold,
		StoreDir:         storeDir,
	})
}

// requestIDMiddleware stamps every request with a UUID, returned to the
// client via X-Request-Id so a narinfo/nar fetch can be correlated with its
// server-side log lines.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "NotFound", "no such route")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "error": code, "message": msg})
}
